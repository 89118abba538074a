package modelexec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

func TestLatentCodecRoundTrip(t *testing.T) {
	l := tensor.Randn(8, 123, rand.New(rand.NewSource(5)))
	l.Data[0] = math.Inf(1)
	l.Data[1] = -0.0
	out, err := decodeLatent(encodeLatent(l))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Channels != 8 || out.Frames != 123 {
		t.Fatalf("shape lost: %s", out.ShapeString())
	}
	for i := range l.Data {
		if math.Float64bits(out.Data[i]) != math.Float64bits(l.Data[i]) {
			t.Fatalf("value %d not bit-preserved", i)
		}
	}
}

func TestDecodeLatentShapeChecked(t *testing.T) {
	p := encodeLatent(tensor.New(2, 3))
	p.Frames = 4
	if _, err := decodeLatent(p); err == nil {
		t.Fatal("shape/value mismatch accepted")
	}
}
