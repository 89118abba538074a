package latentio

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

func TestFileRoundTripBitExact(t *testing.T) {
	l := tensor.Randn(8, 200, rand.New(rand.NewSource(31)))
	l.Data[0] = math.Inf(-1)
	l.Data[1] = -0.0

	p := filepath.Join(t.TempDir(), "run.latent")
	if err := WriteFile(p, l); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	out, err := ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if out.Channels != l.Channels || out.Frames != l.Frames {
		t.Fatalf("shape lost: %s", out.ShapeString())
	}
	for i := range l.Data {
		if math.Float64bits(out.Data[i]) != math.Float64bits(l.Data[i]) {
			t.Fatalf("value %d not bit-preserved", i)
		}
	}
}

func TestReadFileRejectsBadShape(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.latent")
	body := `{"channels":2,"frames":5,"data":"` + EncodeFloats([]float64{1, 2, 3}) + `"}`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFile(p); err == nil {
		t.Fatal("shape/value mismatch accepted")
	}
}

func TestDecodeFloatsRejectsRaggedPayload(t *testing.T) {
	if _, err := DecodeFloats("AAAA"); err == nil {
		t.Fatal("3-byte payload accepted")
	}
}
