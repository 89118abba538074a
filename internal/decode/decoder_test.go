package decode

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

// contentDecoder maps each latent frame to SamplesPerFrame samples as
// a pure function of the frame's content, the way the real decoder is
// stateless per window.
type contentDecoder struct {
	fail error
}

func (d *contentDecoder) Decode(_ context.Context, w *tensor.Latent) ([]float64, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	out := make([]float64, w.Frames*SamplesPerFrame)
	for f := 0; f < w.Frames; f++ {
		mean := 0.0
		for c := 0; c < w.Channels; c++ {
			mean += w.Data[c*w.Frames+f]
		}
		mean /= float64(w.Channels)
		for k := 0; k < SamplesPerFrame; k++ {
			out[f*SamplesPerFrame+k] = mean
		}
	}
	return out, nil
}

func smoothLatent(frames int) *tensor.Latent {
	l := tensor.New(8, frames)
	rng := rand.New(rand.NewSource(11))
	phase := rng.Float64()
	for c := 0; c < l.Channels; c++ {
		for f := 0; f < frames; f++ {
			l.Data[c*frames+f] = math.Sin(phase + float64(f)/40 + float64(c)/3)
		}
	}
	return l
}

func TestPlanCoversWithoutGaps(t *testing.T) {
	for _, tc := range []struct{ frames, w, o int }{
		{1, 512, 64},
		{511, 512, 64},
		{512, 512, 64},
		{513, 512, 64},
		{5168, 512, 64},
		{10000, 512, 1},
		{1000, 300, 299},
	} {
		plan, err := PlanWindows(tc.frames, tc.w, tc.o)
		if err != nil {
			t.Fatalf("%+v: %v", tc, err)
		}
		if plan[0].Start != 0 {
			t.Fatalf("%+v: first window starts at %d", tc, plan[0].Start)
		}
		if plan[len(plan)-1].End != tc.frames {
			t.Fatalf("%+v: last window ends at %d want %d", tc, plan[len(plan)-1].End, tc.frames)
		}
		for i := 1; i < len(plan); i++ {
			overlap := plan[i-1].End - plan[i].Start
			if overlap <= 0 {
				t.Fatalf("%+v: gap or zero overlap between windows %d and %d", tc, i-1, i)
			}
		}
		if tc.frames <= tc.w && len(plan) != 1 {
			t.Fatalf("%+v: short latent should decode in one window, got %d", tc, len(plan))
		}
	}
}

func TestPlanRejectsBadParams(t *testing.T) {
	if _, err := PlanWindows(0, 512, 64); err == nil {
		t.Fatal("zero-length latent accepted")
	}
	if _, err := PlanWindows(100, 0, 0); err == nil {
		t.Fatal("zero window accepted")
	}
	if _, err := PlanWindows(100, 64, 64); err == nil {
		t.Fatal("overlap equal to window accepted")
	}
}

func TestShortTrackMatchesSinglePass(t *testing.T) {
	latent := smoothLatent(200) // < default window
	dec := &contentDecoder{}
	d := New(dec, 0, 0, zerolog.Nop())
	windowed, err := d.Decode(context.Background(), latent)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	direct, err := dec.Decode(context.Background(), latent)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if len(windowed) != len(direct) {
		t.Fatalf("length %d vs %d", len(windowed), len(direct))
	}
	for i := range direct {
		if windowed[i] != direct[i] {
			t.Fatalf("short-track decode not bit-identical at %d", i)
		}
	}
}

func TestLongTrackLengthAndSeams(t *testing.T) {
	const frames = 5168 // ~60s at 512 samples per 44.1kHz frame
	latent := smoothLatent(frames)
	d := New(&contentDecoder{}, 0, 0, zerolog.Nop())
	out, err := d.Decode(context.Background(), latent)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != frames*SamplesPerFrame {
		t.Fatalf("output length %d want %d", len(out), frames*SamplesPerFrame)
	}
	// No discontinuity at any sample boundary beyond what the smooth
	// source signal itself moves between neighbours.
	const tolerance = 0.05
	for i := 1; i < len(out); i++ {
		if jump := math.Abs(out[i] - out[i-1]); jump > tolerance {
			t.Fatalf("discontinuity %v at sample %d", jump, i)
		}
	}
}

func TestLongTrackMatchesDirectForPureDecoder(t *testing.T) {
	// With a decoder that is a pure function of frame content,
	// overlapping windows agree on the overlap and the cross-fade
	// reduces to the direct decode.
	const frames = 1500
	latent := smoothLatent(frames)
	dec := &contentDecoder{}
	d := New(dec, 256, 32, zerolog.Nop())
	windowed, err := d.Decode(context.Background(), latent)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	direct, _ := dec.Decode(context.Background(), latent)
	for i := range direct {
		if math.Abs(windowed[i]-direct[i]) > 1e-9 {
			t.Fatalf("windowed decode diverged at %d: %v vs %v", i, windowed[i], direct[i])
		}
	}
}

func TestWindowFailurePropagates(t *testing.T) {
	latent := smoothLatent(1500)
	boom := errors.New("decoder oom")
	d := New(&contentDecoder{fail: boom}, 256, 32, zerolog.Nop())
	if _, err := d.Decode(context.Background(), latent); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped decoder error got %v", err)
	}
}
