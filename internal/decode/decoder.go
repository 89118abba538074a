package decode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fedesantamarina/ACE-Step/internal/metrics"
	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

const (
	// SampleRate of the decoded waveform.
	SampleRate = 44100
	// SamplesPerFrame is the audio samples one latent frame decodes to.
	SamplesPerFrame = 512

	// DefaultWindowFrames and DefaultOverlapFrames bound the decoder's
	// peak memory to one window regardless of track length.
	DefaultWindowFrames  = 512
	DefaultOverlapFrames = 64
)

// WindowDecoder is the external latent-to-audio decoder. It is
// stateless per window.
type WindowDecoder interface {
	// Decode converts one latent window to raw samples, SamplesPerFrame
	// samples per frame.
	Decode(ctx context.Context, window *tensor.Latent) ([]float64, error)
}

// Window is one latent-frame range of the decode plan.
type Window struct {
	Start int
	End   int
}

// PlanWindows partitions [0, frames) into windows of at most w frames
// stepping w-o, with the last window shifted back to end exactly at
// frames. When frames <= w the plan is a single window and overlap
// logic never runs.
func PlanWindows(frames, w, o int) ([]Window, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("latent length %d must be positive", frames)
	}
	if w <= 0 || o < 0 || o >= w {
		return nil, fmt.Errorf("invalid window/overlap %d/%d", w, o)
	}
	if frames <= w {
		return []Window{{Start: 0, End: frames}}, nil
	}
	var plan []Window
	step := w - o
	s := 0
	for s+w < frames {
		plan = append(plan, Window{Start: s, End: s + w})
		s += step
	}
	plan = append(plan, Window{Start: frames - w, End: frames})
	return plan, nil
}

// Decoder reconstructs a full waveform from a latent by decoding
// overlapping windows and cross-fading the overlaps.
type Decoder struct {
	dec     WindowDecoder
	window  int
	overlap int
	log     zerolog.Logger
}

// New builds a Decoder; zero window/overlap select the defaults.
func New(dec WindowDecoder, window, overlap int, log zerolog.Logger) *Decoder {
	if window == 0 {
		window = DefaultWindowFrames
	}
	if overlap == 0 {
		overlap = DefaultOverlapFrames
	}
	return &Decoder{
		dec:     dec,
		window:  window,
		overlap: overlap,
		log:     log.With().Str("component", "decoder").Logger(),
	}
}

// Decode produces the assembled waveform for the whole latent. Windows
// are decoded concurrently; the cross-fade assembly waits for all of
// them. Output length is frames*SamplesPerFrame.
func (d *Decoder) Decode(ctx context.Context, latent *tensor.Latent) ([]float64, error) {
	plan, err := PlanWindows(latent.Frames, d.window, d.overlap)
	if err != nil {
		return nil, err
	}

	chunks := make([][]float64, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range plan {
		i, w := i, w
		g.Go(func() error {
			samples, err := d.dec.Decode(gctx, latent.Window(w.Start, w.End))
			if err != nil {
				return fmt.Errorf("decode window [%d,%d): %w", w.Start, w.End, err)
			}
			if want := (w.End - w.Start) * SamplesPerFrame; len(samples) != want {
				return fmt.Errorf("decode window [%d,%d): got %d samples want %d", w.Start, w.End, len(samples), want)
			}
			chunks[i] = samples
			metrics.DecodeWindows.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]float64, latent.Frames*SamplesPerFrame)
	assembled := 0 // frames written so far
	for i, w := range plan {
		base := w.Start * SamplesPerFrame
		ov := 0
		if i > 0 {
			ov = (assembled - w.Start) * SamplesPerFrame
		}
		for j, s := range chunks[i] {
			if j < ov {
				// Linear ramp: the two windows' contributions sum to
				// full weight exactly once across the overlap.
				a := float64(j) / float64(ov)
				out[base+j] = (1-a)*out[base+j] + a*s
			} else {
				out[base+j] = s
			}
		}
		assembled = w.End
	}
	d.log.Debug().Int("windows", len(plan)).Int("samples", len(out)).Msg("decode assembled")
	return out, nil
}
