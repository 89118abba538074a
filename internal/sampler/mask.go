package sampler

import (
	"fmt"

	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

// Mask constrains which latent frames a run may change. Frames with
// weight 0 are pinned to the reference trajectory at every step, which
// is what keeps repainted tracks from drifting outside the edit span.
// Weights between 0 and 1 blend softly.
type Mask struct {
	Weights   []float64
	Reference *tensor.Latent
}

// NewMask validates the mask against the run's latent shape.
func NewMask(weights []float64, reference *tensor.Latent, channels, frames int) (*Mask, error) {
	if reference == nil {
		return nil, ErrConfiguration("mask requires a reference latent")
	}
	if len(weights) != frames {
		return nil, ErrShapeMismatch(
			fmt.Sprintf("%d frames", frames),
			fmt.Sprintf("%d mask weights", len(weights)),
		)
	}
	if reference.Channels != channels || reference.Frames != frames {
		return nil, ErrShapeMismatch(
			fmt.Sprintf("(%d,%d)", channels, frames),
			reference.ShapeString(),
		)
	}
	for i, w := range weights {
		if w < 0 || w > 1 {
			return nil, ErrConfiguration(fmt.Sprintf("mask weight %v at frame %d outside [0,1]", w, i))
		}
	}
	return &Mask{Weights: weights, Reference: reference}, nil
}

// Apply corrects the scheduler's proposed latent in place after a step
// landing on time t. noise is the run's seeded initial noise; the
// reference trajectory point at t is (1-t)*ref + t*noise. Fully masked
// frames are assigned that point exactly, never blended, so they stay
// bit-identical to the reference trajectory across all steps.
func (m *Mask) Apply(x, noise *tensor.Latent, t float64) {
	for f, w := range m.Weights {
		if w == 1 {
			continue
		}
		for c := 0; c < x.Channels; c++ {
			i := c*x.Frames + f
			traj := (1-t)*m.Reference.Data[i] + t*noise.Data[i]
			if w == 0 {
				x.Data[i] = traj
			} else {
				x.Data[i] = w*x.Data[i] + (1-w)*traj
			}
		}
	}
}
