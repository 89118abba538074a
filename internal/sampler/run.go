package sampler

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/fedesantamarina/ACE-Step/internal/metrics"
	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

// RunState is the scheduler state machine.
type RunState string

const (
	StateNotStarted RunState = "not-started"
	StateStepping   RunState = "stepping"
	StateDone       RunState = "done"
	StateCancelled  RunState = "cancelled"
	StateFailed     RunState = "failed"
)

// Config fixes one sampling run. Algorithm and guidance settings are
// immutable once the run is constructed; there is no mid-run switching.
type Config struct {
	Algorithm Algorithm
	Steps     int
	Channels  int
	Frames    int
	Seed      int64
	// TimeStart/TimeEnd default to 1 -> 0 (noise to sample). The
	// reverse direction is used by audio-to-audio flows.
	TimeStart float64
	TimeEnd   float64
	Guidance  GuidanceConfig
}

// Run owns the latent for one solve. It is single-use: Solve may be
// called exactly once.
type Run struct {
	cfg   Config
	sched Schedule
	comp  *Composer
	mask  *Mask
	rng   *rand.Rand
	x     *tensor.Latent
	noise *tensor.Latent
	state RunState
	log   zerolog.Logger
}

// NewRun validates configuration and conditioning up front, before any
// model evaluation. A bundle carrying an edit mask turns the run into
// a repaint: frames with mask weight 0 are pinned to the reference
// trajectory.
func NewRun(cfg Config, model Transformer, bundle Bundle, log zerolog.Logger) (*Run, error) {
	if cfg.Channels <= 0 || cfg.Frames <= 0 {
		return nil, ErrConfiguration(fmt.Sprintf("latent shape (%d,%d) must be positive", cfg.Channels, cfg.Frames))
	}
	switch cfg.Algorithm {
	case AlgoEuler, AlgoHeun, AlgoPingPong:
	default:
		return nil, ErrConfiguration(fmt.Sprintf("unknown scheduler algorithm %q", cfg.Algorithm))
	}
	start, end := cfg.TimeStart, cfg.TimeEnd
	if start == 0 && end == 0 {
		start, end = 1, 0
	}
	sched, err := NewSchedule(cfg.Steps, start, end)
	if err != nil {
		return nil, err
	}
	comp, err := NewComposer(model, bundle, cfg.Guidance, cfg.Steps)
	if err != nil {
		return nil, err
	}

	var mask *Mask
	if bundle.EditMask != nil {
		mask, err = NewMask(bundle.EditMask, bundle.Reference, cfg.Channels, cfg.Frames)
		if err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	noise := tensor.Randn(cfg.Channels, cfg.Frames, rng)
	return &Run{
		cfg:   cfg,
		sched: sched,
		comp:  comp,
		mask:  mask,
		rng:   rng,
		x:     noise.Clone(),
		noise: noise,
		state: StateNotStarted,
		log:   log.With().Str("component", "sampler").Str("algorithm", string(cfg.Algorithm)).Logger(),
	}, nil
}

// State returns the current state machine position.
func (r *Run) State() RunState { return r.state }

// Evals returns model evaluations spent so far.
func (r *Run) Evals() int { return r.comp.Evals() }

// Schedule returns the timestep schedule actually used.
func (r *Run) Schedule() Schedule { return r.sched }

// Solve integrates the latent across the full schedule and returns the
// final latent. Cancellation is checked between steps only; the
// in-flight step always completes. Any failure mid-run discards the
// partially integrated latent.
func (r *Run) Solve(ctx context.Context) (*tensor.Latent, error) {
	if r.state != StateNotStarted {
		return nil, ErrConfiguration(fmt.Sprintf("run already consumed (state %s)", r.state))
	}
	r.state = StateStepping
	for i := 0; i < r.sched.Steps(); i++ {
		select {
		case <-ctx.Done():
			r.state = StateCancelled
			r.log.Info().Int("step", i).Msg("run cancelled between steps")
			return nil, ErrCancelled()
		default:
		}
		if err := r.advance(ctx, i); err != nil {
			r.state = StateFailed
			return nil, err
		}
		metrics.SchedulerSteps.WithLabelValues(string(r.cfg.Algorithm)).Inc()
	}
	r.state = StateDone
	r.log.Debug().Int("steps", r.sched.Steps()).Int("evals", r.comp.Evals()).Msg("solve complete")
	return r.x, nil
}

// advance applies one integration step i, moving the latent from
// Times[i] to Next(i).
func (r *Run) advance(ctx context.Context, i int) error {
	t := r.sched.Times[i]
	tNext := r.sched.Next(i)
	dt := tNext - t

	switch r.cfg.Algorithm {
	case AlgoEuler:
		v, err := r.comp.Compose(ctx, r.x, t, i)
		if err != nil {
			return err
		}
		r.x.AddScaled(dt, v)

	case AlgoHeun:
		v1, err := r.comp.Compose(ctx, r.x, t, i)
		if err != nil {
			return err
		}
		if tNext == r.sched.End {
			// No corrector evaluation at the schedule endpoint; the
			// step degenerates to Euler, so 1-step Heun matches Euler.
			r.x.AddScaled(dt, v1)
			break
		}
		pred := r.x.Clone()
		pred.AddScaled(dt, v1)
		v2, err := r.comp.Compose(ctx, pred, tNext, i)
		if err != nil {
			return err
		}
		r.x.AddScaled(dt/2, v1)
		r.x.AddScaled(dt/2, v2)

	case AlgoPingPong:
		v, err := r.comp.Compose(ctx, r.x, t, i)
		if err != nil {
			return err
		}
		// Jump to the denoised estimate, then re-noise to the next
		// level with a fresh seeded draw.
		x0 := r.x.Clone()
		x0.AddScaled(-t, v)
		eps := tensor.Randn(r.cfg.Channels, r.cfg.Frames, r.rng)
		r.x.Lerp(x0, eps, tNext)
	}

	if r.mask != nil {
		r.mask.Apply(r.x, r.noise, tNext)
	}
	return nil
}
