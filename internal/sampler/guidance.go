package sampler

import (
	"context"
	"fmt"

	"github.com/fedesantamarina/ACE-Step/internal/metrics"
	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

// GuidanceConfig is the set of named guidance weights for one run.
// Every weight defaults to zero, which means "no contribution, no
// evaluation spent". The config is constant through the run.
type GuidanceConfig struct {
	// CFGScale is the classifier-free guidance strength applied to the
	// full conditional signal.
	CFGScale float64
	// ZeroStar rescales the conditional estimate to the unconditional
	// estimate's norm before blending, taming over-saturation at high
	// CFG scales.
	ZeroStar bool
	// SplitSignals replaces the single CFG term with independent
	// tags-only and lyrics-only terms.
	SplitSignals bool
	TagScale     float64
	LyricScale   float64

	// APGScale adds the adversarial-projection term: the conditional
	// difference split parallel/orthogonal to the unconditional
	// direction, with the parallel part damped by APGDamping.
	APGScale   float64
	APGDamping float64

	// Enhanced residual guidance weights, summed on top of the base.
	ERGTag       float64
	ERGLyric     float64
	ERGDiffusion float64

	// Interval is the centered fraction of steps where guidance is
	// active; outside it a single conditional evaluation is used.
	// Zero means the full run.
	Interval float64
	// Decay linearly lowers the CFG scale toward MinScale across the
	// active interval. Zero disables decay.
	Decay    float64
	MinScale float64
}

// Validate fails fast when a weight names a signal the bundle does not
// carry, or a shaping parameter is out of range.
func (g GuidanceConfig) Validate(b Bundle) error {
	if g.CFGScale != 0 && !g.SplitSignals && !b.Supports(SubsetFull) {
		return ErrConfiguration("cfg scale set but bundle has no conditioning signal")
	}
	if g.SplitSignals {
		if g.TagScale != 0 && !b.HasTags() {
			return ErrConfiguration("tag guidance scale set but bundle has no tag embedding")
		}
		if g.LyricScale != 0 && !b.HasLyrics() {
			return ErrConfiguration("lyric guidance scale set but bundle has no lyric tokens")
		}
	}
	if g.APGScale != 0 && !b.Supports(SubsetFull) {
		return ErrConfiguration("apg scale set but bundle has no conditioning signal")
	}
	if g.ERGTag != 0 && !b.HasTags() {
		return ErrConfiguration("erg tag weight set but bundle has no tag embedding")
	}
	if g.ERGLyric != 0 && !b.HasLyrics() {
		return ErrConfiguration("erg lyric weight set but bundle has no lyric tokens")
	}
	if g.ERGDiffusion != 0 && !b.Supports(SubsetFull) {
		return ErrConfiguration("erg diffusion weight set but bundle has no conditioning signal")
	}
	if g.Interval < 0 || g.Interval > 1 {
		return ErrConfiguration(fmt.Sprintf("guidance interval %v outside [0,1]", g.Interval))
	}
	if g.Decay < 0 || g.Decay > 1 {
		return ErrConfiguration(fmt.Sprintf("guidance decay %v outside [0,1]", g.Decay))
	}
	if g.APGDamping < 0 || g.APGDamping > 1 {
		return ErrConfiguration(fmt.Sprintf("apg damping %v outside [0,1]", g.APGDamping))
	}
	return nil
}

// enabled reports whether any guidance term carries a nonzero weight.
func (g GuidanceConfig) enabled() bool {
	if g.SplitSignals {
		if g.TagScale != 0 || g.LyricScale != 0 {
			return true
		}
	} else if g.CFGScale != 0 {
		return true
	}
	return g.APGScale != 0 || g.ERGTag != 0 || g.ERGLyric != 0 || g.ERGDiffusion != 0
}

// Composer blends one or more model evaluations into a single
// effective velocity per step. It caches evaluations within a step so
// terms sharing a conditioning subset pay for it once.
type Composer struct {
	model  Transformer
	bundle Bundle
	cfg    GuidanceConfig
	steps  int
	evals  int
}

// NewComposer validates the guidance configuration against the bundle.
func NewComposer(model Transformer, bundle Bundle, cfg GuidanceConfig, steps int) (*Composer, error) {
	if model == nil {
		return nil, ErrConfiguration("model transformer is required")
	}
	if err := cfg.Validate(bundle); err != nil {
		return nil, err
	}
	return &Composer{model: model, bundle: bundle, cfg: cfg, steps: steps}, nil
}

// Evals returns the total model evaluations spent so far.
func (c *Composer) Evals() int { return c.evals }

func (c *Composer) eval(ctx context.Context, cache map[Subset]*tensor.Latent, x *tensor.Latent, t float64, sub Subset) (*tensor.Latent, error) {
	if v, ok := cache[sub]; ok {
		return v, nil
	}
	v, err := c.model.Velocity(ctx, x, t, c.bundle, sub)
	if err != nil {
		return nil, err
	}
	if !x.SameShape(v) {
		return nil, ErrShapeMismatch(x.ShapeString(), v.ShapeString())
	}
	cache[sub] = v
	c.evals++
	metrics.ModelEvaluations.WithLabelValues(string(sub)).Inc()
	return v, nil
}

// activeWindow returns the [lo, hi) step range where guidance applies.
func (c *Composer) activeWindow() (int, int) {
	g := c.cfg.Interval
	if g == 0 {
		g = 1
	}
	lo := int(float64(c.steps) * (1 - g) / 2)
	return lo, c.steps - lo
}

// effectiveCFG returns the CFG scale for a step, after interval decay.
func (c *Composer) effectiveCFG(step, lo, hi int) float64 {
	scale := c.cfg.CFGScale
	if c.cfg.Decay == 0 || hi-lo <= 1 {
		return scale
	}
	frac := float64(step-lo) / float64(hi-lo-1)
	return scale - (scale-c.cfg.MinScale)*c.cfg.Decay*frac
}

// Compose produces the effective velocity at (x, t) for the given step
// index. Terms with weight exactly zero are never evaluated.
func (c *Composer) Compose(ctx context.Context, x *tensor.Latent, t float64, step int) (*tensor.Latent, error) {
	fullSub := SubsetNone
	if c.bundle.Supports(SubsetFull) {
		fullSub = SubsetFull
	}

	lo, hi := c.activeWindow()
	cache := make(map[Subset]*tensor.Latent, 2)
	if !c.cfg.enabled() || step < lo || step >= hi {
		// Outside the guidance interval the conditional estimate is
		// used directly, one evaluation.
		return c.eval(ctx, cache, x, t, fullSub)
	}

	uncond, err := c.eval(ctx, cache, x, t, SubsetNone)
	if err != nil {
		return nil, err
	}
	out := uncond.Clone()

	if c.cfg.SplitSignals {
		if err := c.addResidual(ctx, cache, out, x, t, uncond, SubsetTags, c.cfg.TagScale, false); err != nil {
			return nil, err
		}
		if err := c.addResidual(ctx, cache, out, x, t, uncond, SubsetLyrics, c.cfg.LyricScale, false); err != nil {
			return nil, err
		}
	} else if scale := c.effectiveCFG(step, lo, hi); scale != 0 {
		if err := c.addResidual(ctx, cache, out, x, t, uncond, fullSub, scale, c.cfg.ZeroStar); err != nil {
			return nil, err
		}
	}

	if c.cfg.APGScale != 0 {
		cond, err := c.eval(ctx, cache, x, t, fullSub)
		if err != nil {
			return nil, err
		}
		out.AddScaled(c.cfg.APGScale, apgTerm(uncond, cond, c.cfg.APGDamping))
	}

	if err := c.addResidual(ctx, cache, out, x, t, uncond, SubsetTags, c.cfg.ERGTag, false); err != nil {
		return nil, err
	}
	if err := c.addResidual(ctx, cache, out, x, t, uncond, SubsetLyrics, c.cfg.ERGLyric, false); err != nil {
		return nil, err
	}
	if err := c.addResidual(ctx, cache, out, x, t, uncond, fullSub, c.cfg.ERGDiffusion, false); err != nil {
		return nil, err
	}
	return out, nil
}

// addResidual accumulates weight*(cond - uncond) into out. A zero
// weight is the identity and spends no evaluation.
func (c *Composer) addResidual(ctx context.Context, cache map[Subset]*tensor.Latent, out, x *tensor.Latent, t float64, uncond *tensor.Latent, sub Subset, weight float64, renorm bool) error {
	if weight == 0 {
		return nil
	}
	cond, err := c.eval(ctx, cache, x, t, sub)
	if err != nil {
		return err
	}
	if renorm {
		cn := cond.Norm()
		if cn > 0 {
			cond = cond.Clone()
			cond.Scale(uncond.Norm() / cn)
		}
	}
	diff := cond.Sub(uncond)
	out.AddScaled(weight, diff)
	return nil
}

// apgTerm decomposes cond-uncond into components parallel and
// orthogonal to the unconditional direction and damps the parallel
// one, which keeps high guidance strengths from blowing up the
// low-frequency content.
func apgTerm(uncond, cond *tensor.Latent, damping float64) *tensor.Latent {
	diff := cond.Sub(uncond)
	denom := uncond.Dot(uncond)
	if denom == 0 {
		return diff
	}
	coef := diff.Dot(uncond) / denom
	// diff = par + orth; result = orth + damping*par
	out := diff
	out.AddScaled(coef*(damping-1), uncond)
	return out
}
