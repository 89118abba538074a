// Package engine orchestrates one generation request end to end:
// text-encode -> diffusion sampling -> overlapped decode, with weight
// residency transitions between stages.
package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fedesantamarina/ACE-Step/internal/config"
	"github.com/fedesantamarina/ACE-Step/internal/decode"
	"github.com/fedesantamarina/ACE-Step/internal/metrics"
	"github.com/fedesantamarina/ACE-Step/internal/offload"
	"github.com/fedesantamarina/ACE-Step/internal/prompt"
	"github.com/fedesantamarina/ACE-Step/internal/sampler"
	"github.com/fedesantamarina/ACE-Step/internal/tensor"
	"github.com/fedesantamarina/ACE-Step/pkg/types"
)

// LatentChannels is the compressed representation's channel count.
const LatentChannels = 8

// ConditioningEncoder turns tag and lyric text into the immutable
// conditioning bundle. External collaborator.
type ConditioningEncoder interface {
	Encode(ctx context.Context, tags, lyrics string) (sampler.Bundle, error)
}

// Collaborators are the external model-side dependencies of the
// pipeline. All four are required.
type Collaborators struct {
	Model   sampler.Transformer
	Encoder ConditioningEncoder
	Decoder decode.WindowDecoder
	Store   offload.WeightStore
}

// StagePlan is the fixed weight-group partition per pipeline stage.
func StagePlan() map[offload.Stage][]string {
	return map[offload.Stage][]string{
		offload.StageTextEncode: {"text-encoder", "lyric-encoder"},
		offload.StageDiffusion:  {"transformer"},
		offload.StageDecode:     {"dcae-decoder", "vocoder"},
	}
}

// Result is the terminal output of a successful run. Latent is kept
// for chaining into a subsequent edit run.
type Result struct {
	Audio  []float64
	Latent *tensor.Latent
	Meta   types.GenerateResult
}

// Pipeline runs generation requests. It is safe for concurrent use;
// the residency ledger serializes weight transfers across requests.
type Pipeline struct {
	cfg     config.Config
	model   sampler.Transformer
	encoder ConditioningEncoder
	decoder *decode.Decoder
	ledger  *offload.Ledger
	log     zerolog.Logger
}

// New validates config and wires the pipeline.
func New(cfg config.Config, c Collaborators, log zerolog.Logger) (*Pipeline, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, sampler.ErrConfiguration(err.Error())
	}
	if c.Model == nil || c.Encoder == nil || c.Decoder == nil || c.Store == nil {
		return nil, sampler.ErrConfiguration("all collaborators (model, encoder, decoder, store) are required")
	}
	return &Pipeline{
		cfg:     cfg,
		model:   c.Model,
		encoder: c.Encoder,
		decoder: decode.New(c.Decoder, cfg.WindowFrames, cfg.OverlapFrames, log),
		ledger:  offload.NewLedger(c.Store, StagePlan(), cfg.CPUOffload, log),
		log:     log.With().Str("component", "engine").Logger(),
	}, nil
}

// Ledger exposes the process-wide residency ledger.
func (p *Pipeline) Ledger() *offload.Ledger { return p.ledger }

// Generate runs one text-to-music request.
func (p *Pipeline) Generate(ctx context.Context, req types.GenerateRequest) (*Result, error) {
	return p.run(ctx, req, nil, nil)
}

// Repaint regenerates [editStart, editEnd) seconds of the reference
// latent while holding every frame outside that span on the reference
// trajectory. A localized lyric edit is the same flow with a narrow
// span; multiple edits are applied as successive runs.
func (p *Pipeline) Repaint(ctx context.Context, req types.GenerateRequest, ref *tensor.Latent, editStart, editEnd float64) (*Result, error) {
	if ref == nil {
		return nil, sampler.ErrConfiguration("repaint requires a reference latent")
	}
	if editStart < 0 || editEnd <= editStart {
		return nil, sampler.ErrConfiguration(fmt.Sprintf("invalid edit span [%v,%v)", editStart, editEnd))
	}
	mask := make([]float64, ref.Frames)
	lo := secondsToFrames(editStart)
	hi := secondsToFrames(editEnd)
	if hi > ref.Frames {
		hi = ref.Frames
	}
	for f := lo; f < hi; f++ {
		mask[f] = 1
	}
	return p.run(ctx, req, ref, mask)
}

func secondsToFrames(sec float64) int {
	return int(math.Round(sec * decode.SampleRate / decode.SamplesPerFrame))
}

func (p *Pipeline) run(ctx context.Context, req types.GenerateRequest, ref *tensor.Latent, mask []float64) (*Result, error) {
	res, err := p.runInner(ctx, req, ref, mask)
	switch {
	case err == nil:
		metrics.Runs.WithLabelValues("done").Inc()
	case sampler.IsCancelled(err):
		metrics.Runs.WithLabelValues("cancelled").Inc()
	default:
		metrics.Runs.WithLabelValues("failed").Inc()
	}
	return res, err
}

func (p *Pipeline) runInner(ctx context.Context, req types.GenerateRequest, ref *tensor.Latent, mask []float64) (*Result, error) {
	started := time.Now()

	tags := req.Tags
	if req.Genre != "" {
		genreTags, err := prompt.TagsFor(req.Genre)
		if err != nil {
			return nil, sampler.ErrConfiguration(err.Error())
		}
		if tags != "" {
			tags += ", "
		}
		tags += genreTags
	}
	if tags == "" && req.Lyrics == "" {
		return nil, sampler.ErrConfiguration("a tag prompt, genre or lyrics is required")
	}
	if req.Lyrics != "" {
		if err := prompt.ValidateLyrics(req.Lyrics); err != nil {
			return nil, sampler.ErrConfiguration(err.Error())
		}
	}

	duration := req.DurationSeconds
	if duration == 0 {
		duration = p.cfg.DurationSeconds
	}
	steps := req.Steps
	if steps == 0 {
		steps = p.cfg.Steps
	}
	schedName := req.Scheduler
	if schedName == "" {
		schedName = p.cfg.Scheduler
	}
	algo, err := sampler.ParseAlgorithm(schedName)
	if err != nil {
		return nil, err
	}
	runCfg := p.cfg
	runCfg.DurationSeconds = duration
	runCfg.Steps = steps
	if err := runCfg.Validate(); err != nil {
		return nil, sampler.ErrConfiguration(err.Error())
	}
	scale := p.cfg.GuidanceScale
	if req.GuidanceScale != 0 {
		scale = req.GuidanceScale
	}
	seed := req.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	frames := secondsToFrames(duration)
	if ref != nil && ref.Frames != frames {
		// Repaint keeps the reference's own length.
		frames = ref.Frames
	}

	runID := uuid.NewString()
	log := p.log.With().Str("run_id", runID).Logger()
	timecosts := make(map[string]float64)
	stage := func(name string, fn func() error) error {
		t0 := time.Now()
		err := fn()
		dur := time.Since(t0).Seconds()
		timecosts[name] = dur
		metrics.StageDuration.WithLabelValues(name).Observe(dur)
		return err
	}

	var bundle sampler.Bundle
	if err := stage("text_encode", func() error {
		if err := p.ledger.EnterStage(ctx, offload.StageTextEncode); err != nil {
			return err
		}
		b, err := p.encoder.Encode(ctx, tags, req.Lyrics)
		if err != nil {
			return err
		}
		bundle = b
		return nil
	}); err != nil {
		return nil, err
	}
	bundle.Reference = ref
	bundle.EditMask = mask

	var run *sampler.Run
	var latent *tensor.Latent
	if err := stage("diffusion", func() error {
		if err := p.ledger.EnterStage(ctx, offload.StageDiffusion); err != nil {
			return err
		}
		run, err = sampler.NewRun(sampler.Config{
			Algorithm: algo,
			Steps:     steps,
			Channels:  LatentChannels,
			Frames:    frames,
			Seed:      seed,
			Guidance: sampler.GuidanceConfig{
				CFGScale:     scale,
				ZeroStar:     p.cfg.ZeroStar,
				SplitSignals: p.cfg.TextGuidanceScale != 0 || p.cfg.LyricGuidanceScale != 0,
				TagScale:     p.cfg.TextGuidanceScale,
				LyricScale:   p.cfg.LyricGuidanceScale,
				APGScale:     p.cfg.APGScale,
				APGDamping:   p.cfg.APGDamping,
				ERGTag:       p.cfg.ERGTag,
				ERGLyric:     p.cfg.ERGLyric,
				ERGDiffusion: p.cfg.ERGDiffusion,
				Interval:     p.cfg.GuidanceInterval,
				Decay:        p.cfg.GuidanceDecay,
				MinScale:     p.cfg.MinGuidanceScale,
			},
		}, p.model, bundle, log)
		if err != nil {
			return err
		}
		latent, err = run.Solve(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	var audio []float64
	if err := stage("decode", func() error {
		if err := p.ledger.EnterStage(ctx, offload.StageDecode); err != nil {
			return err
		}
		audio, err = p.decoder.Decode(ctx, latent)
		return err
	}); err != nil {
		return nil, err
	}

	timecosts["total"] = time.Since(started).Seconds()
	log.Info().
		Float64("duration_s", duration).
		Int("steps", steps).
		Str("scheduler", string(algo)).
		Int64("seed", seed).
		Int("evals", run.Evals()).
		Float64("total_s", timecosts["total"]).
		Msg("generation complete")

	return &Result{
		Audio:  audio,
		Latent: latent,
		Meta: types.GenerateResult{
			RunID:         runID,
			Seed:          seed,
			Timesteps:     append([]float64(nil), run.Schedule().Times...),
			Scheduler:     string(algo),
			GuidanceScale: scale,
			Steps:         steps,
			SampleRate:    decode.SampleRate,
			Timecosts:     timecosts,
		},
	}, nil
}
