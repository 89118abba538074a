package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fedesantamarina/ACE-Step/internal/config"
	"github.com/fedesantamarina/ACE-Step/internal/decode"
	"github.com/fedesantamarina/ACE-Step/internal/offload"
	"github.com/fedesantamarina/ACE-Step/internal/sampler"
	"github.com/fedesantamarina/ACE-Step/internal/tensor"
	"github.com/fedesantamarina/ACE-Step/pkg/types"
)

type fakeModel struct {
	evals  int64
	bySub  map[sampler.Subset]*int64
	cancel context.CancelFunc
}

func newFakeModel() *fakeModel {
	m := &fakeModel{bySub: map[sampler.Subset]*int64{}}
	for _, s := range []sampler.Subset{sampler.SubsetNone, sampler.SubsetTags, sampler.SubsetLyrics, sampler.SubsetFull} {
		m.bySub[s] = new(int64)
	}
	return m
}

func (m *fakeModel) Velocity(_ context.Context, x *tensor.Latent, t float64, _ sampler.Bundle, sub sampler.Subset) (*tensor.Latent, error) {
	n := atomic.AddInt64(&m.evals, 1)
	atomic.AddInt64(m.bySub[sub], 1)
	if m.cancel != nil && n == 10 {
		m.cancel()
	}
	v := x.Clone()
	v.Scale(0.05)
	if sub != sampler.SubsetNone {
		for i := range v.Data {
			v.Data[i] += 0.02
		}
	}
	return v, nil
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(_ context.Context, tags, lyrics string) (sampler.Bundle, error) {
	var b sampler.Bundle
	if tags != "" {
		b.TagEmbedding = []float64{0.1, 0.2}
	}
	if lyrics != "" {
		b.LyricTokens = []sampler.LyricToken{{ID: 1, Lang: "es"}}
	}
	return b, nil
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(_ context.Context, w *tensor.Latent) ([]float64, error) {
	out := make([]float64, w.Frames*decode.SamplesPerFrame)
	for f := 0; f < w.Frames; f++ {
		mean := 0.0
		for c := 0; c < w.Channels; c++ {
			mean += w.Data[c*w.Frames+f]
		}
		mean /= float64(w.Channels)
		for k := 0; k < decode.SamplesPerFrame; k++ {
			out[f*decode.SamplesPerFrame+k] = mean
		}
	}
	return out, nil
}

type fakeStore struct {
	failGroup string
}

func (s *fakeStore) Load(_ context.Context, group string) error {
	if group == s.failGroup {
		return errors.New("insufficient fast memory")
	}
	return nil
}

func (s *fakeStore) Evict(_ context.Context, _ string) error { return nil }

func newPipeline(t *testing.T, cfg config.Config, model sampler.Transformer, store offload.WeightStore) *Pipeline {
	t.Helper()
	if store == nil {
		store = &fakeStore{}
	}
	p, err := New(cfg, Collaborators{
		Model:   model,
		Encoder: fakeEncoder{},
		Decoder: fakeDecoder{},
		Store:   store,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestEndToEndScenario(t *testing.T) {
	// 60s, euler, 27 steps, CFG 7, APG/ERG off, no mask.
	model := newFakeModel()
	p := newPipeline(t, config.Config{}, model, nil)
	res, err := p.Generate(context.Background(), types.GenerateRequest{
		Tags:            "pop, upbeat",
		DurationSeconds: 60,
		Steps:           27,
		Scheduler:       "euler",
		GuidanceScale:   7,
		Seed:            1234,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantSamples := 60 * decode.SampleRate
	windowPad := decode.DefaultWindowFrames * decode.SamplesPerFrame
	if diff := len(res.Audio) - wantSamples; diff < -windowPad || diff > windowPad {
		t.Fatalf("audio length %d not within one window of %d", len(res.Audio), wantSamples)
	}
	if got := atomic.LoadInt64(&model.evals); got != 27*2 {
		t.Fatalf("expected %d model evaluations got %d", 27*2, got)
	}
	if *model.bySub[sampler.SubsetTags] != 0 || *model.bySub[sampler.SubsetLyrics] != 0 {
		t.Fatal("disabled signals were evaluated")
	}
	if len(res.Meta.Timesteps) != 27 {
		t.Fatalf("schedule length %d want 27", len(res.Meta.Timesteps))
	}
	if res.Meta.Seed != 1234 || res.Meta.Scheduler != "euler" || res.Meta.GuidanceScale != 7 {
		t.Fatalf("reproducibility record wrong: %+v", res.Meta)
	}
	if _, ok := res.Meta.Timecosts["diffusion"]; !ok {
		t.Fatalf("missing stage timecosts: %+v", res.Meta.Timecosts)
	}
}

func TestSameSeedReproduces(t *testing.T) {
	req := types.GenerateRequest{
		Tags:            "ambient",
		DurationSeconds: 10,
		Steps:           8,
		GuidanceScale:   5,
		Seed:            777,
	}
	a, err := newPipeline(t, config.Config{}, newFakeModel(), nil).Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, err := newPipeline(t, config.Config{}, newFakeModel(), nil).Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for i := range a.Latent.Data {
		if a.Latent.Data[i] != b.Latent.Data[i] {
			t.Fatalf("same seed diverged at %d", i)
		}
	}
	if a.Meta.RunID == b.Meta.RunID {
		t.Fatal("run ids must be unique")
	}
}

func TestSeedChosenWhenOmitted(t *testing.T) {
	res, err := newPipeline(t, config.Config{}, newFakeModel(), nil).Generate(context.Background(), types.GenerateRequest{
		Tags:            "salsa",
		DurationSeconds: 10,
		Steps:           2,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Meta.Seed == 0 {
		t.Fatal("engine must record the seed it chose")
	}
}

func TestRepaintPreservesOutsideSpan(t *testing.T) {
	frames := secondsToFrames(10)
	ref := tensor.New(LatentChannels, frames)
	for i := range ref.Data {
		ref.Data[i] = math.Sin(float64(i) / 100)
	}
	p := newPipeline(t, config.Config{}, newFakeModel(), nil)
	res, err := p.Repaint(context.Background(), types.GenerateRequest{
		Tags:            "balada",
		DurationSeconds: 10,
		Steps:           6,
		GuidanceScale:   3,
		Seed:            5,
	}, ref, 2, 4)
	if err != nil {
		t.Fatalf("Repaint: %v", err)
	}
	lo, hi := secondsToFrames(2), secondsToFrames(4)
	changed := false
	for f := 0; f < frames; f++ {
		inSpan := f >= lo && f < hi
		for c := 0; c < LatentChannels; c++ {
			i := c*frames + f
			if inSpan {
				if res.Latent.Data[i] != ref.Data[i] {
					changed = true
				}
			} else if res.Latent.Data[i] != ref.Data[i] {
				t.Fatalf("frame %d outside edit span drifted", f)
			}
		}
	}
	if !changed {
		t.Fatal("edit span was not regenerated")
	}
}

func TestRepaintRejectsBadSpan(t *testing.T) {
	p := newPipeline(t, config.Config{}, newFakeModel(), nil)
	ref := tensor.New(LatentChannels, secondsToFrames(10))
	if _, err := p.Repaint(context.Background(), types.GenerateRequest{Tags: "x", DurationSeconds: 10, Steps: 2}, ref, 4, 2); !sampler.IsConfiguration(err) {
		t.Fatalf("expected configuration error got %v", err)
	}
	if _, err := p.Repaint(context.Background(), types.GenerateRequest{Tags: "x", DurationSeconds: 10, Steps: 2}, nil, 1, 2); !sampler.IsConfiguration(err) {
		t.Fatalf("expected configuration error for nil reference got %v", err)
	}
}

func TestSplitGuidanceConfigWired(t *testing.T) {
	model := newFakeModel()
	p := newPipeline(t, config.Config{TextGuidanceScale: 3, LyricGuidanceScale: 2}, model, nil)
	_, err := p.Generate(context.Background(), types.GenerateRequest{
		Tags:            "bolero",
		Lyrics:          "[verse]\nuna linea\notra linea\ntercera linea\ncuarta linea",
		DurationSeconds: 10,
		Steps:           5,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if *model.bySub[sampler.SubsetTags] != 5 || *model.bySub[sampler.SubsetLyrics] != 5 {
		t.Fatalf("expected 5 tag and lyric evals got %d/%d",
			*model.bySub[sampler.SubsetTags], *model.bySub[sampler.SubsetLyrics])
	}
	if *model.bySub[sampler.SubsetFull] != 0 {
		t.Fatalf("split guidance must not evaluate the full subset, got %d", *model.bySub[sampler.SubsetFull])
	}
}

func TestCancellationSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := newFakeModel()
	model.cancel = cancel
	p := newPipeline(t, config.Config{}, model, nil)
	_, err := p.Generate(ctx, types.GenerateRequest{
		Tags:            "techno",
		DurationSeconds: 30,
		Steps:           100,
		GuidanceScale:   4,
	})
	if !sampler.IsCancelled(err) {
		t.Fatalf("expected cancelled got %v", err)
	}
}

func TestResourceExhaustedNamesStageAndGroup(t *testing.T) {
	p := newPipeline(t, config.Config{}, newFakeModel(), &fakeStore{failGroup: "transformer"})
	_, err := p.Generate(context.Background(), types.GenerateRequest{
		Tags:            "jazz",
		DurationSeconds: 10,
		Steps:           2,
	})
	if !offload.IsResourceExhausted(err) {
		t.Fatalf("expected resource exhausted got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"diffusion", "transformer", offload.Hint} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestInvalidRequestsRejected(t *testing.T) {
	p := newPipeline(t, config.Config{}, newFakeModel(), nil)
	cases := map[string]types.GenerateRequest{
		"no prompt":     {DurationSeconds: 30, Steps: 2},
		"bad genre":     {Genre: "polka", DurationSeconds: 30, Steps: 2},
		"bad lyrics":    {Tags: "x", Lyrics: "no sections here", DurationSeconds: 30, Steps: 2},
		"too short":     {Tags: "x", DurationSeconds: 3, Steps: 2},
		"bad scheduler": {Tags: "x", DurationSeconds: 30, Steps: 2, Scheduler: "rk4"},
	}
	for name, req := range cases {
		if _, err := p.Generate(context.Background(), req); !sampler.IsConfiguration(err) {
			t.Fatalf("%s: expected configuration error got %v", name, err)
		}
	}
}
