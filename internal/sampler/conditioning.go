package sampler

import (
	"context"

	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

// Subset names which conditioning signals a model evaluation sees.
type Subset string

const (
	SubsetNone   Subset = "none"   // unconditional pass
	SubsetTags   Subset = "tags"   // tag embedding only
	SubsetLyrics Subset = "lyrics" // lyric tokens only
	SubsetFull   Subset = "full"   // tags and lyrics together
)

// LyricToken is one lyric token with its language tag, produced by the
// external lyric pipeline.
type LyricToken struct {
	ID   int
	Lang string
}

// Bundle is the immutable conditioning set for one generation request.
// The sampler only reads it; it never mutates or retains writable
// references past the run.
type Bundle struct {
	TagEmbedding []float64
	LyricTokens  []LyricToken
	Reference    *tensor.Latent // optional, repaint/edit flows
	EditMask     []float64      // optional, per-frame weights
}

// HasTags reports whether a tag embedding is present.
func (b Bundle) HasTags() bool { return len(b.TagEmbedding) > 0 }

// HasLyrics reports whether lyric tokens are present.
func (b Bundle) HasLyrics() bool { return len(b.LyricTokens) > 0 }

// Supports reports whether the bundle carries the signals the given
// subset needs.
func (b Bundle) Supports(sub Subset) bool {
	switch sub {
	case SubsetNone:
		return true
	case SubsetTags:
		return b.HasTags()
	case SubsetLyrics:
		return b.HasLyrics()
	case SubsetFull:
		return b.HasTags() || b.HasLyrics()
	}
	return false
}

// Transformer is the learned velocity field. Implementations are
// external collaborators; the sampler only requires that the returned
// estimate matches the latent's shape.
type Transformer interface {
	// Velocity evaluates the model at (x, t) under the given
	// conditioning subset drawn from bundle.
	Velocity(ctx context.Context, x *tensor.Latent, t float64, bundle Bundle, sub Subset) (*tensor.Latent, error)
}
