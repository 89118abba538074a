package tensor

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Latent is a dense (channels x frames) tensor holding the compressed
// audio representation the sampler integrates over. Data is row-major
// by channel: element (c, f) lives at Data[c*Frames+f].
type Latent struct {
	Channels int
	Frames   int
	Data     []float64
}

// New returns a zero-filled latent of the given shape.
func New(channels, frames int) *Latent {
	return &Latent{
		Channels: channels,
		Frames:   frames,
		Data:     make([]float64, channels*frames),
	}
}

// Randn fills a new latent with standard gaussian noise drawn from rng.
func Randn(channels, frames int, rng *rand.Rand) *Latent {
	l := New(channels, frames)
	for i := range l.Data {
		l.Data[i] = rng.NormFloat64()
	}
	return l
}

// Clone returns a deep copy.
func (l *Latent) Clone() *Latent {
	out := New(l.Channels, l.Frames)
	copy(out.Data, l.Data)
	return out
}

// SameShape reports whether other has identical dimensions.
func (l *Latent) SameShape(other *Latent) bool {
	return other != nil && l.Channels == other.Channels && l.Frames == other.Frames
}

// ShapeString renders the shape for error messages.
func (l *Latent) ShapeString() string {
	return fmt.Sprintf("(%d,%d)", l.Channels, l.Frames)
}

// AddScaled performs l += a*v in place. Shapes must match.
func (l *Latent) AddScaled(a float64, v *Latent) {
	floats.AddScaled(l.Data, a, v.Data)
}

// Scale multiplies every element by a in place.
func (l *Latent) Scale(a float64) {
	floats.Scale(a, l.Data)
}

// Sub returns a new latent holding l - other.
func (l *Latent) Sub(other *Latent) *Latent {
	out := l.Clone()
	floats.AddScaled(out.Data, -1, other.Data)
	return out
}

// Dot returns the elementwise inner product of l and other.
func (l *Latent) Dot(other *Latent) float64 {
	return floats.Dot(l.Data, other.Data)
}

// Norm returns the L2 norm of the tensor seen as a flat vector.
func (l *Latent) Norm() float64 {
	return floats.Norm(l.Data, 2)
}

// Lerp overwrites l with (1-t)*a + t*b. Used by the mask engine to
// place a reference latent on its noised trajectory.
func (l *Latent) Lerp(a, b *Latent, t float64) {
	for i := range l.Data {
		l.Data[i] = (1-t)*a.Data[i] + t*b.Data[i]
	}
}

// Window returns a view-copy of frames [start, end) across all channels.
func (l *Latent) Window(start, end int) *Latent {
	out := New(l.Channels, end-start)
	for c := 0; c < l.Channels; c++ {
		src := l.Data[c*l.Frames+start : c*l.Frames+end]
		copy(out.Data[c*out.Frames:(c+1)*out.Frames], src)
	}
	return out
}

// SetFrame copies one frame column (all channels) from src frame sf
// into l at frame df.
func (l *Latent) SetFrame(df int, src *Latent, sf int) {
	for c := 0; c < l.Channels; c++ {
		l.Data[c*l.Frames+df] = src.Data[c*src.Frames+sf]
	}
}
