package modelexec

import (
	"fmt"

	"github.com/fedesantamarina/ACE-Step/internal/latentio"
	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

// latentPayload is the wire form of a latent: shape plus base64 of
// little-endian float64 values, the same packing latentio persists.
type latentPayload struct {
	Channels int    `json:"channels"`
	Frames   int    `json:"frames"`
	Data     string `json:"data"`
}

func encodeLatent(l *tensor.Latent) *latentPayload {
	return &latentPayload{Channels: l.Channels, Frames: l.Frames, Data: latentio.EncodeFloats(l.Data)}
}

func decodeLatent(p *latentPayload) (*tensor.Latent, error) {
	vals, err := latentio.DecodeFloats(p.Data)
	if err != nil {
		return nil, err
	}
	if len(vals) != p.Channels*p.Frames {
		return nil, fmt.Errorf("latent payload has %d values for shape (%d,%d)", len(vals), p.Channels, p.Frames)
	}
	return &tensor.Latent{Channels: p.Channels, Frames: p.Frames, Data: vals}, nil
}
