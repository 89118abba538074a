// Package latentio persists latents so a finished run's output can be
// fed back into a later edit run. The file format is one JSON object:
// shape plus base64 of little-endian float64 values, so round-trips
// are bit-exact.
package latentio

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

type payload struct {
	Channels int    `json:"channels"`
	Frames   int    `json:"frames"`
	Data     string `json:"data"`
}

// EncodeFloats packs values as base64 little-endian float64.
func EncodeFloats(vals []float64) string {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFloats unpacks a base64 little-endian float64 string.
func DecodeFloats(s string) ([]float64, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("payload length %d not a multiple of 8", len(buf))
	}
	vals := make([]float64, len(buf)/8)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vals, nil
}

// WriteFile saves a latent to path.
func WriteFile(path string, l *tensor.Latent) error {
	b, err := json.Marshal(payload{Channels: l.Channels, Frames: l.Frames, Data: EncodeFloats(l.Data)})
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadFile loads a latent saved by WriteFile.
func ReadFile(path string) (*tensor.Latent, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse latent file %s: %w", path, err)
	}
	vals, err := DecodeFloats(p.Data)
	if err != nil {
		return nil, err
	}
	if p.Channels <= 0 || p.Frames <= 0 || len(vals) != p.Channels*p.Frames {
		return nil, fmt.Errorf("latent file %s has %d values for shape (%d,%d)", path, len(vals), p.Channels, p.Frames)
	}
	return &tensor.Latent{Channels: p.Channels, Frames: p.Frames, Data: vals}, nil
}
