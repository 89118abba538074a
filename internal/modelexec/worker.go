// Package modelexec talks to the external inference worker process
// that hosts the learned model: text/lyric encoders, the diffusion
// transformer, the audio decoder and the weight store. The worker is
// a long-running subprocess speaking NDJSON over stdin/stdout, one
// request in flight at a time.
package modelexec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/fedesantamarina/ACE-Step/internal/latentio"
	"github.com/fedesantamarina/ACE-Step/internal/sampler"
	"github.com/fedesantamarina/ACE-Step/internal/tensor"
)

// maxLine bounds one NDJSON response; latent payloads for long tracks
// run to tens of megabytes.
const maxLine = 256 << 20

type request struct {
	Op     string         `json:"op"`
	T      float64        `json:"t,omitempty"`
	Subset string         `json:"subset,omitempty"`
	Tags   string         `json:"tags,omitempty"`
	Lyrics string         `json:"lyrics,omitempty"`
	Group  string         `json:"group,omitempty"`
	Latent *latentPayload `json:"latent,omitempty"`
}

type lyricToken struct {
	ID   int    `json:"id"`
	Lang string `json:"lang"`
}

type response struct {
	Error        string         `json:"error,omitempty"`
	Latent       *latentPayload `json:"latent,omitempty"`
	Samples      string         `json:"samples,omitempty"`
	TagEmbedding []float64      `json:"tag_embedding,omitempty"`
	LyricTokens  []lyricToken   `json:"lyric_tokens,omitempty"`
}

// Worker is the subprocess handle. It implements the sampler
// Transformer, the decode WindowDecoder, the offload WeightStore and
// the engine ConditioningEncoder.
type Worker struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *bufio.Scanner
	log   zerolog.Logger
}

// Start launches the worker command with the checkpoint directory
// appended and waits for its ready line.
func Start(ctx context.Context, command, checkpointDir string, log zerolog.Logger) (*Worker, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("worker command empty")
	}
	if checkpointDir != "" {
		args = append(args, "--checkpoint-dir", checkpointDir)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 1<<20), maxLine)
	w := &Worker{
		cmd:   cmd,
		stdin: stdin,
		out:   sc,
		log:   log.With().Str("component", "worker").Logger(),
	}
	if _, err := w.call(ctx, request{Op: "ready"}); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("worker handshake: %w", err)
	}
	return w, nil
}

// Close shuts the worker down and reaps the subprocess.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.stdin.Close()
	return w.cmd.Wait()
}

func (w *Worker) call(ctx context.Context, req request) (response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var resp response
	if err := ctx.Err(); err != nil {
		return resp, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	data = append(data, '\n')
	if _, err := w.stdin.Write(data); err != nil {
		return resp, fmt.Errorf("worker write (%s): %w", req.Op, err)
	}
	if !w.out.Scan() {
		if err := w.out.Err(); err != nil {
			return resp, fmt.Errorf("worker read (%s): %w", req.Op, err)
		}
		return resp, fmt.Errorf("worker closed stream during %s", req.Op)
	}
	if err := json.Unmarshal(w.out.Bytes(), &resp); err != nil {
		return resp, fmt.Errorf("worker response (%s): %w", req.Op, err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("worker %s: %s", req.Op, resp.Error)
	}
	return resp, nil
}

// Encode produces the conditioning bundle for a request. The worker
// keeps the heavy embedding tensors; the bundle carries what the
// sampler needs for validation and bookkeeping.
func (w *Worker) Encode(ctx context.Context, tags, lyrics string) (sampler.Bundle, error) {
	resp, err := w.call(ctx, request{Op: "encode", Tags: tags, Lyrics: lyrics})
	if err != nil {
		return sampler.Bundle{}, err
	}
	b := sampler.Bundle{TagEmbedding: resp.TagEmbedding}
	for _, t := range resp.LyricTokens {
		b.LyricTokens = append(b.LyricTokens, sampler.LyricToken{ID: t.ID, Lang: t.Lang})
	}
	return b, nil
}

// Velocity evaluates the transformer at (x, t) for one conditioning
// subset.
func (w *Worker) Velocity(ctx context.Context, x *tensor.Latent, t float64, _ sampler.Bundle, sub sampler.Subset) (*tensor.Latent, error) {
	resp, err := w.call(ctx, request{Op: "velocity", T: t, Subset: string(sub), Latent: encodeLatent(x)})
	if err != nil {
		return nil, err
	}
	if resp.Latent == nil {
		return nil, fmt.Errorf("worker velocity: missing latent")
	}
	return decodeLatent(resp.Latent)
}

// Decode converts one latent window to raw audio samples.
func (w *Worker) Decode(ctx context.Context, window *tensor.Latent) ([]float64, error) {
	resp, err := w.call(ctx, request{Op: "decode", Latent: encodeLatent(window)})
	if err != nil {
		return nil, err
	}
	return latentio.DecodeFloats(resp.Samples)
}

// Load brings a weight group into fast memory.
func (w *Worker) Load(ctx context.Context, group string) error {
	_, err := w.call(ctx, request{Op: "load", Group: group})
	return err
}

// Evict moves a weight group back to slow memory.
func (w *Worker) Evict(ctx context.Context, group string) error {
	_, err := w.call(ctx, request{Op: "evict", Group: group})
	return err
}
