package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the generator.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir" toml:"checkpoint_dir"`
	OutputDir     string `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	// WorkerCommand launches the external inference worker the engine
	// talks to (text encoder, transformer, decoder, weight store).
	WorkerCommand string `json:"worker_command" yaml:"worker_command" toml:"worker_command"`

	DurationSeconds float64 `json:"audio_duration" yaml:"audio_duration" toml:"audio_duration"`
	Steps           int     `json:"infer_step" yaml:"infer_step" toml:"infer_step"`
	Scheduler       string  `json:"scheduler_type" yaml:"scheduler_type" toml:"scheduler_type"`

	GuidanceScale float64 `json:"guidance_scale" yaml:"guidance_scale" toml:"guidance_scale"`
	ZeroStar      bool    `json:"cfg_zero_star" yaml:"cfg_zero_star" toml:"cfg_zero_star"`
	// TextGuidanceScale and LyricGuidanceScale, when either is nonzero,
	// replace the single CFG term with independently weighted tags-only
	// and lyrics-only terms.
	TextGuidanceScale  float64 `json:"guidance_scale_text" yaml:"guidance_scale_text" toml:"guidance_scale_text"`
	LyricGuidanceScale float64 `json:"guidance_scale_lyric" yaml:"guidance_scale_lyric" toml:"guidance_scale_lyric"`
	APGScale           float64 `json:"apg_scale" yaml:"apg_scale" toml:"apg_scale"`
	APGDamping         float64 `json:"apg_damping" yaml:"apg_damping" toml:"apg_damping"`
	ERGTag             float64 `json:"erg_tag" yaml:"erg_tag" toml:"erg_tag"`
	ERGLyric           float64 `json:"erg_lyric" yaml:"erg_lyric" toml:"erg_lyric"`
	ERGDiffusion       float64 `json:"erg_diffusion" yaml:"erg_diffusion" toml:"erg_diffusion"`
	GuidanceInterval   float64 `json:"guidance_interval" yaml:"guidance_interval" toml:"guidance_interval"`
	GuidanceDecay      float64 `json:"guidance_interval_decay" yaml:"guidance_interval_decay" toml:"guidance_interval_decay"`
	MinGuidanceScale   float64 `json:"min_guidance_scale" yaml:"min_guidance_scale" toml:"min_guidance_scale"`

	CPUOffload bool `json:"cpu_offload" yaml:"cpu_offload" toml:"cpu_offload"`

	WindowFrames  int `json:"decode_window_frames" yaml:"decode_window_frames" toml:"decode_window_frames"`
	OverlapFrames int `json:"decode_overlap_frames" yaml:"decode_overlap_frames" toml:"decode_overlap_frames"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unspecified fields with the stock settings.
func (c *Config) ApplyDefaults() {
	c.CheckpointDir = expandHome(c.CheckpointDir)
	c.OutputDir = expandHome(c.OutputDir)
	if c.OutputDir == "" {
		c.OutputDir = "./outputs"
	}
	if c.DurationSeconds == 0 {
		c.DurationSeconds = 60
	}
	if c.Steps == 0 {
		c.Steps = 60
	}
	if c.Scheduler == "" {
		c.Scheduler = "euler"
	}
	if c.GuidanceScale == 0 {
		c.GuidanceScale = 15
	}
	if c.GuidanceInterval == 0 {
		c.GuidanceInterval = 1
	}
	if c.MinGuidanceScale == 0 {
		c.MinGuidanceScale = 3
	}
	if c.APGDamping == 0 {
		c.APGDamping = 0.5
	}
}

// expandHome resolves a leading '~' so checkpoint and output paths from
// config files work the way shells make users expect.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// Validate rejects out-of-range settings before a run starts.
func (c Config) Validate() error {
	if c.DurationSeconds < 10 || c.DurationSeconds > 240 {
		return fmt.Errorf("audio duration %.1fs outside [10,240]", c.DurationSeconds)
	}
	if c.Steps < 1 {
		return fmt.Errorf("at least one inference step required, got %d", c.Steps)
	}
	if c.OverlapFrames < 0 || (c.WindowFrames > 0 && c.OverlapFrames >= c.WindowFrames) {
		return fmt.Errorf("decode overlap %d must be smaller than window %d", c.OverlapFrames, c.WindowFrames)
	}
	return nil
}
