package types

// GenerateRequest describes one music generation run.
type GenerateRequest struct {
	// Tags is the free-form tag prompt (genre, mood, instruments).
	Tags string `json:"prompt"`
	// Genre optionally selects a named preset; its tag string is
	// appended to Tags.
	Genre string `json:"genre,omitempty"`
	// Lyrics with [verse]/[chorus]/... section headers. Empty means
	// instrumental.
	Lyrics string `json:"lyrics,omitempty"`
	// DurationSeconds of audio to generate, 10-240.
	DurationSeconds float64 `json:"audio_duration"`
	// Steps is the inference step count; 0 uses the configured default.
	Steps int `json:"infer_step,omitempty"`
	// Scheduler selects euler, heun or pingpong; empty uses the default.
	Scheduler string `json:"scheduler_type,omitempty"`
	// GuidanceScale overrides the configured CFG scale when nonzero.
	GuidanceScale float64 `json:"guidance_scale,omitempty"`
	// Seed for reproducibility; 0 lets the engine choose one.
	Seed int64 `json:"seed,omitempty"`
}

// GenerateResult is the reproducibility record for a finished run.
type GenerateResult struct {
	RunID string `json:"run_id"`
	// Seed actually used: identical seed + configuration reproduces
	// identical output.
	Seed int64 `json:"actual_seed"`
	// Timesteps is the schedule the solver integrated over.
	Timesteps []float64 `json:"timesteps"`
	Scheduler string    `json:"scheduler_type"`
	// GuidanceScale and companions record what was applied.
	GuidanceScale float64 `json:"guidance_scale"`
	Steps         int     `json:"infer_step"`
	SampleRate    int     `json:"sample_rate"`
	// Timecosts holds per-stage wall time in seconds.
	Timecosts map[string]float64 `json:"timecosts"`
}
