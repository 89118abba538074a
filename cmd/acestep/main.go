package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fedesantamarina/ACE-Step/internal/config"
	"github.com/fedesantamarina/ACE-Step/internal/decode"
	"github.com/fedesantamarina/ACE-Step/internal/engine"
	"github.com/fedesantamarina/ACE-Step/internal/latentio"
	"github.com/fedesantamarina/ACE-Step/internal/modelexec"
	"github.com/fedesantamarina/ACE-Step/internal/prompt"
	"github.com/fedesantamarina/ACE-Step/internal/wavio"
	"github.com/fedesantamarina/ACE-Step/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runFlags are the generation settings shared by generate and repaint.
type runFlags struct {
	req     types.GenerateRequest
	outName string
	offload bool
	worker  string
	ckpt    string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.req.Tags, "prompt", "", "Tag prompt (genre, mood, instruments)")
	cmd.Flags().StringVar(&f.req.Genre, "genre", "", "Genre preset (see 'acestep genres')")
	cmd.Flags().StringVar(&f.req.Lyrics, "lyrics", "", "Lyrics with [verse]/[chorus] sections")
	cmd.Flags().Float64Var(&f.req.DurationSeconds, "duration", 0, "Audio duration in seconds (10-240)")
	cmd.Flags().IntVar(&f.req.Steps, "steps", 0, "Inference steps")
	cmd.Flags().StringVar(&f.req.Scheduler, "scheduler", "", "Scheduler: euler|heun|pingpong")
	cmd.Flags().Float64Var(&f.req.GuidanceScale, "guidance-scale", 0, "Classifier-free guidance scale")
	cmd.Flags().Int64Var(&f.req.Seed, "seed", 0, "Random seed (0 = choose)")
	cmd.Flags().StringVar(&f.outName, "output", "", "Output file name without extension")
	cmd.Flags().BoolVar(&f.offload, "cpu-offload", false, "Evict unused stage weights to slow memory")
	cmd.Flags().StringVar(&f.worker, "worker", "", "Inference worker command")
	cmd.Flags().StringVar(&f.ckpt, "checkpoint-dir", "", "Model checkpoint directory")
}

func (f *runFlags) config(cmd *cobra.Command, cfgPath string) (config.Config, error) {
	var cfg config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if f.worker != "" {
		cfg.WorkerCommand = f.worker
	}
	if f.ckpt != "" {
		cfg.CheckpointDir = f.ckpt
	}
	if cmd.Flags().Changed("cpu-offload") {
		cfg.CPUOffload = f.offload
	}
	cfg.ApplyDefaults()
	if cfg.WorkerCommand == "" {
		return cfg, fmt.Errorf("no inference worker configured (set worker_command or --worker)")
	}
	return cfg, nil
}

// writeOutputs stores the waveform and the final latent next to each
// other; the .latent file is what repaint takes as its reference.
func writeOutputs(cfg config.Config, f *runFlags, res *engine.Result, log zerolog.Logger) error {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}
	name := f.outName
	if name == "" {
		name = fmt.Sprintf("acestep_%s_%d", time.Now().Format("20060102_150405"), res.Meta.Seed)
	}
	wavPath := filepath.Join(cfg.OutputDir, name+".wav")
	if err := wavio.WriteMono(wavPath, res.Audio, decode.SampleRate); err != nil {
		return err
	}
	if err := latentio.WriteFile(filepath.Join(cfg.OutputDir, name+".latent"), res.Latent); err != nil {
		return err
	}
	log.Info().
		Str("path", wavPath).
		Int64("seed", res.Meta.Seed).
		Str("scheduler", res.Meta.Scheduler).
		Float64("total_s", res.Meta.Timecosts["total"]).
		Msg("track written")
	fmt.Println(wavPath)
	return nil
}

func buildRootCmd() *cobra.Command {
	var (
		cfgPath  string
		logLevel string
	)
	root := &cobra.Command{
		Use:           "acestep",
		Short:         "Music generation from text and lyrics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (.yaml/.json/.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	genFlags := &runFlags{}
	gen := &cobra.Command{
		Use:     "generate",
		Short:   "Generate a track from a tag prompt and optional lyrics",
		Example: "  acestep generate --genre reggaeton --duration 60 --steps 60",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logLevel)
			cfg, err := genFlags.config(cmd, cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := modelexec.Start(ctx, cfg.WorkerCommand, cfg.CheckpointDir, log)
			if err != nil {
				return err
			}
			defer w.Close()

			p, err := engine.New(cfg, engine.Collaborators{Model: w, Encoder: w, Decoder: w, Store: w}, log)
			if err != nil {
				return err
			}
			res, err := p.Generate(ctx, genFlags.req)
			if err != nil {
				return err
			}
			return writeOutputs(cfg, genFlags, res, log)
		},
	}
	genFlags.register(gen)

	repFlags := &runFlags{}
	var (
		latentPath string
		editStart  float64
		editEnd    float64
	)
	rep := &cobra.Command{
		Use:     "repaint",
		Short:   "Regenerate a time span of a previous run's latent",
		Example: "  acestep repaint --latent outputs/run.latent --start 20 --end 35 --prompt \"softer bridge\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logLevel)
			cfg, err := repFlags.config(cmd, cfgPath)
			if err != nil {
				return err
			}
			if latentPath == "" {
				return fmt.Errorf("repaint requires --latent (written by a previous generate)")
			}
			ref, err := latentio.ReadFile(latentPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := modelexec.Start(ctx, cfg.WorkerCommand, cfg.CheckpointDir, log)
			if err != nil {
				return err
			}
			defer w.Close()

			p, err := engine.New(cfg, engine.Collaborators{Model: w, Encoder: w, Decoder: w, Store: w}, log)
			if err != nil {
				return err
			}
			res, err := p.Repaint(ctx, repFlags.req, ref, editStart, editEnd)
			if err != nil {
				return err
			}
			return writeOutputs(cfg, repFlags, res, log)
		},
	}
	repFlags.register(rep)
	rep.Flags().StringVar(&latentPath, "latent", "", "Reference .latent file from a previous run")
	rep.Flags().Float64Var(&editStart, "start", 0, "Edit span start in seconds")
	rep.Flags().Float64Var(&editEnd, "end", 0, "Edit span end in seconds")

	genres := &cobra.Command{
		Use:   "genres",
		Short: "List genre presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := make([]string, 0, len(prompt.Genres))
			for g := range prompt.Genres {
				names = append(names, g)
			}
			sort.Strings(names)
			for _, g := range names {
				fmt.Printf("%-13s %s\n", g, prompt.Genres[g])
			}
			return nil
		},
	}

	root.AddCommand(gen, rep, genres)
	return root
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
}
