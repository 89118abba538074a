package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SchedulerSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acestep",
			Subsystem: "sampler",
			Name:      "steps_total",
			Help:      "Total scheduler integration steps",
		},
		[]string{"algorithm"},
	)

	ModelEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acestep",
			Subsystem: "sampler",
			Name:      "model_evaluations_total",
			Help:      "Total model evaluations by conditioning subset",
		},
		[]string{"subset"},
	)

	ResidencyTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acestep",
			Subsystem: "offload",
			Name:      "transfers_total",
			Help:      "Weight group transfers between memory tiers",
		},
		[]string{"direction"},
	)

	ResidentGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "acestep",
			Subsystem: "offload",
			Name:      "resident_groups",
			Help:      "Weight groups currently in fast memory",
		},
	)

	DecodeWindows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "acestep",
			Subsystem: "decode",
			Name:      "windows_total",
			Help:      "Latent windows decoded",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "acestep",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acestep",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Generation runs by terminal outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		SchedulerSteps,
		ModelEvaluations,
		ResidencyTransfers,
		ResidentGroups,
		DecodeWindows,
		StageDuration,
		Runs,
	)
}
