package offload

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fedesantamarina/ACE-Step/internal/metrics"
)

// Stage is one phase of the generation pipeline. Weight groups are
// partitioned per stage and processed in this fixed order.
type Stage string

const (
	StageTextEncode Stage = "text-encode"
	StageDiffusion  Stage = "diffusion"
	StageDecode     Stage = "decode"
)

// Tier is a memory residency level for a weight group.
type Tier string

const (
	TierFast Tier = "fast"
	TierSlow Tier = "slow"
)

// WeightStore moves weight groups between memory tiers. It is an
// external collaborator (checkpoint loader, device runtime).
type WeightStore interface {
	// Load brings a weight group into fast memory. Returns an error on
	// insufficient fast memory.
	Load(ctx context.Context, group string) error
	// Evict moves a weight group back to slow memory.
	Evict(ctx context.Context, group string) error
}

// Ledger tracks which tier each weight group currently occupies and
// performs stage transitions. It is process-wide shared state:
// transitions for a group are serialized so a group is never observed
// half-migrated, and residency persists across requests to avoid
// redundant transfers.
type Ledger struct {
	mu      sync.Mutex
	store   WeightStore
	stages  map[Stage][]string
	tier    map[string]Tier
	offload bool
	prev    Stage
	loads   map[string]int
	log     zerolog.Logger
}

// NewLedger builds a ledger over the given stage -> weight-group
// partition. With offload disabled every group is loaded once, up
// front or lazily on first stage entry, and never evicted.
func NewLedger(store WeightStore, stages map[Stage][]string, offload bool, log zerolog.Logger) *Ledger {
	tier := make(map[string]Tier)
	for _, groups := range stages {
		for _, g := range groups {
			tier[g] = TierSlow
		}
	}
	return &Ledger{
		store:   store,
		stages:  stages,
		tier:    tier,
		offload: offload,
		loads:   make(map[string]int),
		log:     log.With().Str("component", "offload").Logger(),
	}
}

// Resident reports the current tier of a weight group.
func (l *Ledger) Resident(group string) Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tier[group]
}

// LoadCount returns how many times a group was loaded to fast memory.
func (l *Ledger) LoadCount(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[group]
}

// EnterStage guarantees the stage's weight groups are in fast memory
// before any evaluation runs. With offload enabled, the previous
// stage's groups are evicted first, bounding the resident footprint to
// roughly one stage's worth. A failed load is fatal and leaves no
// group half-migrated.
func (l *Ledger) EnterStage(ctx context.Context, stage Stage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.offload && l.prev != "" && l.prev != stage {
		for _, g := range l.stages[l.prev] {
			if l.tier[g] != TierFast {
				continue
			}
			if err := l.store.Evict(ctx, g); err != nil {
				return ErrResourceExhausted(l.prev, g, err)
			}
			l.tier[g] = TierSlow
			metrics.ResidencyTransfers.WithLabelValues("evict").Inc()
			metrics.ResidentGroups.Dec()
			l.log.Debug().Str("group", g).Str("stage", string(l.prev)).Msg("evicted weight group")
		}
	}

	for _, g := range l.stages[stage] {
		if l.tier[g] == TierFast {
			continue
		}
		if err := l.store.Load(ctx, g); err != nil {
			return ErrResourceExhausted(stage, g, err)
		}
		l.tier[g] = TierFast
		l.loads[g]++
		metrics.ResidencyTransfers.WithLabelValues("load").Inc()
		metrics.ResidentGroups.Inc()
		l.log.Debug().Str("group", g).Str("stage", string(stage)).Msg("loaded weight group")
	}
	l.prev = stage
	return nil
}
