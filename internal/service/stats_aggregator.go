package service

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/domain"
)

// DefaultEstablishN is the number of fresh points after a re-baselining before
// computed statistics replace the assigned mean and SD.
const DefaultEstablishN uint64 = 20

// AggregatorConfig configures a StatsAggregator.
type AggregatorConfig struct {
	// RollingWindow bounds the statistics to the last N accepted values.
	// Zero means cumulative statistics.
	RollingWindow int
	// EstablishN is how many points a fresh accumulator needs after
	// ResetBaseline before it replaces the assigned baseline.
	EstablishN uint64
}

// StatsAggregator maintains running mean, SD and n per control group with
// Welford's online algorithm. Each group is guarded by its own mutex; different
// groups never block each other.
type StatsAggregator struct {
	logger *logrus.Logger
	config AggregatorConfig

	mu     sync.RWMutex
	groups map[domain.ControlGroup]*groupStats
}

// groupStats is the Welford accumulator for a single group.
type groupStats struct {
	mu sync.Mutex

	n    uint64
	mean float64
	m2   float64

	lastSeq     uint64
	hasSeq      bool
	windowStart uint64

	// window holds the values currently inside the rolling window, oldest
	// first, with their sequence numbers.
	window []windowEntry

	assigned *assignedBaseline
}

type windowEntry struct {
	seq   uint64
	value float64
}

type assignedBaseline struct {
	mean          float64
	sd            float64
	effectiveFrom uint64
}

// GroupSnapshot is the exported state of one group, used to persist and
// restore the aggregator.
type GroupSnapshot struct {
	Group         domain.ControlGroup `json:"group"`
	N             uint64              `json:"n"`
	Mean          float64             `json:"mean"`
	M2            float64             `json:"m2"`
	LastSequence  uint64              `json:"last_sequence"`
	HasSequence   bool                `json:"has_sequence"`
	WindowStart   uint64              `json:"window_start"`
	WindowValues  []float64           `json:"window_values,omitempty"`
	WindowSeqs    []uint64            `json:"window_seqs,omitempty"`
	AssignedMean  *float64            `json:"assigned_mean,omitempty"`
	AssignedSD    *float64            `json:"assigned_sd,omitempty"`
	EffectiveFrom uint64              `json:"effective_from,omitempty"`
}

// NewStatsAggregator creates an empty aggregator.
func NewStatsAggregator(logger *logrus.Logger, config AggregatorConfig) *StatsAggregator {
	if config.EstablishN == 0 {
		config.EstablishN = DefaultEstablishN
	}
	if config.RollingWindow < 0 {
		config.RollingWindow = 0
	}
	return &StatsAggregator{
		logger: logger,
		config: config,
		groups: make(map[domain.ControlGroup]*groupStats),
	}
}

// group returns the accumulator for key, creating it if needed.
func (a *StatsAggregator) group(key domain.ControlGroup) *groupStats {
	a.mu.RLock()
	g, ok := a.groups[key]
	a.mu.RUnlock()
	if ok {
		return g
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok = a.groups[key]; !ok {
		g = &groupStats{}
		a.groups[key] = g
	}
	return g
}

// RecordAccepted incorporates one accepted value and returns the updated
// stats. Invalid values and out-of-order sequence numbers are rejected before
// any state changes.
func (a *StatsAggregator) RecordAccepted(key domain.ControlGroup, seq uint64, value float64) (domain.RunningStats, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return domain.RunningStats{}, fmt.Errorf("value %v for group %s: %w", value, key, domain.ErrInvalidMeasurement)
	}

	g := a.group(key)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkSequence(seq); err != nil {
		return domain.RunningStats{}, fmt.Errorf("group %s: %w", key, err)
	}

	g.add(seq, value, a.config.RollingWindow)
	g.lastSeq = seq
	g.hasSeq = true

	return g.stats(a.config.EstablishN), nil
}

// Observe advances the sequence cursor without touching the statistics. It is
// used for runs excluded from the baseline.
func (a *StatsAggregator) Observe(key domain.ControlGroup, seq uint64) error {
	g := a.group(key)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkSequence(seq); err != nil {
		return fmt.Errorf("group %s: %w", key, err)
	}
	g.lastSeq = seq
	g.hasSeq = true
	return nil
}

// CheckSequence reports whether seq would be accepted for key right now.
func (a *StatsAggregator) CheckSequence(key domain.ControlGroup, seq uint64) error {
	g := a.group(key)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkSequence(seq); err != nil {
		return fmt.Errorf("group %s: %w", key, err)
	}
	return nil
}

// CurrentStats returns the stats in effect for key, or ErrInsufficientData
// when fewer than two values exist and no assigned baseline is active.
func (a *StatsAggregator) CurrentStats(key domain.ControlGroup) (domain.RunningStats, error) {
	a.mu.RLock()
	g, ok := a.groups[key]
	a.mu.RUnlock()
	if !ok {
		return domain.RunningStats{}, fmt.Errorf("group %s has no measurements: %w", key, domain.ErrInsufficientData)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	stats := g.stats(a.config.EstablishN)
	if stats.Source == domain.COMPUTED && stats.N < 2 {
		return domain.RunningStats{}, fmt.Errorf("group %s has %d accepted values: %w", key, stats.N, domain.ErrInsufficientData)
	}
	return stats, nil
}

// ResetBaseline installs an assigned mean and SD effective from the given
// sequence number and restarts the accumulator. It is a deliberate
// discontinuity: nothing from before effectiveFrom carries over.
func (a *StatsAggregator) ResetBaseline(key domain.ControlGroup, mean, sd float64, effectiveFrom uint64) (domain.RunningStats, error) {
	if math.IsNaN(mean) || math.IsInf(mean, 0) {
		return domain.RunningStats{}, fmt.Errorf("baseline mean %v: %w", mean, domain.ErrInvalidMeasurement)
	}
	if math.IsNaN(sd) || math.IsInf(sd, 0) || sd <= 0 {
		return domain.RunningStats{}, fmt.Errorf("baseline sd %v must be positive: %w", sd, domain.ErrInvalidMeasurement)
	}

	g := a.group(key)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.hasSeq && effectiveFrom <= g.lastSeq {
		return domain.RunningStats{}, fmt.Errorf("baseline effective from %d is not after last applied %d for group %s: %w",
			effectiveFrom, g.lastSeq, key, domain.ErrSequenceViolation)
	}

	g.n, g.mean, g.m2 = 0, 0, 0
	g.window = nil
	g.windowStart = effectiveFrom
	g.assigned = &assignedBaseline{mean: mean, sd: sd, effectiveFrom: effectiveFrom}
	if effectiveFrom > 0 {
		g.lastSeq = effectiveFrom - 1
		g.hasSeq = true
	}

	a.logger.WithFields(logrus.Fields{
		"group":          key.Key(),
		"mean":           mean,
		"sd":             sd,
		"effective_from": effectiveFrom,
	}).Info("Control baseline reset")

	return g.stats(a.config.EstablishN), nil
}

// LastSequence returns the last applied sequence number for key.
func (a *StatsAggregator) LastSequence(key domain.ControlGroup) (uint64, bool) {
	a.mu.RLock()
	g, ok := a.groups[key]
	a.mu.RUnlock()
	if !ok {
		return 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSeq, g.hasSeq
}

// Groups lists every group the aggregator has seen.
func (a *StatsAggregator) Groups() []domain.ControlGroup {
	a.mu.RLock()
	defer a.mu.RUnlock()
	groups := make([]domain.ControlGroup, 0, len(a.groups))
	for key := range a.groups {
		groups = append(groups, key)
	}
	return groups
}

// Snapshot exports the state of every group.
func (a *StatsAggregator) Snapshot() []GroupSnapshot {
	a.mu.RLock()
	keys := make([]domain.ControlGroup, 0, len(a.groups))
	states := make([]*groupStats, 0, len(a.groups))
	for key, g := range a.groups {
		keys = append(keys, key)
		states = append(states, g)
	}
	a.mu.RUnlock()

	snapshots := make([]GroupSnapshot, 0, len(keys))
	for i, g := range states {
		g.mu.Lock()
		snap := GroupSnapshot{
			Group:        keys[i],
			N:            g.n,
			Mean:         g.mean,
			M2:           g.m2,
			LastSequence: g.lastSeq,
			HasSequence:  g.hasSeq,
			WindowStart:  g.windowStart,
		}
		for _, entry := range g.window {
			snap.WindowValues = append(snap.WindowValues, entry.value)
			snap.WindowSeqs = append(snap.WindowSeqs, entry.seq)
		}
		if g.assigned != nil {
			mean, sd := g.assigned.mean, g.assigned.sd
			snap.AssignedMean = &mean
			snap.AssignedSD = &sd
			snap.EffectiveFrom = g.assigned.effectiveFrom
		}
		g.mu.Unlock()
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// Restore replaces the state of the groups named in snapshots.
func (a *StatsAggregator) Restore(snapshots []GroupSnapshot) error {
	for _, snap := range snapshots {
		if len(snap.WindowValues) != len(snap.WindowSeqs) {
			return fmt.Errorf("snapshot for group %s has mismatched window", snap.Group)
		}
		if snap.M2 < 0 || math.IsNaN(snap.Mean) || math.IsNaN(snap.M2) {
			return fmt.Errorf("snapshot for group %s is corrupt: %w", snap.Group, domain.ErrInvalidMeasurement)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, snap := range snapshots {
		g := &groupStats{
			n:           snap.N,
			mean:        snap.Mean,
			m2:          snap.M2,
			lastSeq:     snap.LastSequence,
			hasSeq:      snap.HasSequence,
			windowStart: snap.WindowStart,
		}
		for i, value := range snap.WindowValues {
			g.window = append(g.window, windowEntry{seq: snap.WindowSeqs[i], value: value})
		}
		if snap.AssignedMean != nil && snap.AssignedSD != nil {
			g.assigned = &assignedBaseline{mean: *snap.AssignedMean, sd: *snap.AssignedSD, effectiveFrom: snap.EffectiveFrom}
		}
		a.groups[snap.Group] = g
	}
	return nil
}

func (g *groupStats) checkSequence(seq uint64) error {
	if g.hasSeq && seq <= g.lastSeq {
		return fmt.Errorf("sequence %d is not greater than last applied %d: %w", seq, g.lastSeq, domain.ErrSequenceViolation)
	}
	if g.assigned != nil && seq < g.assigned.effectiveFrom {
		return fmt.Errorf("sequence %d precedes baseline effective from %d: %w", seq, g.assigned.effectiveFrom, domain.ErrSequenceViolation)
	}
	return nil
}

// add applies the Welford update, evicting the oldest value first when the
// rolling window is full.
func (g *groupStats) add(seq uint64, value float64, rollingWindow int) {
	if rollingWindow > 0 {
		if len(g.window) == rollingWindow {
			oldest := g.window[0]
			g.window = g.window[1:]
			g.remove(oldest.value)
		}
		g.window = append(g.window, windowEntry{seq: seq, value: value})
		g.windowStart = g.window[0].seq
	} else if g.n == 0 && g.assigned == nil {
		g.windowStart = seq
	}

	g.n++
	delta := value - g.mean
	g.mean += delta / float64(g.n)
	g.m2 += delta * (value - g.mean)
}

// remove is the inverse Welford step.
func (g *groupStats) remove(value float64) {
	if g.n <= 1 {
		g.n, g.mean, g.m2 = 0, 0, 0
		return
	}
	prevMean := (float64(g.n)*g.mean - value) / float64(g.n-1)
	g.m2 -= (value - g.mean) * (value - prevMean)
	if g.m2 < 0 {
		g.m2 = 0
	}
	g.mean = prevMean
	g.n--
}

// stats renders the stats in effect. An assigned baseline wins until the
// fresh accumulator has establishN points.
func (g *groupStats) stats(establishN uint64) domain.RunningStats {
	if g.assigned != nil && g.n < establishN {
		return domain.RunningStats{
			Mean:        g.assigned.mean,
			SD:          g.assigned.sd,
			N:           g.n,
			WindowStart: g.assigned.effectiveFrom,
			Source:      domain.ASSIGNED,
		}
	}

	stats := domain.RunningStats{
		Mean:        g.mean,
		N:           g.n,
		WindowStart: g.windowStart,
		Source:      domain.COMPUTED,
	}
	if g.n >= 2 {
		stats.SD = math.Sqrt(g.m2 / float64(g.n-1))
	}
	return stats
}
