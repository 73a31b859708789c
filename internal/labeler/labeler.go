// Package labeler implements the C3 Labeler Manager: six solenoid heads
// grouped in pairs, fired in parallel with per-head retry/backoff, with
// per-head wear and success-rate metrics.
package labeler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/actuator"
	"github.com/chele-s/visifruit-controller/internal/domain"
)

// professionalHeadCount is the solenoid head count for the professional
// topology (spec §4.3): 6 heads in 3 groups of 2. The prototype topology
// (VISIFRUIT_MODE=prototype) runs a single head with no grouping; Manager
// sizes itself off len(heads) rather than a fixed constant so both
// topologies share this one implementation (spec §6, §9 Open Questions).
const professionalHeadCount = 6

const emergencyStopCeiling = 500 * time.Millisecond

// headStats accumulates per-head counters for wear/success-rate reporting.
type headStats struct {
	mu            sync.Mutex
	activations   uint64
	failures      uint64
	totalRuntimeS float64
}

func (h *headStats) record(d time.Duration, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activations++
	h.totalRuntimeS += d.Seconds()
	if !success {
		h.failures++
	}
}

func (h *headStats) snapshot() (activations, failures uint64, totalRuntimeS float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activations, h.failures, h.totalRuntimeS
}

// HeadStatus is the reporting snapshot for one labeler head.
type HeadStatus struct {
	Index       int
	Activations uint64
	Failures    uint64
	SuccessRate float64
	WearPercent float64
	TotalRunS   float64
}

// GroupResult is the outcome of activating every head in a group.
type GroupResult struct {
	SuccessCount int
	FailedIDs    []int
}

// metricsSink is the subset of observability.Metrics the manager updates;
// kept as an interface so tests can supply a stub.
type metricsSink interface {
	ObserveLabelerActivation(head int, outcome string)
	SetLabelerWear(head int, pct float64)
}

// Manager owns one or more Driver instances and fires them in parallel per
// group. The professional topology wires 6 heads (3 groups of 2); the
// prototype topology wires a single head with no grouping.
type Manager struct {
	log     *zap.Logger
	metrics metricsSink

	heads []actuator.Driver
	stats []*headStats
}

// NewManager constructs a Manager over already-opened actuator drivers,
// indexed 0..len(heads)-1. Pass 6 heads for the professional topology or 1
// for the prototype topology (VISIFRUIT_MODE, spec §6).
func NewManager(log *zap.Logger, metrics metricsSink, heads []actuator.Driver) *Manager {
	m := &Manager{log: log.Named("labeler"), metrics: metrics, heads: heads, stats: make([]*headStats, len(heads))}
	for i := range m.stats {
		m.stats[i] = &headStats{}
	}
	return m
}

// headTimeout computes the per-head wall-clock timeout: max(1, min(duration_s+2, 30)).
func headTimeout(durationS float64) time.Duration {
	v := durationS + 2
	if v > 30 {
		v = 30
	}
	if v < 1 {
		v = 1
	}
	return time.Duration(v * float64(time.Second))
}

// backoffSchedule is the capped exponential retry delay sequence (1s, 2s, 4s).
var backoffSchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

const maxRetries = 3

// fireHead activates a single head for durationS seconds at full intensity,
// retrying up to maxRetries times with capped exponential backoff. Returns
// true on eventual success.
func (m *Manager) fireHead(ctx context.Context, head int, durationS float64) bool {
	driver := m.heads[head]
	timeout := headTimeout(durationS)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := driver.Activate(attemptCtx, durationS, 100)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			m.stats[head].record(elapsed, true)
			if m.metrics != nil {
				m.metrics.ObserveLabelerActivation(head, "success")
			}
			return true
		}
		lastErr = err
		m.stats[head].record(elapsed, false)
		if attempt == maxRetries {
			break
		}
		m.log.Warn("labeler head activation failed, retrying",
			zap.Int("head", head), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(backoffSchedule[attempt]):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxRetries
		}
	}

	m.log.Error("labeler head exhausted retries", zap.Int("head", head), zap.Error(lastErr))
	if m.metrics != nil {
		m.metrics.ObserveLabelerActivation(head, "failure")
	}
	return false
}

// ActivateGroup fires every head in the group for durationS seconds, in
// parallel (concurrency = group cardinality). It does not return an error
// on per-head failure: the caller inspects FailedIDs and decides policy.
func (m *Manager) ActivateGroup(ctx context.Context, group int, durationS float64) GroupResult {
	indices := m.headIndicesForGroup(group)

	var wg sync.WaitGroup
	results := make([]bool, len(indices))
	for i, head := range indices {
		wg.Add(1)
		go func(i, head int) {
			defer wg.Done()
			results[i] = m.fireHead(ctx, head, durationS)
		}(i, head)
	}
	wg.Wait()

	res := GroupResult{}
	for i, head := range indices {
		if results[i] {
			res.SuccessCount++
		} else {
			res.FailedIDs = append(res.FailedIDs, head)
		}
	}
	return res
}

// headIndicesForGroup returns the head indices belonging to a labeler group.
// With a single head (prototype topology, no grouping) only group 0 is
// valid and resolves to head 0; any other group yields no heads. With 6 heads (professional topology) it
// matches domain.LabelerGroup's pairing: group 0 -> {0,1}, 1 -> {2,3},
// 2 -> {4,5}.
func (m *Manager) headIndicesForGroup(group int) []int {
	n := len(m.heads)
	if n == 1 {
		if group == 0 {
			return []int{0}
		}
		return nil
	}
	lo := group * 2
	if group < 0 || lo+1 >= n {
		return nil
	}
	return []int{lo, lo + 1}
}

// EmergencyStopAll deactivates every head concurrently, returning once all
// have returned or a 500ms ceiling elapses.
func (m *Manager) EmergencyStopAll() {
	var wg sync.WaitGroup
	for i := range m.heads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.heads[i].Deactivate(); err != nil {
				m.log.Warn("emergency deactivate failed", zap.Int("head", i), zap.Error(err))
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(emergencyStopCeiling):
		m.log.Warn("emergency_stop_all hit the 500ms ceiling before all heads confirmed")
	}
}

// Status returns the per-head reporting snapshot. wear = min(100, cycles/1000)%.
func (m *Manager) Status() []HeadStatus {
	out := make([]HeadStatus, len(m.stats))
	for i := range m.stats {
		activations, failures, totalRuntimeS := m.stats[i].snapshot()
		successRate := 1.0
		if activations > 0 {
			successRate = float64(activations-failures) / float64(activations)
		}
		wear := float64(activations) / 1000.0
		if wear > 100.0 {
			wear = 100.0
		}
		out[i] = HeadStatus{
			Index:       i,
			Activations: activations,
			Failures:    failures,
			SuccessRate: successRate,
			WearPercent: wear,
			TotalRunS:   totalRuntimeS,
		}
		if m.metrics != nil {
			m.metrics.SetLabelerWear(i, wear)
		}
	}
	return out
}

// Close releases every head's underlying hal handle.
func (m *Manager) Close() error {
	var firstErr error
	for i := range m.heads {
		if err := m.heads[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResultForCommand is a convenience wrapper turning a domain.LabelingCommand
// into an ActivateGroup call, used by the orchestrator.
func (m *Manager) ResultForCommand(ctx context.Context, cmd domain.LabelingCommand) GroupResult {
	return m.ActivateGroup(ctx, cmd.TargetGroup, cmd.DurationS)
}
