// Package audit maintains a tamper-evident ledger of dispatched labeling and
// diverter commands.
//
// Every command the Pipeline Orchestrator hands to the Labeler Manager or the
// Diverter Bank is first run through the Ledger: its numeric fields are
// checked against configured bounds, then a canonical SHA-256 hash of the
// command is computed and chained to the previous entry's hash (a Merkle
// link), and the result is persisted through storage.DB.PutAudit.
//
// A bounds violation is logged and recorded with Rejected=true, and an alert
// is raised — but the Ledger never returns an error that would stop the
// command from reaching the actuator. The audit trail exists to catch and
// explain bad commands after the fact, not to gate the belt.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/storage"
)

// Bounds defines the allowed ranges for labeling and diverter command fields.
type Bounds struct {
	DurationMinS, DurationMaxS     float64
	IntensityMinPct, IntensityMaxPct float64
	PreDelayMinS, PreDelayMaxS     float64
	HoldMinS, HoldMaxS             float64
	TimestampSkewTolerance         time.Duration
}

// DefaultBounds returns the bounds every Ledger built by New uses: generous
// enough to pass any legitimate command the Orchestrator can construct, tight
// enough to catch a runaway computation (e.g. a NaN duration or a deadline
// arithmetic bug) before it reaches a solenoid or servo.
func DefaultBounds() Bounds {
	return Bounds{
		DurationMinS:     0,
		DurationMaxS:     30,
		IntensityMinPct:  0,
		IntensityMaxPct:  100,
		PreDelayMinS:     0,
		PreDelayMaxS:     30,
		HoldMinS:         0,
		HoldMaxS:         30,
		TimestampSkewTolerance: 5 * time.Second,
	}
}

// recorder is the narrow persistence dependency the Ledger needs.
// *storage.DB satisfies it.
type recorder interface {
	PutAudit(rec storage.AuditRecord) error
}

// alertSink is the narrow alert-raising dependency shared with
// internal/trigger and internal/orchestrator.
type alertSink interface {
	RaiseAlert(level, component, message string)
}

// Ledger validates and chains decision-audit records for one process's
// lifetime. Safe for concurrent use.
type Ledger struct {
	mu             sync.Mutex
	bounds         Bounds
	lastTimestamp  time.Time
	lastHash       string
	log            *zap.Logger
	store          recorder
	alerts         alertSink
	verifiedCount  int64
	rejectedCount  int64
}

// New constructs a Ledger. alerts may be nil, in which case violations are
// only logged.
func New(log *zap.Logger, store recorder, alerts alertSink) *Ledger {
	return &Ledger{
		bounds:        DefaultBounds(),
		lastTimestamp: time.Now(),
		log:           log,
		store:         store,
		alerts:        alerts,
	}
}

// CheckLabeling validates and records a LabelingCommand. It never returns an
// error the caller must act on — the return value reports whether the
// command passed audit, for logging/metrics purposes only.
func (l *Ledger) CheckLabeling(cmd domain.LabelingCommand) (accepted bool, decisionHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := map[string]interface{}{
		"target_group":  cmd.TargetGroup,
		"duration_s":    fmt.Sprintf("%.8f", cmd.DurationS),
		"intensity_pct": fmt.Sprintf("%.8f", cmd.IntensityPct),
		"issued_at":     cmd.IssuedAt.UnixNano(),
		"deadline_at":   cmd.DeadlineAt.UnixNano(),
	}

	reason := l.violation(cmd.IssuedAt, cmd.DurationS, l.bounds.DurationMinS, l.bounds.DurationMaxS, "duration_s")
	if reason == "" {
		reason = l.violation(cmd.IssuedAt, cmd.IntensityPct, l.bounds.IntensityMinPct, l.bounds.IntensityMaxPct, "intensity_pct")
	}

	parent := l.lastHash
	hash := l.chain(fields)
	if cmd.IssuedAt.After(l.lastTimestamp) {
		l.lastTimestamp = cmd.IssuedAt
	}
	rec := storage.AuditRecord{
		Kind:         "labeling",
		TargetGroup:  cmd.TargetGroup,
		DurationS:    cmd.DurationS,
		DecisionHash: hash,
		ParentHash:   parent,
		Rejected:     reason != "",
		Reason:       reason,
	}
	l.commit(rec, "labeler", reason)
	return reason == "", hash
}

// CheckDiverter validates and records a DiverterCommand. Same non-blocking
// contract as CheckLabeling.
func (l *Ledger) CheckDiverter(cmd domain.DiverterCommand) (accepted bool, decisionHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := map[string]interface{}{
		"category":    cmd.Category.String(),
		"pre_delay_s": fmt.Sprintf("%.8f", cmd.PreDelayS),
		"hold_s":      fmt.Sprintf("%.8f", cmd.HoldS),
	}

	now := time.Now()
	reason := l.violation(now, cmd.PreDelayS, l.bounds.PreDelayMinS, l.bounds.PreDelayMaxS, "pre_delay_s")
	if reason == "" {
		reason = l.violation(now, cmd.HoldS, l.bounds.HoldMinS, l.bounds.HoldMaxS, "hold_s")
	}

	parent := l.lastHash
	hash := l.chain(fields)
	if now.After(l.lastTimestamp) {
		l.lastTimestamp = now
	}
	rec := storage.AuditRecord{
		Kind:         "diverter",
		Category:     cmd.Category.String(),
		DurationS:    cmd.HoldS,
		DecisionHash: hash,
		ParentHash:   parent,
		Rejected:     reason != "",
		Reason:       reason,
	}
	l.commit(rec, "diverter", reason)
	return reason == "", hash
}

// violation checks a single numeric field for NaN/Inf and range bounds, and
// the associated timestamp for monotonicity/skew. Returns a human-readable
// reason string, or "" if the field is clean. Caller holds l.mu.
func (l *Ledger) violation(ts time.Time, value, min, max float64, field string) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Sprintf("%s is NaN or Inf: %v", field, value)
	}
	if value < min || value > max {
		return fmt.Sprintf("%s %.3f outside bounds [%.3f, %.3f]", field, value, min, max)
	}
	if !ts.IsZero() && ts.Before(l.lastTimestamp.Add(-l.bounds.TimestampSkewTolerance)) {
		return fmt.Sprintf("timestamp %v is more than %v behind the last recorded decision", ts, l.bounds.TimestampSkewTolerance)
	}
	return ""
}

// chain computes the canonical SHA-256 hash of fields and advances the
// Merkle chain. Caller holds l.mu.
func (l *Ledger) chain(fields map[string]interface{}) string {
	data, err := json.Marshal(fields)
	if err != nil {
		l.log.Error("audit: failed to marshal decision fields", zap.Error(err))
		return ""
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	l.lastHash = hash
	return hash
}

// commit persists rec, raises an alert on rejection, and updates counters.
// Caller holds l.mu.
func (l *Ledger) commit(rec storage.AuditRecord, component, reason string) {
	if reason != "" {
		l.rejectedCount++
		l.log.Warn("audit rejected a dispatched command",
			zap.String("kind", rec.Kind),
			zap.String("reason", reason),
			zap.String("decision_hash", rec.DecisionHash),
		)
		if l.alerts != nil {
			l.alerts.RaiseAlert("warning", component, "audit rejected a "+rec.Kind+" command: "+reason)
		}
	} else {
		l.verifiedCount++
	}

	if l.store == nil {
		return
	}
	if err := l.store.PutAudit(rec); err != nil {
		l.log.Error("audit: failed to persist record", zap.Error(err))
	}
}

// Stats reports ledger counters.
type Stats struct {
	Verified int64
	Rejected int64
}

// Stats returns the current verified/rejected counts.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Verified: l.verifiedCount, Rejected: l.rejectedCount}
}
