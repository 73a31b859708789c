// Package orchestrator implements the C8 Pipeline Orchestrator: for each
// TriggerEvent it schedules capture, detection, group-positioning,
// labeler-fire, and diverter-fire against the trigger's own monotonic
// timestamp rather than wall clock, so the sequence stays correct under
// scheduling jitter.
//
// The majority-of-N-observations shape for category selection is adapted
// from the teacher's gossip quorum voting (internal/gossip/quorum.go),
// repointed from "nodes reporting a process" to "detections reporting a
// category". The secondary backlog queue's drop-with-alert behaviour
// follows the same overflow idiom used throughout this repository's
// bounded channels (internal/trigger, internal/kernel in the teacher).
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/belt"
	"github.com/chele-s/visifruit-controller/internal/detection"
	"github.com/chele-s/visifruit-controller/internal/diverter"
	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/hal"
	"github.com/chele-s/visifruit-controller/internal/labeler"
	"github.com/chele-s/visifruit-controller/internal/positioner"
	"github.com/chele-s/visifruit-controller/internal/storage"
)

// backlogCapacity is the secondary queue capacity (spec §4.8).
const backlogCapacity = 8

// raiseLowerDuration is the positioner's per-stage (raise or lower) move
// time, matching internal/positioner's moveDuration.
const raiseLowerDuration = 1500 * time.Millisecond

// alertSink receives OrchestratorBacklog and related alerts.
type alertSink interface {
	RaiseAlert(level, component, message string)
}

// metricsSink is the subset of observability.Metrics the orchestrator updates.
type metricsSink interface {
	ObservePipelineRun(outcome string)
	SetOrchestratorBacklogDepth(depth int)
	ObservePositioningLatency(seconds float64)
}

// decisionAuditor is the narrow audit-ledger dependency (internal/audit). It
// is optional: an Orchestrator with no auditor set dispatches commands
// without a decision-hash trail.
type decisionAuditor interface {
	CheckLabeling(cmd domain.LabelingCommand) (accepted bool, decisionHash string)
	CheckDiverter(cmd domain.DiverterCommand) (accepted bool, decisionHash string)
}

// recorder is the narrow persistence dependency the Orchestrator uses to
// write detection results and labeler-fire outcomes (spec §6 "Persisted
// state layout"). *storage.DB satisfies it. Optional: a nil recorder (the
// default) leaves the pipeline's timing and dispatch behaviour unaffected.
type recorder interface {
	PutDetection(rec storage.DetectionRecord) error
	PutLabeling(rec storage.LabelingRecord) error
}

// Config carries the inter-station distances and tuning constants the
// timing formulas need (spec §4.8, §6 configuration schema).
type Config struct {
	DistanceCameraToLabelerM   float64
	DistanceLabelerToDiverterM float64
	PrerollS                   float64
	PredictivePrepositioning   bool
}

// Orchestrator wires together every downstream collaborator and schedules
// one timed pipeline run per TriggerEvent.
type Orchestrator struct {
	log     *zap.Logger
	metrics metricsSink
	alerts  alertSink
	cfg     Config

	camera     hal.FrameSource
	detector   *detection.Service
	positioner *positioner.Positioner
	labelers   *labeler.Manager
	diverters  *diverter.Bank
	belt       *belt.Controller

	auditor decisionAuditor
	db      recorder

	mu             sync.Mutex
	stationBusy    bool
	backlog        []domain.TriggerEvent
	history        []domain.FruitCategory // recent selected categories, for prediction
	categoryCounts map[domain.FruitCategory]int

	cancelMu sync.Mutex
	cancels  []context.CancelFunc
}

// New constructs an Orchestrator over its downstream collaborators.
func New(
	log *zap.Logger,
	metrics metricsSink,
	alerts alertSink,
	cfg Config,
	camera hal.FrameSource,
	detector *detection.Service,
	pos *positioner.Positioner,
	labelers *labeler.Manager,
	diverters *diverter.Bank,
	beltCtl *belt.Controller,
	db recorder,
) *Orchestrator {
	return &Orchestrator{
		log:            log.Named("orchestrator"),
		metrics:        metrics,
		alerts:         alerts,
		cfg:            cfg,
		camera:         camera,
		detector:       detector,
		positioner:     pos,
		labelers:       labelers,
		diverters:      diverters,
		belt:           beltCtl,
		db:             db,
		categoryCounts: make(map[domain.FruitCategory]int),
	}
}

// SetAuditor attaches the decision-audit ledger. Call once, before the first
// Handle. A nil auditor (the default) disables the audit trail without
// affecting dispatch.
func (o *Orchestrator) SetAuditor(a decisionAuditor) {
	o.auditor = a
}

// Handle processes one TriggerEvent, enforcing at-most-one-in-flight
// labeling per station: if the station is busy, evt is deferred into the
// bounded secondary queue.
func (o *Orchestrator) Handle(ctx context.Context, evt domain.TriggerEvent) {
	o.mu.Lock()
	if o.stationBusy {
		if len(o.backlog) >= backlogCapacity {
			o.mu.Unlock()
			o.log.Warn("orchestrator backlog full, dropping trigger")
			if o.alerts != nil {
				o.alerts.RaiseAlert("warning", "orchestrator", "OrchestratorBacklog: secondary queue overflow")
			}
			if o.metrics != nil {
				o.metrics.ObservePipelineRun("dropped_backlog")
			}
			return
		}
		o.backlog = append(o.backlog, evt)
		if o.metrics != nil {
			o.metrics.SetOrchestratorBacklogDepth(len(o.backlog))
		}
		o.mu.Unlock()
		return
	}
	o.stationBusy = true
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	o.cancelMu.Lock()
	o.cancels = append(o.cancels, cancel)
	o.cancelMu.Unlock()

	go func() {
		defer cancel()
		o.run(runCtx, evt)
		o.freeStation(runCtx)
	}()
}

// freeStation marks the station idle and, if the secondary queue holds a
// deferred trigger, immediately starts processing the oldest one.
func (o *Orchestrator) freeStation(ctx context.Context) {
	o.mu.Lock()
	if len(o.backlog) == 0 {
		o.stationBusy = false
		o.mu.Unlock()
		return
	}
	next := o.backlog[0]
	o.backlog = o.backlog[1:]
	if o.metrics != nil {
		o.metrics.SetOrchestratorBacklogDepth(len(o.backlog))
	}
	o.mu.Unlock()
	o.Handle(ctx, next)
}

// CancelAll cancels every scheduled-but-not-fired command and clears the
// secondary queue; called on emergency_stop (spec §4.8 step 1–2).
func (o *Orchestrator) CancelAll() {
	o.cancelMu.Lock()
	for _, c := range o.cancels {
		c()
	}
	o.cancels = nil
	o.cancelMu.Unlock()

	o.mu.Lock()
	o.backlog = nil
	o.mu.Unlock()
}

// run executes the full timed pipeline for one TriggerEvent.
func (o *Orchestrator) run(ctx context.Context, evt domain.TriggerEvent) {
	t0 := evt.MonotonicTS

	frame, err := o.camera.Capture(ctx)
	if err != nil {
		o.log.Warn("capture failed", zap.Error(err))
		o.reportOutcome("capture_failed")
		return
	}

	frameHash := hashFrame(frame)
	analysisCtx, analysisCancel := context.WithDeadline(ctx, t0.Add(5*time.Second))
	defer analysisCancel()

	predicted, predictionAvailable := o.predictedCategory()
	var posDone chan error
	if o.cfg.PredictivePrepositioning && predictionAvailable {
		posDone = make(chan error, 1)
		go func() { posDone <- o.positioner.ActivateGroup(ctx, domain.GroupOf(predicted)) }()
	}

	analysis, err := o.detector.Detect(analysisCtx, requestIDFor(evt), frame, frameHash, domain.PriorityHigh)
	if err != nil {
		o.log.Debug("detection unavailable", zap.Error(err))
		o.reportOutcome("no_detection")
		return
	}

	if analysis.Quality == domain.QualityFailed || analysis.Quality == domain.QualityPoor || analysis.FruitCount == 0 {
		o.reportOutcome("no_op")
		return
	}

	category := selectCategory(analysis)
	o.recordDetection(evt, analysis, category)

	targetGroup := domain.GroupOf(category)
	if targetGroup < 0 {
		o.reportOutcome("no_op")
		return
	}

	// If a prediction was in flight and turned out wrong, cancel and redo.
	if posDone != nil && predicted != category {
		o.positioner.EmergencyStop() // not a real e-stop; cuts the mispredicted move short
		posDone = nil
	}

	posStart := time.Now()
	tPosMove := o.tPosMove(targetGroup)
	if posDone == nil {
		if err := o.positioner.ActivateGroup(ctx, targetGroup); err != nil {
			o.log.Warn("positioner move failed", zap.Error(err))
			o.reportOutcome("positioner_error")
			return
		}
	} else if err := <-posDone; err != nil {
		o.log.Warn("predictive positioner move failed", zap.Error(err))
		o.reportOutcome("positioner_error")
		return
	}
	if o.metrics != nil {
		o.metrics.ObservePositioningLatency(time.Since(posStart).Seconds())
	}

	o.recordHistory(category)

	labelerOffset := tPosMove + time.Duration(o.cfg.PrerollS*float64(time.Second))
	sleepUntil(ctx, t0.Add(labelerOffset))

	duration := labelingDuration(analysis.FruitCount)
	if o.auditor != nil {
		now := time.Now()
		o.auditor.CheckLabeling(domain.LabelingCommand{
			TargetGroup:  targetGroup,
			DurationS:    duration,
			IntensityPct: 100,
			IssuedAt:     now,
			DeadlineAt:   now.Add(time.Duration(duration * float64(time.Second))),
		})
	}
	labelRes := o.labelers.ActivateGroup(ctx, targetGroup, duration)
	if len(labelRes.FailedIDs) > 0 {
		o.log.Warn("labeler heads failed", zap.Ints("failed_ids", labelRes.FailedIDs))
	}
	o.recordLabeling(targetGroup, category, duration, len(labelRes.FailedIDs) == 0)

	diverterOffset := labelerOffset + tBelt(o.cfg.DistanceLabelerToDiverterM, o.belt.SpeedMPS())
	sleepUntil(ctx, t0.Add(diverterOffset))

	if o.auditor != nil {
		o.auditor.CheckDiverter(domain.DiverterCommand{Category: category, PreDelayS: 0, HoldS: duration})
	}
	if err := o.diverters.Classify(ctx, category, 0); err != nil {
		o.log.Warn("diverter classify failed", zap.Error(err), zap.String("category", category.String()))
	}

	o.reportOutcome("success")
}

func (o *Orchestrator) reportOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.ObservePipelineRun(outcome)
	}
}

// recordDetection persists the winning detection for one trigger's analysis
// (spec §6 "detections" table). A no-op if no recorder is wired or the frame
// produced no detections at all.
func (o *Orchestrator) recordDetection(evt domain.TriggerEvent, analysis domain.FrameAnalysis, category domain.FruitCategory) {
	if o.db == nil || len(analysis.Detections) == 0 {
		return
	}
	best := analysis.Detections[0]
	for _, d := range analysis.Detections {
		if d.ClassID == category && d.Confidence > best.Confidence {
			best = d
		}
	}
	rec := storage.DetectionRecord{
		RequestID:        requestIDFor(evt),
		Category:         category.String(),
		Confidence:       best.Confidence,
		ProcessingTimeMS: analysis.Timing.TotalMS,
		BBox:             [4]float64{best.BBox.X1, best.BBox.Y1, best.BBox.X2, best.BBox.Y2},
	}
	if err := o.db.PutDetection(rec); err != nil {
		o.log.Warn("detection persist failed", zap.Error(err))
	}
}

// recordLabeling persists one group-level labeler-fire outcome (spec §6
// "labelings" table). A no-op if no recorder is wired.
func (o *Orchestrator) recordLabeling(targetGroup int, category domain.FruitCategory, durationS float64, success bool) {
	if o.db == nil {
		return
	}
	rec := storage.LabelingRecord{
		LabelerID: targetGroup,
		Category:  category.String(),
		DurationS: durationS,
		Success:   success,
		Position:  targetGroup,
	}
	if err := o.db.PutLabeling(rec); err != nil {
		o.log.Warn("labeling persist failed", zap.Error(err))
	}
}

// tPosMove returns the group-switch time: 0 if already active, else the
// raise+lower duration.
func (o *Orchestrator) tPosMove(targetGroup int) time.Duration {
	if o.positioner.ActiveGroup() == targetGroup {
		return 0
	}
	return 2 * raiseLowerDuration
}

// predictedCategory returns the orchestrator's best guess at the next
// fruit's category from recent history (≥10 samples required), and
// whether a prediction is available at all.
func (o *Orchestrator) predictedCategory() (domain.FruitCategory, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) < 10 {
		return domain.Unknown, false
	}
	return o.history[len(o.history)-1], true
}

func (o *Orchestrator) recordHistory(cat domain.FruitCategory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, cat)
	if len(o.history) > 50 {
		o.history = o.history[len(o.history)-50:]
	}
	o.categoryCounts[cat]++
}

// CategoryCounts returns the lifetime per-category classification count,
// surfaced through GET /status (spec §4.10 "per-category metrics").
func (o *Orchestrator) CategoryCounts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.categoryCounts))
	for cat, n := range o.categoryCounts {
		out[cat.String()] = n
	}
	return out
}

// selectCategory picks the majority category among a frame's detections,
// tie-breaking APPLE > PEAR > LEMON.
func selectCategory(a domain.FrameAnalysis) domain.FruitCategory {
	counts := make(map[domain.FruitCategory]int)
	for _, d := range a.Detections {
		counts[d.ClassID]++
	}
	tieOrder := []domain.FruitCategory{domain.Apple, domain.Pear, domain.Lemon}
	best := domain.Unknown
	bestCount := -1
	for _, cat := range tieOrder {
		if counts[cat] > bestCount {
			bestCount = counts[cat]
			best = cat
		}
	}
	if bestCount <= 0 {
		return domain.Unknown
	}
	return best
}

// labelingDuration computes 2.0s + 0.3s·fruit_count, capped at 10s.
func labelingDuration(fruitCount int) float64 {
	d := 2.0 + 0.3*float64(fruitCount)
	if d > 10.0 {
		return 10.0
	}
	return d
}

// tBelt computes belt travel time for distance d at the given speed.
func tBelt(distanceM, speedMPS float64) time.Duration {
	if speedMPS <= 0 {
		return 0
	}
	return time.Duration(distanceM / speedMPS * float64(time.Second))
}

// sleepUntil blocks until target, or ctx is cancelled, whichever comes
// first. If target has already passed, returns immediately.
func sleepUntil(ctx context.Context, target time.Time) {
	d := time.Until(target)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func hashFrame(f hal.Frame) string {
	sum := sha256.Sum256(f.Data)
	return hex.EncodeToString(sum[:])
}

// requestIDFor derives a stable detection request id from a trigger event.
func requestIDFor(evt domain.TriggerEvent) string {
	return evt.MonotonicTS.Format(time.RFC3339Nano)
}
