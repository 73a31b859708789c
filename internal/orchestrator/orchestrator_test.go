package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/actuator"
	"github.com/chele-s/visifruit-controller/internal/belt"
	"github.com/chele-s/visifruit-controller/internal/detection"
	"github.com/chele-s/visifruit-controller/internal/diverter"
	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/hal"
	"github.com/chele-s/visifruit-controller/internal/labeler"
	"github.com/chele-s/visifruit-controller/internal/positioner"
	"github.com/chele-s/visifruit-controller/internal/storage"
)

// --- pure-function tests -----------------------------------------------

func TestSelectCategoryMajority(t *testing.T) {
	a := domain.FrameAnalysis{Detections: []domain.Detection{
		{ClassID: domain.Apple}, {ClassID: domain.Apple}, {ClassID: domain.Pear},
	}}
	if got := selectCategory(a); got != domain.Apple {
		t.Fatalf("selectCategory = %v, want Apple", got)
	}
}

func TestSelectCategoryTieBreakOrder(t *testing.T) {
	a := domain.FrameAnalysis{Detections: []domain.Detection{
		{ClassID: domain.Lemon}, {ClassID: domain.Pear}, {ClassID: domain.Apple},
	}}
	if got := selectCategory(a); got != domain.Apple {
		t.Fatalf("selectCategory tie = %v, want Apple (tie-break priority)", got)
	}
}

func TestSelectCategoryEmptyIsUnknown(t *testing.T) {
	if got := selectCategory(domain.FrameAnalysis{}); got != domain.Unknown {
		t.Fatalf("selectCategory empty = %v, want Unknown", got)
	}
}

func TestLabelingDurationFormulaAndCap(t *testing.T) {
	if got := labelingDuration(0); got != 2.0 {
		t.Fatalf("labelingDuration(0) = %v, want 2.0", got)
	}
	if got := labelingDuration(3); got != 2.9 {
		t.Fatalf("labelingDuration(3) = %v, want 2.9", got)
	}
	if got := labelingDuration(100); got != 10.0 {
		t.Fatalf("labelingDuration(100) = %v, want capped at 10.0", got)
	}
}

func TestTBelt(t *testing.T) {
	got := tBelt(1.0, 0.5)
	if got != 2*time.Second {
		t.Fatalf("tBelt(1.0, 0.5) = %v, want 2s", got)
	}
	if got := tBelt(1.0, 0); got != 0 {
		t.Fatalf("tBelt with zero speed = %v, want 0", got)
	}
}

// --- integration-style harness -------------------------------------------

type fakeCamera struct {
	frame hal.Frame
	err   error
}

func (c *fakeCamera) Capture(ctx context.Context) (hal.Frame, error) { return c.frame, c.err }
func (c *fakeCamera) Close() error                                   { return nil }

type fakeRunner struct {
	analysis domain.FrameAnalysis
	err      error
}

func (r *fakeRunner) Analyze(ctx context.Context, frame hal.Frame, threshold float64) (domain.FrameAnalysis, error) {
	return r.analysis, r.err
}

type countingAlerts struct {
	mu    sync.Mutex
	count int
}

func (a *countingAlerts) RaiseAlert(level, component, message string) {
	a.mu.Lock()
	a.count++
	a.mu.Unlock()
}

func newHarness(t *testing.T, analysis domain.FrameAnalysis) (*Orchestrator, *countingAlerts) {
	t.Helper()
	log := zap.NewNop()
	backend := hal.NewSimulationBackend(log)

	heads := make([]actuator.Driver, 6)
	for i := range heads {
		out, err := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: 100 + i})
		if err != nil {
			t.Fatalf("OpenDigitalOut: %v", err)
		}
		heads[i] = actuator.NewSolenoidDriver(out)
	}
	lm := labeler.NewManager(log, nil, heads)

	motorA, _ := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: 200})
	motorB, _ := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: 201})
	motorPwm, _ := backend.OpenPWM(hal.PwmOutConfig{Pin: 202, FrequencyHz: 1000})
	motor := actuator.NewDCMotorDriver(motorA, motorB, motorPwm)
	pos := positioner.New(log, motor)
	if err := pos.Calibrate(context.Background()); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	servos := make(map[domain.FruitCategory]*actuator.ServoDriver)
	cfgs := make(map[domain.FruitCategory]diverter.FlapConfig)
	for i, cat := range []domain.FruitCategory{domain.Apple, domain.Pear, domain.Lemon} {
		pwm, _ := backend.OpenPWM(hal.PwmOutConfig{Pin: 300 + i, FrequencyHz: 50})
		servo, err := actuator.NewServoDriver(pwm)
		if err != nil {
			t.Fatalf("NewServoDriver: %v", err)
		}
		servos[cat] = servo
		cfgs[cat] = diverter.FlapConfig{StraightAngle: 0, DivertedAngle: 45, ActivationDuration: time.Millisecond}
	}
	bank := diverter.NewBank(log, servos, cfgs)

	fwdRelay, _ := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: 400})
	backRelay, _ := backend.OpenDigitalOut(hal.DigitalOutConfig{Pin: 401})
	beltCtl := belt.New(log, fwdRelay, backRelay, 10.0) // fast belt, short T_belt

	det := detection.New(log, nil, &fakeRunner{analysis: analysis}, detection.Config{Workers: 1, BaseTimeout: time.Second})
	camera := &fakeCamera{frame: hal.Frame{Data: []byte("frame")}}

	alerts := &countingAlerts{}
	cfg := Config{
		DistanceCameraToLabelerM:   0.1,
		DistanceLabelerToDiverterM: 0.1,
		PrerollS:                   0,
	}
	o := New(log, nil, alerts, cfg, camera, det, pos, lm, bank, beltCtl, nil)
	return o, alerts
}

func TestRunSuccessfulPipelineClassifiesAndReturns(t *testing.T) {
	analysis := domain.FrameAnalysis{
		FruitCount: 1,
		Quality:    domain.QualityGood,
		Detections: []domain.Detection{{ClassID: domain.Apple}},
	}
	o, _ := newHarness(t, analysis)
	evt := domain.TriggerEvent{MonotonicTS: time.Now()}

	done := make(chan struct{})
	go func() {
		o.run(context.Background(), evt)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not complete in time")
	}
}

func TestRunNoOpOnPoorQuality(t *testing.T) {
	analysis := domain.FrameAnalysis{Quality: domain.QualityPoor, FruitCount: 1}
	o, _ := newHarness(t, analysis)
	evt := domain.TriggerEvent{MonotonicTS: time.Now()}

	done := make(chan struct{})
	go func() {
		o.run(context.Background(), evt)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete in time")
	}
	if o.positioner.ActiveGroup() != -1 {
		t.Fatalf("positioner should not move on poor-quality analysis, got group %d", o.positioner.ActiveGroup())
	}
}

func TestHandleQueuesWhenStationBusy(t *testing.T) {
	analysis := domain.FrameAnalysis{
		FruitCount: 1,
		Quality:    domain.QualityGood,
		Detections: []domain.Detection{{ClassID: domain.Apple}},
	}
	o, _ := newHarness(t, analysis)
	o.stationBusy = true

	o.Handle(context.Background(), domain.TriggerEvent{MonotonicTS: time.Now()})

	o.mu.Lock()
	depth := len(o.backlog)
	o.mu.Unlock()
	if depth != 1 {
		t.Fatalf("backlog depth = %d, want 1", depth)
	}
}

func TestHandleDropsAndAlertsWhenBacklogFull(t *testing.T) {
	analysis := domain.FrameAnalysis{Quality: domain.QualityGood, FruitCount: 1}
	o, alerts := newHarness(t, analysis)
	o.stationBusy = true
	o.backlog = make([]domain.TriggerEvent, backlogCapacity)

	o.Handle(context.Background(), domain.TriggerEvent{MonotonicTS: time.Now()})

	if alerts.count != 1 {
		t.Fatalf("alert count = %d, want 1 (OrchestratorBacklog overflow)", alerts.count)
	}
	o.mu.Lock()
	depth := len(o.backlog)
	o.mu.Unlock()
	if depth != backlogCapacity {
		t.Fatalf("backlog depth = %d, want unchanged at %d", depth, backlogCapacity)
	}
}

func TestCancelAllClearsBacklogAndCancelsContexts(t *testing.T) {
	analysis := domain.FrameAnalysis{Quality: domain.QualityGood, FruitCount: 1}
	o, _ := newHarness(t, analysis)
	o.mu.Lock()
	o.backlog = append(o.backlog, domain.TriggerEvent{}, domain.TriggerEvent{})
	o.mu.Unlock()

	var cancelled bool
	o.cancelMu.Lock()
	o.cancels = append(o.cancels, func() { cancelled = true })
	o.cancelMu.Unlock()

	o.CancelAll()

	if !cancelled {
		t.Fatal("CancelAll did not invoke the recorded cancel function")
	}
	o.mu.Lock()
	depth := len(o.backlog)
	o.mu.Unlock()
	if depth != 0 {
		t.Fatalf("backlog depth after CancelAll = %d, want 0", depth)
	}
}

func TestSleepUntilReturnsImmediatelyForPastTarget(t *testing.T) {
	start := time.Now()
	sleepUntil(context.Background(), start.Add(-time.Hour))
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("sleepUntil blocked on a target in the past")
	}
}

func TestSleepUntilRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	sleepUntil(ctx, start.Add(time.Hour))
	if time.Since(start) > time.Second {
		t.Fatal("sleepUntil did not respect context cancellation")
	}
}

// --- persistence wiring --------------------------------------------------

type fakeRecorder struct {
	mu         sync.Mutex
	detections []storage.DetectionRecord
	labelings  []storage.LabelingRecord
}

func (f *fakeRecorder) PutDetection(rec storage.DetectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, rec)
	return nil
}

func (f *fakeRecorder) PutLabeling(rec storage.LabelingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelings = append(f.labelings, rec)
	return nil
}

func TestRecordDetectionAndLabelingPersistWhenRecorderSet(t *testing.T) {
	rec := &fakeRecorder{}
	o := &Orchestrator{log: zap.NewNop(), db: rec}

	analysis := domain.FrameAnalysis{
		Detections: []domain.Detection{
			{ClassID: domain.Apple, Confidence: 0.9, BBox: domain.BBox{X1: 0.1, Y1: 0.1, X2: 0.2, Y2: 0.2}},
		},
		Timing: domain.FrameTiming{TotalMS: 12.5},
	}
	evt := domain.TriggerEvent{MonotonicTS: time.Now()}

	o.recordDetection(evt, analysis, domain.Apple)
	o.recordLabeling(0, domain.Apple, 2.0, true)

	if len(rec.detections) != 1 || rec.detections[0].Category != "APPLE" || rec.detections[0].Confidence != 0.9 {
		t.Fatalf("detections = %+v, want one APPLE/0.9 record", rec.detections)
	}
	if len(rec.labelings) != 1 || !rec.labelings[0].Success || rec.labelings[0].LabelerID != 0 {
		t.Fatalf("labelings = %+v, want one successful group-0 record", rec.labelings)
	}
}

func TestCategoryCountsAccumulatesPerCategory(t *testing.T) {
	o := &Orchestrator{log: zap.NewNop(), categoryCounts: make(map[domain.FruitCategory]int)}
	o.recordHistory(domain.Apple)
	o.recordHistory(domain.Apple)
	o.recordHistory(domain.Pear)

	counts := o.CategoryCounts()
	if counts["APPLE"] != 2 || counts["PEAR"] != 1 {
		t.Fatalf("CategoryCounts = %+v, want APPLE=2 PEAR=1", counts)
	}
}

func TestRecordDetectionAndLabelingNoopWithoutRecorder(t *testing.T) {
	o := &Orchestrator{log: zap.NewNop()}
	analysis := domain.FrameAnalysis{Detections: []domain.Detection{{ClassID: domain.Apple}}}
	o.recordDetection(domain.TriggerEvent{MonotonicTS: time.Now()}, analysis, domain.Apple)
	o.recordLabeling(0, domain.Apple, 2.0, true)
}

