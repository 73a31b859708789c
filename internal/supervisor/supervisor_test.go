package supervisor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/storage"
)

func newTestSupervisor(bringup Bringup) *Supervisor {
	return New(zap.NewNop(), bringup, nil)
}

func runSupervisor(t *testing.T, s *Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return cancel
}

func TestInitialiseRunsStepsInOrderAndReachesIdle(t *testing.T) {
	var order []string
	step := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	s := newTestSupervisor(Bringup{
		Camera: step("camera"), Detection: step("detection"), Belt: step("belt"),
		Positioner: step("positioner"), Labelers: step("labelers"), Sensors: step("sensors"),
		Diverters: step("diverters"), Database: step("database"), API: step("api"),
	})
	cancel := runSupervisor(t, s)
	defer cancel()

	if err := s.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	if s.State() != domain.StateIdle {
		t.Fatalf("State() = %v, want idle", s.State())
	}
	want := []string{"camera", "detection", "belt", "positioner", "labelers", "sensors", "diverters", "database", "api"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestInitialiseFailureTransitionsToError(t *testing.T) {
	s := newTestSupervisor(Bringup{
		Camera:    func(context.Context) error { return nil },
		Detection: func(context.Context) error { return context.DeadlineExceeded },
	})
	cancel := runSupervisor(t, s)
	defer cancel()

	if err := s.Initialise(context.Background()); err == nil {
		t.Fatal("expected Initialise to propagate the detection step's error")
	}
	if s.State() != domain.StateError {
		t.Fatalf("State() = %v, want error", s.State())
	}
}

func TestStartStopProductionRoundTrip(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	cancel := runSupervisor(t, s)
	defer cancel()
	if err := s.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise: %v", err)
	}

	var beltStarted, beltStopped bool
	if err := s.StartProduction(func() error { beltStarted = true; return nil }); err != nil {
		t.Fatalf("StartProduction: %v", err)
	}
	if s.State() != domain.StateRunning || !beltStarted {
		t.Fatalf("State() = %v, beltStarted = %v", s.State(), beltStarted)
	}
	if err := s.StopProduction(func() error { beltStopped = true; return nil }); err != nil {
		t.Fatalf("StopProduction: %v", err)
	}
	if s.State() != domain.StateIdle || !beltStopped {
		t.Fatalf("State() = %v, beltStopped = %v", s.State(), beltStopped)
	}
}

func TestStartProductionIllegalFromOffline(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	cancel := runSupervisor(t, s)
	defer cancel()
	if err := s.StartProduction(nil); err != ErrInvalidTransition {
		t.Fatalf("StartProduction from offline = %v, want ErrInvalidTransition", err)
	}
}

func TestEmergencyStopLegalFromAnyStateAndRunsHooks(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	cancel := runSupervisor(t, s)
	defer cancel()

	hookRan := false
	s.RegisterEmergencyHook(func() { hookRan = true })

	if err := s.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if s.State() != domain.StateEmergencyStop {
		t.Fatalf("State() = %v, want emergency_stop", s.State())
	}
	if !hookRan {
		t.Fatal("emergency hook did not run")
	}
}

func TestEmergencyChannelDrainedBeforeNormalQueue(t *testing.T) {
	s := newTestSupervisor(Bringup{})

	var order []string
	normalDone := make(chan error, 1)
	emergDone := make(chan error, 1)
	// Enqueue directly (bypassing submit/submitEmergency, which would block
	// this goroutine on <-done before Run starts draining) so both
	// commands are waiting when the dispatcher's first loop iteration
	// runs its priority check.
	s.cmdCh <- command{name: "normal", fn: func() error { order = append(order, "normal"); return nil }, done: normalDone}
	s.emergCh <- command{name: "emerg", fn: func() error { order = append(order, "emerg"); return nil }, done: emergDone}

	cancel := runSupervisor(t, s)
	defer cancel()

	select {
	case <-emergDone:
	case <-time.After(time.Second):
		t.Fatal("emergency command never ran")
	}
	select {
	case <-normalDone:
	case <-time.After(time.Second):
		t.Fatal("normal command never ran")
	}

	if len(order) != 2 || order[0] != "emerg" {
		t.Fatalf("order = %v, want emerg to run first", order)
	}
}

func TestRecoverFromEmergencyStopReturnsToIdle(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	cancel := runSupervisor(t, s)
	defer cancel()
	if err := s.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	if err := s.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if err := s.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if s.State() != domain.StateIdle {
		t.Fatalf("State() = %v, want idle", s.State())
	}
}

func TestShutdownRunsStepsInReverseOrder(t *testing.T) {
	var order []string
	step := func(name string) func() error {
		return func() error { order = append(order, name); return nil }
	}
	s := newTestSupervisor(Bringup{
		ShutdownCamera: step("camera"), ShutdownDetection: step("detection"),
		ShutdownAPI: step("api"), ShutdownDatabase: step("database"),
	})
	cancel := runSupervisor(t, s)
	defer cancel()

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.State() != domain.StateOffline {
		t.Fatalf("State() = %v, want offline", s.State())
	}
	want := []string{"api", "database", "detection", "camera"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRaiseAlertCoalescesRepeats(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	s.RaiseAlert(AlertWarning, "trigger", "queue overflow")
	s.RaiseAlert(AlertWarning, "trigger", "queue overflow")
	s.RaiseAlert(AlertWarning, "trigger", "queue overflow")

	alerts := s.RecentAlerts(10)
	if len(alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1 (coalesced)", len(alerts))
	}
	if alerts[0].OccurrenceCount != 3 {
		t.Fatalf("OccurrenceCount = %d, want 3", alerts[0].OccurrenceCount)
	}
}

func TestRaiseAlertDistinctMessagesNotCoalesced(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	s.RaiseAlert(AlertWarning, "trigger", "queue overflow")
	s.RaiseAlert(AlertCritical, "labeler", "head 3 failed")

	if len(s.RecentAlerts(10)) != 2 {
		t.Fatalf("expected 2 distinct alerts, got %d", len(s.RecentAlerts(10)))
	}
}

type fakeAlertRecorder struct {
	alerts []storage.AlertRecord
}

func (f *fakeAlertRecorder) PutAlert(rec storage.AlertRecord) error {
	f.alerts = append(f.alerts, rec)
	return nil
}

func TestRaiseAlertPersistsWhenRecorderSet(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	rec := &fakeAlertRecorder{}
	s.SetAlertRecorder(rec)

	s.RaiseAlert(AlertCritical, "belt", "relay stuck on")

	if len(rec.alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(rec.alerts))
	}
	if rec.alerts[0].Component != "belt" || rec.alerts[0].Level != string(AlertCritical) {
		t.Fatalf("persisted alert = %+v, want component=belt level=critical", rec.alerts[0])
	}
}

func TestRaiseAlertNoopRecorderByDefault(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	// Must not panic with no recorder set (the default).
	s.RaiseAlert(AlertInfo, "api", "client connected")
}

func TestSubscribeReceivesNewAlerts(t *testing.T) {
	s := newTestSupervisor(Bringup{})
	sub := s.Subscribe()
	s.RaiseAlert(AlertInfo, "api", "client connected")

	select {
	case a := <-sub:
		if a.Component != "api" {
			t.Fatalf("Component = %q, want api", a.Component)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the alert")
	}
}

type fakeSampler struct {
	sample WatchdogSample
}

func (f *fakeSampler) Sample() WatchdogSample { return f.sample }

func TestWatchdogDemotesAfterTwoConsecutiveCriticalBreaches(t *testing.T) {
	sampler := &fakeSampler{sample: WatchdogSample{OrchestratorBacklog: 999}}
	s := New(zap.NewNop(), Bringup{}, sampler)
	watchdogInterval = time.Millisecond
	defer func() { watchdogInterval = 5 * time.Second }()

	cancel := runSupervisor(t, s)
	defer cancel()
	if err := s.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	if err := s.StartProduction(nil); err != nil {
		t.Fatalf("StartProduction: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == domain.StateError {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("watchdog did not demote to error within the deadline, state = %v", s.State())
}
