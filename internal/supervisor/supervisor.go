// Package supervisor implements the C9 Supervisor: the single owner of
// SystemState, the process lifecycle (initialise/start/stop/emergency_stop/
// shutdown), the alert bus, and the 5-second watchdog.
//
// The state-transition shape — a mutex-guarded current/enteredAt pair with
// monotonic-only escalation performed by one authority and decay performed
// by another — is adapted from the teacher's
// internal/escalation/state_machine.go ProcessState, repointed from a
// per-PID isolation ladder to the single global SystemState the spec
// defines. Unlike the teacher's ladder, SystemState is not a strict total
// order (emergency_stop is reachable from anywhere and recovery can return
// to idle), so transitions are validated against an explicit adjacency
// table rather than a "target > current" comparison.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/storage"
)

// ErrInvalidTransition is returned when a requested transition is not
// legal from the current state.
var ErrInvalidTransition = errors.New("supervisor: invalid state transition")

// AlertLevel classifies an alert's severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is one entry on the alert bus.
type Alert struct {
	Level           AlertLevel
	Component       string
	Message         string
	Details         string
	TS              time.Time
	OccurrenceCount int
}

// alertCoalesceWindow is the period within which identical
// (component, message) alerts are coalesced into one entry with an
// incremented occurrence_count, rather than emitted separately.
const alertCoalesceWindow = 5 * time.Minute

// watchdogInterval is the Watchdog's polling period (spec §4.9).
var watchdogInterval = 5 * time.Second

// maxAlertHistory bounds the in-memory alert log surfaced by GET /status.
const maxAlertHistory = 200

// Bringup is the set of bring-up/teardown steps Initialise/Shutdown invoke,
// one per C1..C8 subsystem plus storage and the API, in the order spec
// §4.9 names them: camera, detection, belt, positioner, labelers, sensors,
// diverters, database, API.
type Bringup struct {
	Camera     func(ctx context.Context) error
	Detection  func(ctx context.Context) error
	Belt       func(ctx context.Context) error
	Positioner func(ctx context.Context) error
	Labelers   func(ctx context.Context) error
	Sensors    func(ctx context.Context) error
	Diverters  func(ctx context.Context) error
	Database   func(ctx context.Context) error
	API        func(ctx context.Context) error

	ShutdownCamera     func() error
	ShutdownDetection  func() error
	ShutdownBelt       func() error
	ShutdownPositioner func() error
	ShutdownLabelers   func() error
	ShutdownSensors    func() error
	ShutdownDiverters  func() error
	ShutdownDatabase   func() error
	ShutdownAPI        func() error
}

// steps returns the bring-up steps in spec order, each paired with its name
// for error reporting.
func (b Bringup) steps() []struct {
	name string
	fn   func(ctx context.Context) error
} {
	return []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"camera", b.Camera},
		{"detection", b.Detection},
		{"belt", b.Belt},
		{"positioner", b.Positioner},
		{"labelers", b.Labelers},
		{"sensors", b.Sensors},
		{"diverters", b.Diverters},
		{"database", b.Database},
		{"api", b.API},
	}
}

func (b Bringup) shutdownSteps() []func() error {
	// Reverse of bring-up order.
	return []func() error{
		b.ShutdownAPI, b.ShutdownDatabase, b.ShutdownDiverters, b.ShutdownSensors,
		b.ShutdownLabelers, b.ShutdownPositioner, b.ShutdownBelt, b.ShutdownDetection,
		b.ShutdownCamera,
	}
}

// WatchdogSample is one watchdog sweep's worth of health observations,
// supplied by the caller (the orchestrator/trigger/labeler collaborators
// the supervisor does not own directly).
type WatchdogSample struct {
	WorkersHealthy      int
	WorkersTotal        int
	TriggerFillRatio    float64 // channel depth / capacity
	OrchestratorBacklog int
	MaxFireLagSeconds   float64 // worst last_fire_ts lag across components
}

// WatchdogThresholds bounds what counts as a critical breach.
type WatchdogThresholds struct {
	MinHealthyWorkerFraction float64
	MaxTriggerFillRatio      float64
	MaxOrchestratorBacklog   int
	MaxFireLagSeconds        float64
}

func defaultThresholds() WatchdogThresholds {
	return WatchdogThresholds{
		MinHealthyWorkerFraction: 0.5,
		MaxTriggerFillRatio:      0.9,
		MaxOrchestratorBacklog:   8,
		MaxFireLagSeconds:        30,
	}
}

// Sampler supplies the watchdog's live health snapshot each tick.
type Sampler interface {
	Sample() WatchdogSample
}

// alertRecorder is the narrow persistence dependency RaiseAlert uses.
// *storage.DB satisfies it. Optional: a nil recorder (the default) leaves
// the in-memory alert bus and WebSocket feed unaffected.
type alertRecorder interface {
	PutAlert(rec storage.AlertRecord) error
}

// EmergencyHook is invoked synchronously right after the state flips to
// emergency_stop, giving the caller a chance to cancel in-flight
// orchestrator work and zero actuator outputs.
type EmergencyHook func()

// Supervisor owns SystemState and the alert bus.
type Supervisor struct {
	log *zap.Logger

	mu        sync.Mutex
	state     domain.SystemState
	enteredAt time.Time

	bringup Bringup
	sampler Sampler
	thresh  WatchdogThresholds

	emergencyHooks []EmergencyHook
	recorder       alertRecorder

	alertsMu      sync.Mutex
	alertHistory  []Alert
	recentAlerts  map[string]*Alert // key: component + "\x00" + message
	alertSubs     []chan Alert

	cmdCh     chan command
	emergCh   chan command
	watchDone chan struct{}

	consecutiveCritical int
}

type command struct {
	name string
	fn   func() error
	done chan error
}

// New constructs a Supervisor in the offline state.
func New(log *zap.Logger, bringup Bringup, sampler Sampler) *Supervisor {
	return &Supervisor{
		log:          log.Named("supervisor"),
		state:        domain.StateOffline,
		enteredAt:    time.Now(),
		bringup:      bringup,
		sampler:      sampler,
		thresh:       defaultThresholds(),
		recentAlerts: make(map[string]*Alert),
		cmdCh:        make(chan command, 16),
		emergCh:      make(chan command, 4),
		watchDone:    make(chan struct{}),
	}
}

// RegisterEmergencyHook adds a callback invoked when emergency_stop fires.
func (s *Supervisor) RegisterEmergencyHook(h EmergencyHook) {
	s.mu.Lock()
	s.emergencyHooks = append(s.emergencyHooks, h)
	s.mu.Unlock()
}

// SetAlertRecorder attaches the optional alert-persistence dependency. Call
// once, before the first RaiseAlert. A nil recorder (the default) disables
// persistence without affecting the in-memory alert bus.
func (s *Supervisor) SetAlertRecorder(r alertRecorder) {
	s.recorder = r
}

// State returns the current SystemState.
func (s *Supervisor) State() domain.SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TimeInState returns how long the Supervisor has held its current state.
func (s *Supervisor) TimeInState() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.enteredAt)
}

// Run starts the serialized command dispatcher and the watchdog. It blocks
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	go s.watchdogLoop(ctx)
	for {
		// Drain the emergency channel first so an emergency_stop queued
		// behind a slow normal command still preempts it (spec §5
		// "Priorities").
		select {
		case cmd := <-s.emergCh:
			cmd.done <- cmd.fn()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			close(s.watchDone)
			return
		case cmd := <-s.emergCh:
			cmd.done <- cmd.fn()
		case cmd := <-s.cmdCh:
			cmd.done <- cmd.fn()
		}
	}
}

// submit enqueues a command and waits for it to run; emergency_stop always
// goes through submitEmergency so it preempts the normal queue.
func (s *Supervisor) submit(name string, fn func() error) error {
	done := make(chan error, 1)
	s.cmdCh <- command{name: name, fn: fn, done: done}
	return <-done
}

func (s *Supervisor) submitEmergency(name string, fn func() error) error {
	done := make(chan error, 1)
	s.emergCh <- command{name: name, fn: fn, done: done}
	return <-done
}

// transition validates and applies a state change.
func (s *Supervisor) transition(from []domain.SystemState, to domain.SystemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := false
	for _, f := range from {
		if s.state == f {
			ok = true
			break
		}
	}
	if !ok {
		return ErrInvalidTransition
	}
	s.state = to
	s.enteredAt = time.Now()
	return nil
}

// Initialise orders bring-up of C1..C8, storage, and the API. Any step
// failure transitions to error and stops.
func (s *Supervisor) Initialise(ctx context.Context) error {
	return s.submit("initialise", func() error {
		if err := s.transition([]domain.SystemState{domain.StateOffline}, domain.StateInitialising); err != nil {
			return err
		}
		for _, step := range s.bringup.steps() {
			if step.fn == nil {
				continue
			}
			if err := step.fn(ctx); err != nil {
				s.mu.Lock()
				s.state = domain.StateError
				s.enteredAt = time.Now()
				s.mu.Unlock()
				s.RaiseAlert(AlertCritical, "supervisor", "initialise failed at "+step.name+": "+err.Error())
				return err
			}
		}
		return s.transition([]domain.SystemState{domain.StateInitialising}, domain.StateIdle)
	})
}

// StartProduction enters running, then calls startBelt (if non-nil). Legal
// only from idle. It does not clear the trigger or orchestrator queues.
func (s *Supervisor) StartProduction(startBelt func() error) error {
	return s.submit("start_production", func() error {
		if err := s.transition([]domain.SystemState{domain.StateIdle}, domain.StateRunning); err != nil {
			return err
		}
		if startBelt != nil {
			if err := startBelt(); err != nil {
				return err
			}
		}
		return nil
	})
}

// StopProduction enters idle, then calls stopBelt (if non-nil). Legal only
// from running or processing. It does not wait for in-flight pipeline runs
// to drain.
func (s *Supervisor) StopProduction(stopBelt func() error) error {
	return s.submit("stop_production", func() error {
		if err := s.transition([]domain.SystemState{domain.StateRunning, domain.StateProcessing}, domain.StateIdle); err != nil {
			return err
		}
		if stopBelt != nil {
			return stopBelt()
		}
		return nil
	})
}

// EmergencyStop is legal from any state and runs on the high-priority
// emergency channel so it preempts queued normal commands.
func (s *Supervisor) EmergencyStop() error {
	return s.submitEmergency("emergency_stop", func() error {
		s.mu.Lock()
		s.state = domain.StateEmergencyStop
		s.enteredAt = time.Now()
		hooks := append([]EmergencyHook(nil), s.emergencyHooks...)
		s.mu.Unlock()
		for _, h := range hooks {
			h()
		}
		s.RaiseAlert(AlertCritical, "supervisor", "emergency stop engaged")
		return nil
	})
}

// Recover transitions from emergency_stop back to idle once an operator
// has confirmed it is safe to resume.
func (s *Supervisor) Recover() error {
	return s.submit("recover", func() error {
		if err := s.transition([]domain.SystemState{domain.StateEmergencyStop, domain.StateError}, domain.StateRecovery); err != nil {
			return err
		}
		return s.transition([]domain.SystemState{domain.StateRecovery}, domain.StateIdle)
	})
}

// Shutdown runs the reverse of Initialise's bring-up order.
func (s *Supervisor) Shutdown() error {
	return s.submit("shutdown", func() error {
		s.mu.Lock()
		s.state = domain.StateShuttingDown
		s.enteredAt = time.Now()
		s.mu.Unlock()
		var firstErr error
		for _, fn := range s.bringup.shutdownSteps() {
			if fn == nil {
				continue
			}
			if err := fn(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.mu.Lock()
		s.state = domain.StateOffline
		s.enteredAt = time.Now()
		s.mu.Unlock()
		return firstErr
	})
}

// RaiseAlert posts an alert, coalescing repeats of the same (component,
// message) pair within alertCoalesceWindow into one entry with an
// incremented OccurrenceCount.
func (s *Supervisor) RaiseAlert(level AlertLevel, component, message string) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	key := component + "\x00" + message
	now := time.Now()
	if existing, ok := s.recentAlerts[key]; ok && now.Sub(existing.TS) < alertCoalesceWindow {
		existing.OccurrenceCount++
		existing.TS = now
		return
	}
	a := Alert{Level: level, Component: component, Message: message, TS: now, OccurrenceCount: 1}
	s.recentAlerts[key] = &a
	s.alertHistory = append(s.alertHistory, a)
	if len(s.alertHistory) > maxAlertHistory {
		s.alertHistory = s.alertHistory[len(s.alertHistory)-maxAlertHistory:]
	}
	for _, sub := range s.alertSubs {
		select {
		case sub <- a:
		default:
		}
	}
	s.log.Warn("alert raised", zap.String("level", string(level)), zap.String("component", component), zap.String("message", message))

	if s.recorder != nil {
		rec := storage.AlertRecord{
			ID:              component + ":" + message,
			Timestamp:       now,
			Level:           string(level),
			Component:       component,
			Message:         message,
			OccurrenceCount: 1,
		}
		if err := s.recorder.PutAlert(rec); err != nil {
			s.log.Warn("alert persist failed", zap.Error(err))
		}
	}
}

// Subscribe returns a channel of newly raised alerts, for the API's
// WebSocket broadcaster. The channel is buffered; slow consumers miss
// alerts rather than blocking the bus.
func (s *Supervisor) Subscribe() <-chan Alert {
	ch := make(chan Alert, 32)
	s.alertsMu.Lock()
	s.alertSubs = append(s.alertSubs, ch)
	s.alertsMu.Unlock()
	return ch
}

// RecentAlerts returns up to n of the most recent alerts, most recent last.
func (s *Supervisor) RecentAlerts(n int) []Alert {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	if n <= 0 || n > len(s.alertHistory) {
		n = len(s.alertHistory)
	}
	out := make([]Alert, n)
	copy(out, s.alertHistory[len(s.alertHistory)-n:])
	return out
}

// watchdogLoop runs the 5-second health sweep described in spec §4.9.
func (s *Supervisor) watchdogLoop(ctx context.Context) {
	if s.sampler == nil {
		return
	}
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.watchdogTick()
		}
	}
}

func (s *Supervisor) watchdogTick() {
	sample := s.sampler.Sample()
	critical := false

	if sample.WorkersTotal > 0 {
		frac := float64(sample.WorkersHealthy) / float64(sample.WorkersTotal)
		if frac < s.thresh.MinHealthyWorkerFraction {
			s.RaiseAlert(AlertWarning, "watchdog", "healthy worker fraction below threshold")
			critical = true
		}
	}
	if sample.TriggerFillRatio > s.thresh.MaxTriggerFillRatio {
		s.RaiseAlert(AlertWarning, "watchdog", "trigger channel nearly full")
		critical = true
	}
	if sample.OrchestratorBacklog > s.thresh.MaxOrchestratorBacklog {
		s.RaiseAlert(AlertWarning, "watchdog", "orchestrator backlog above threshold")
		critical = true
	}
	if sample.MaxFireLagSeconds > s.thresh.MaxFireLagSeconds {
		s.RaiseAlert(AlertWarning, "watchdog", "component fire lag above threshold")
		critical = true
	}

	s.mu.Lock()
	if critical {
		s.consecutiveCritical++
	} else {
		s.consecutiveCritical = 0
	}
	demote := s.consecutiveCritical >= 2 && s.state == domain.StateRunning
	if demote {
		s.state = domain.StateError
		s.enteredAt = time.Now()
	}
	s.mu.Unlock()

	if demote {
		s.RaiseAlert(AlertCritical, "watchdog", "two consecutive critical breaches, demoting to error")
	}
}
