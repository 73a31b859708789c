// Package positioner implements the C4 Group Positioner: a DC-motor-driven
// lift with one "down" position per labeler group, following the
// mutex-guarded activeGroup/lastMoveTS state-machine shape used throughout the
// teacher's escalation layer.
package positioner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/actuator"
)

// ErrNotCalibrated is returned by ActivateGroup before calibration completes.
var ErrNotCalibrated = errors.New("positioner: not calibrated")

// moveDuration and calibrationTime are vars (not const) so tests can shrink
// them for fast, deterministic execution.
var (
	moveDuration    = 1500 * time.Millisecond
	calibrationTime = 2 * time.Second
)

const moveDutyPct = 60.0

// Positioner drives one DC-motor lift shared across all three groups.
type Positioner struct {
	motor *actuator.DCMotorDriver
	log   *zap.Logger

	mu           sync.Mutex
	activeGroup  *int
	moving       bool
	calibrated   bool
	lastMoveTS   time.Time
}

// New wraps a DCMotorDriver. The returned Positioner starts uncalibrated.
func New(log *zap.Logger, motor *actuator.DCMotorDriver) *Positioner {
	return &Positioner{motor: motor, log: log.Named("positioner")}
}

// Calibrate runs the self-calibration sweep (~2s in simulation), establishing
// the reference position. Must be called once during bring-up.
func (p *Positioner) Calibrate(ctx context.Context) error {
	p.mu.Lock()
	p.moving = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.moving = false
		p.mu.Unlock()
	}()

	p.log.Info("positioner calibration sweep starting")
	if err := p.motor.Activate(ctx, calibrationTime.Seconds(), moveDutyPct); err != nil {
		return err
	}

	p.mu.Lock()
	p.calibrated = true
	p.activeGroup = nil
	p.mu.Unlock()
	p.log.Info("positioner calibrated")
	return nil
}

// ActiveGroup returns the currently active group, or -1 if none.
func (p *Positioner) ActiveGroup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeGroup == nil {
		return -1
	}
	return *p.activeGroup
}

// Moving reports whether a group switch is currently in progress.
func (p *Positioner) Moving() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moving
}

// Calibrated reports whether the initial calibration sweep has completed.
func (p *Positioner) Calibrated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calibrated
}

// ActivateGroup positions the lift so that group is the down (active) one.
// If group is already active, returns immediately. Otherwise runs a raise
// stage then a lower stage for the target group, each for ~1.5s at 60%
// duty; the raise stage runs even when no group is active yet (as right
// after calibration). While moving, Moving() reports true and the caller
// (orchestrator) must not issue LabelingCommands.
func (p *Positioner) ActivateGroup(ctx context.Context, group int) error {
	p.mu.Lock()
	if !p.calibrated {
		p.mu.Unlock()
		return ErrNotCalibrated
	}
	if p.activeGroup != nil && *p.activeGroup == group {
		p.mu.Unlock()
		return nil
	}
	p.moving = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.moving = false
		p.mu.Unlock()
	}()

	// (a) raise the currently-active group; runs even when none is active.
	if err := p.motor.Activate(ctx, moveDuration.Seconds(), moveDutyPct); err != nil {
		return err
	}
	// (b) lower the target group.
	if err := p.motor.Activate(ctx, moveDuration.Seconds(), moveDutyPct); err != nil {
		return err
	}

	p.mu.Lock()
	p.activeGroup = &group
	p.lastMoveTS = time.Now()
	p.mu.Unlock()
	return nil
}

// EmergencyStop clears moving, then cuts PWM duty to 0 and drives both
// direction pins low; the DC motor driver has no separate enable pin. No attempt is made to "park" the carriage — it is left where it is.
func (p *Positioner) EmergencyStop() {
	p.mu.Lock()
	p.moving = false
	p.mu.Unlock()
	_ = p.motor.Deactivate()
}

// LastMoveTS returns the timestamp of the most recently completed move.
func (p *Positioner) LastMoveTS() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMoveTS
}

// Close releases the underlying motor driver.
func (p *Positioner) Close() error {
	return p.motor.Close()
}
