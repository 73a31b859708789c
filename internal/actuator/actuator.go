// Package actuator implements the C2 Actuator Drivers: a common
// activate/deactivate/status contract over solenoid, servo, stepper
// (DRV8825), and H-bridge DC-motor hardware, each built on an
// internal/hal handle.
//
// The mutex-guarded-struct idiom (active flag plus lastFireTS) used by every driver here
// follows the teacher's escalation state machine shape, repointed from
// process isolation levels to actuator activity state.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chele-s/visifruit-controller/internal/hal"
)

// ErrActuatorBusy is returned when activate is called while the driver is
// already active.
var ErrActuatorBusy = errors.New("actuator: busy")

// ErrCancelled is returned when an activation is interrupted by context
// cancellation or emergency-stop before its hold time elapses.
var ErrCancelled = errors.New("actuator: cancelled")

// Kind identifies the driver variant for Status.
type Kind string

const (
	KindSolenoid Kind = "solenoid"
	KindServo    Kind = "servo"
	KindStepper  Kind = "stepper"
	KindDCMotor  Kind = "dc_motor"
)

// Status is the common driver status snapshot.
type Status struct {
	Kind       Kind
	Active     bool
	LastFireTS time.Time
}

// Driver is the common C2 contract every actuator variant implements.
type Driver interface {
	// Activate runs the driver for durationS seconds at intensityPct
	// (ignored by Solenoid). Returns ErrActuatorBusy if already active,
	// ErrCancelled if ctx is cancelled before completion.
	Activate(ctx context.Context, durationS float64, intensityPct float64) error
	// Deactivate forces the driver to its safe/off state immediately.
	// Always succeeds; used by emergency-stop.
	Deactivate() error
	Status() Status
	// Close releases the underlying hal handle(s). Idempotent.
	Close() error
}

// ─── Solenoid ──────────────────────────────────────────────────────────────────

// SolenoidDriver sets its output high for duration_s, then low. Intensity
// is ignored. Release is guaranteed on every exit path.
type SolenoidDriver struct {
	out hal.DigitalOut

	mu         sync.Mutex
	active     bool
	lastFireTS time.Time
}

// NewSolenoidDriver wraps a digital output handle.
func NewSolenoidDriver(out hal.DigitalOut) *SolenoidDriver {
	return &SolenoidDriver{out: out}
}

func (s *SolenoidDriver) Activate(ctx context.Context, durationS float64, _ float64) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrActuatorBusy
	}
	s.active = true
	s.lastFireTS = time.Now()
	s.mu.Unlock()

	defer s.Deactivate()

	if err := s.out.Write(hal.High); err != nil {
		return fmt.Errorf("solenoid activate: %w", err)
	}

	select {
	case <-time.After(time.Duration(durationS * float64(time.Second))):
		return nil
	case <-ctx.Done():
		// The energised hold runs to completion of whatever has already
		// fired in hardware; the deferred Deactivate releases it now.
		return ErrCancelled
	}
}

func (s *SolenoidDriver) Deactivate() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return s.out.Write(hal.Low)
}

func (s *SolenoidDriver) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Kind: KindSolenoid, Active: s.active, LastFireTS: s.lastFireTS}
}

func (s *SolenoidDriver) Close() error {
	_ = s.Deactivate()
	return s.out.Close()
}

// ─── Servo ─────────────────────────────────────────────────────────────────────

const servoFrequencyHz = 50.0

// ServoDriver moves to an angle via a 50Hz PWM pulse-width, then disables
// the PWM output to cut holding jitter.
type ServoDriver struct {
	out hal.PwmOut

	mu         sync.Mutex
	active     bool
	angle      float64
	lastFireTS time.Time
}

// NewServoDriver wraps a PWM output handle, configuring it for 50Hz.
func NewServoDriver(out hal.PwmOut) (*ServoDriver, error) {
	if err := out.SetFrequency(servoFrequencyHz); err != nil {
		return nil, fmt.Errorf("servo: set frequency: %w", err)
	}
	return &ServoDriver{out: out}, nil
}

// angleToDutyPct computes the PWM duty cycle for a servo angle in [0,180].
// Pulse width = 1.0ms + angle/180 * 1.0ms, at 50Hz (20ms period).
func angleToDutyPct(angle float64) float64 {
	pulseWidthMS := 1.0 + (angle/180.0)*1.0
	return (pulseWidthMS / 20.0) * 100.0
}

// settleDuration returns the bounded motion time for a move of deltaAngle
// degrees: |Δangle|/60° × 0.2s + 100ms.
func settleDuration(deltaAngle float64) time.Duration {
	if deltaAngle < 0 {
		deltaAngle = -deltaAngle
	}
	seconds := (deltaAngle/60.0)*0.2 + 0.1
	return time.Duration(seconds * float64(time.Second))
}

// MoveTo moves the servo to the given angle in degrees, blocking for the
// settle time. PWM is disabled after motion completes.
func (s *ServoDriver) MoveTo(ctx context.Context, angle float64) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrActuatorBusy
	}
	s.active = true
	prevAngle := s.angle
	s.angle = angle
	s.lastFireTS = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		_ = s.out.SetDutyCycle(0)
	}()

	if err := s.out.SetDutyCycle(angleToDutyPct(angle)); err != nil {
		return fmt.Errorf("servo move: %w", err)
	}

	select {
	case <-time.After(settleDuration(angle - prevAngle)):
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

// Activate satisfies Driver by treating intensityPct as a target angle in
// [0,180] and durationS as an additional hold after settling.
func (s *ServoDriver) Activate(ctx context.Context, durationS float64, intensityPct float64) error {
	angle := intensityPct / 100.0 * 180.0
	if err := s.MoveTo(ctx, angle); err != nil {
		return err
	}
	if durationS <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(durationS * float64(time.Second))):
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

func (s *ServoDriver) Deactivate() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return s.out.SetDutyCycle(0)
}

func (s *ServoDriver) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Kind: KindServo, Active: s.active, LastFireTS: s.lastFireTS}
}

func (s *ServoDriver) Close() error {
	_ = s.Deactivate()
	return s.out.Close()
}

// ─── Stepper (DRV8825) ─────────────────────────────────────────────────────────

// StepperDriver drives a step/dir/enable pin trio, translating intensity
// into a step rate.
type StepperDriver struct {
	step   hal.DigitalOut
	dir    hal.DigitalOut
	enable hal.DigitalOut

	mu         sync.Mutex
	active     bool
	lastFireTS time.Time
}

// NewStepperDriver wraps step/dir/enable digital output handles. enable
// may be nil if the driver has no enable line.
func NewStepperDriver(step, dir, enable hal.DigitalOut) *StepperDriver {
	return &StepperDriver{step: step, dir: dir, enable: enable}
}

// stepsPerSecond translates intensity_pct into a step rate per spec §4.2.
func stepsPerSecond(intensityPct float64) float64 {
	rate := 3000.0 * (intensityPct / 100.0)
	if rate < 100.0 {
		return 100.0
	}
	return rate
}

func (d *StepperDriver) Activate(ctx context.Context, durationS float64, intensityPct float64) error {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return ErrActuatorBusy
	}
	d.active = true
	d.lastFireTS = time.Now()
	d.mu.Unlock()

	defer d.Deactivate()

	if d.enable != nil {
		if err := d.enable.Write(hal.Low); err != nil { // active-low enable
			return fmt.Errorf("stepper enable: %w", err)
		}
	}

	sps := stepsPerSecond(intensityPct)
	stepInterval := time.Duration(float64(time.Second) / sps)
	halfPulse := time.Microsecond
	if stepInterval/2 > halfPulse {
		halfPulse = stepInterval / 2
	}

	deadline := time.Now().Add(time.Duration(durationS * float64(time.Second)))
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ErrCancelled
		default:
		}
		if err := d.step.Write(hal.High); err != nil {
			return fmt.Errorf("stepper pulse high: %w", err)
		}
		time.Sleep(halfPulse)
		if err := d.step.Write(hal.Low); err != nil {
			return fmt.Errorf("stepper pulse low: %w", err)
		}
		remaining := stepInterval - halfPulse
		if remaining > 0 {
			time.Sleep(remaining)
		}
	}
	return nil
}

func (d *StepperDriver) Deactivate() error {
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
	_ = d.step.Write(hal.Low)
	if d.enable != nil {
		return d.enable.Write(hal.High) // de-assert (active-low)
	}
	return nil
}

func (d *StepperDriver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Kind: KindStepper, Active: d.active, LastFireTS: d.lastFireTS}
}

func (d *StepperDriver) Close() error {
	_ = d.Deactivate()
	_ = d.step.Close()
	_ = d.dir.Close()
	if d.enable != nil {
		_ = d.enable.Close()
	}
	return nil
}

// ─── DC motor with H-bridge ────────────────────────────────────────────────────

// DCMotorDriver drives a two-direction-pin, one-PWM H-bridge.
type DCMotorDriver struct {
	dirA hal.DigitalOut
	dirB hal.DigitalOut
	pwm  hal.PwmOut

	mu         sync.Mutex
	active     bool
	lastFireTS time.Time
}

// NewDCMotorDriver wraps direction pins and a PWM pin.
func NewDCMotorDriver(dirA, dirB hal.DigitalOut, pwm hal.PwmOut) *DCMotorDriver {
	return &DCMotorDriver{dirA: dirA, dirB: dirB, pwm: pwm}
}

// Activate drives forward at intensityPct duty for durationS, then stops.
func (d *DCMotorDriver) Activate(ctx context.Context, durationS float64, intensityPct float64) error {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return ErrActuatorBusy
	}
	d.active = true
	d.lastFireTS = time.Now()
	d.mu.Unlock()

	defer d.Deactivate()

	if err := d.forward(intensityPct); err != nil {
		return err
	}

	select {
	case <-time.After(time.Duration(durationS * float64(time.Second))):
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

// forward sets dir_a=1, dir_b=0, duty=d.
func (d *DCMotorDriver) forward(dutyPct float64) error {
	if err := d.dirA.Write(hal.High); err != nil {
		return fmt.Errorf("dc motor dir_a: %w", err)
	}
	if err := d.dirB.Write(hal.Low); err != nil {
		return fmt.Errorf("dc motor dir_b: %w", err)
	}
	return d.pwm.SetDutyCycle(dutyPct)
}

// Deactivate sets duty to 0, then both direction pins low (stop/coast).
func (d *DCMotorDriver) Deactivate() error {
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
	if err := d.pwm.SetDutyCycle(0); err != nil {
		return err
	}
	_ = d.dirA.Write(hal.Low)
	return d.dirB.Write(hal.Low)
}

func (d *DCMotorDriver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{Kind: KindDCMotor, Active: d.active, LastFireTS: d.lastFireTS}
}

func (d *DCMotorDriver) Close() error {
	_ = d.Deactivate()
	_ = d.dirA.Close()
	_ = d.dirB.Close()
	return d.pwm.Close()
}
