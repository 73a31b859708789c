// Package hal is the Hardware Abstraction layer (spec component C1).
//
// It exposes three handle types — DigitalOut, PwmOut, FrameSource — behind
// a single Backend interface, so every actuator and camera collaborator in
// this repository talks to the same small contract regardless of whether
// it is driving real GPIO/PWM/camera hardware or a deterministic
// simulation. Exactly one Backend implementation is selected at startup
// (never both): SimulationBackend for development and tests, RealBackend
// (Linux/ARM, /dev/gpiomem-backed) in the field.
//
// Handle lifecycle: every handle's Close is idempotent — calling it twice
// is not an error, matching the teacher's driver-contract shape where
// cleanup can run from both a normal shutdown path and an emergency-stop
// path without coordination between them.
package hal

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors per the error taxonomy (spec §7).
var (
	// ErrResourceBusy is returned when a handle is already in use.
	ErrResourceBusy = errors.New("hal: resource busy")
	// ErrNotReady is returned when a handle is used before Open completes.
	ErrNotReady = errors.New("hal: not ready")
	// ErrHardwareFault is returned when the underlying hardware refuses service.
	ErrHardwareFault = errors.New("hal: hardware fault")
)

// Level is a digital pin level.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// DigitalOut is a single digital output pin (relay, solenoid gate, enable line).
type DigitalOut interface {
	// Write sets the pin level. ActiveLow inversion, if configured, is
	// applied by the implementation — callers always pass the logical level.
	Write(level Level) error
	// Level returns the last level written.
	Level() Level
	// Close releases the pin. Idempotent.
	Close() error
}

// PwmOut is a PWM-capable output pin (servo, DC motor driver, stepper step line).
type PwmOut interface {
	// SetFrequency sets the PWM frequency in Hz. May only be called before
	// the first SetDutyCycle on some backends; the simulation backend allows
	// it at any time.
	SetFrequency(hz float64) error
	// SetDutyCycle sets the duty cycle as a percentage in [0, 100].
	SetDutyCycle(pct float64) error
	// DutyCycle returns the last duty cycle set.
	DutyCycle() float64
	// Close releases the pin, setting duty cycle to 0. Idempotent.
	Close() error
}

// DigitalIn is a single digital input pin (trigger sensor, limit switch).
type DigitalIn interface {
	// Read returns the current pin level.
	Read() (Level, error)
	// Close releases the pin. Idempotent.
	Close() error
}

// Frame is a single captured camera frame.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// FrameSource is a camera collaborator.
type FrameSource interface {
	// Capture blocks until a frame is available, ctx is cancelled, or the
	// source fails. Cancellation via ctx returns context.Canceled.
	Capture(ctx context.Context) (Frame, error)
	// Close releases the camera. Idempotent.
	Close() error
}

// DigitalOutConfig configures a single digital output pin.
type DigitalOutConfig struct {
	Pin        int
	ActiveLow  bool
	InitialLow bool // initial level is Low when true, else High
}

// PwmOutConfig configures a single PWM output pin.
type PwmOutConfig struct {
	Pin       int
	FrequencyHz float64
}

// DigitalInConfig configures a single digital input pin.
type DigitalInConfig struct {
	Pin    int
	PullUp bool
}

// FrameSourceConfig configures the camera collaborator.
type FrameSourceConfig struct {
	Width  int
	Height int
	FPS    int
	// DevicePath is the backend-specific camera device identifier (e.g.
	// "/dev/video0"). Ignored by the simulation backend.
	DevicePath string
}

// Backend constructs hardware handles. Exactly one implementation is wired
// into the process at startup, selected by configuration (mock vs. a real
// device type), never switched at runtime.
type Backend interface {
	OpenDigitalOut(cfg DigitalOutConfig) (DigitalOut, error)
	OpenDigitalIn(cfg DigitalInConfig) (DigitalIn, error)
	OpenPWM(cfg PwmOutConfig) (PwmOut, error)
	OpenFrameSource(cfg FrameSourceConfig) (FrameSource, error)
	// Close releases any backend-wide resources (the mmap'd register window
	// on the real backend; a no-op on the simulation backend).
	Close() error
}
