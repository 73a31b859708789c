package hal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SimulationBackend is the non-negotiable default backend (spec §9 design
// notes require every component to run without real hardware present).
// It never touches a device file; all state lives in memory and every
// Capture synthesises a deterministic-shaped frame.
type SimulationBackend struct {
	log *zap.Logger

	mu   sync.Mutex
	pins map[int]bool // pin -> held
}

// NewSimulationBackend constructs a SimulationBackend.
func NewSimulationBackend(log *zap.Logger) *SimulationBackend {
	return &SimulationBackend{log: log.Named("hal.sim"), pins: make(map[int]bool)}
}

func (b *SimulationBackend) claim(pin int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pins[pin] {
		return fmt.Errorf("pin %d: %w", pin, ErrResourceBusy)
	}
	b.pins[pin] = true
	return nil
}

func (b *SimulationBackend) release(pin int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pins, pin)
}

func (b *SimulationBackend) OpenDigitalOut(cfg DigitalOutConfig) (DigitalOut, error) {
	if err := b.claim(cfg.Pin); err != nil {
		return nil, err
	}
	level := High
	if cfg.InitialLow {
		level = Low
	}
	d := &simDigitalOut{backend: b, cfg: cfg, level: level}
	b.log.Debug("digital out opened", zap.Int("pin", cfg.Pin), zap.Bool("active_low", cfg.ActiveLow))
	return d, nil
}

func (b *SimulationBackend) OpenDigitalIn(cfg DigitalInConfig) (DigitalIn, error) {
	if err := b.claim(cfg.Pin); err != nil {
		return nil, err
	}
	level := Low
	if cfg.PullUp {
		level = High
	}
	d := &simDigitalIn{backend: b, pin: cfg.Pin, level: level}
	b.log.Debug("digital in opened", zap.Int("pin", cfg.Pin))
	return d, nil
}

func (b *SimulationBackend) OpenPWM(cfg PwmOutConfig) (PwmOut, error) {
	if err := b.claim(cfg.Pin); err != nil {
		return nil, err
	}
	p := &simPwmOut{backend: b, pin: cfg.Pin, freq: cfg.FrequencyHz}
	b.log.Debug("pwm out opened", zap.Int("pin", cfg.Pin), zap.Float64("freq_hz", cfg.FrequencyHz))
	return p, nil
}

func (b *SimulationBackend) OpenFrameSource(cfg FrameSourceConfig) (FrameSource, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("frame source: invalid dimensions %dx%d: %w", cfg.Width, cfg.Height, ErrHardwareFault)
	}
	return &simFrameSource{cfg: cfg, log: b.log}, nil
}

func (b *SimulationBackend) Close() error { return nil }

type simDigitalOut struct {
	backend *SimulationBackend
	cfg     DigitalOutConfig
	mu      sync.Mutex
	level   Level
	closed  bool
}

func (d *simDigitalOut) Write(level Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNotReady
	}
	d.level = level
	return nil
}

func (d *simDigitalOut) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

func (d *simDigitalOut) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.backend.release(d.cfg.Pin)
	return nil
}

// simDigitalIn is a software-settable input pin: tests and the trigger
// source's simulated edge generator call SetLevel to synthesize edges.
type simDigitalIn struct {
	backend *SimulationBackend
	pin     int
	mu      sync.Mutex
	level   Level
	closed  bool
}

func (d *simDigitalIn) Read() (Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Low, ErrNotReady
	}
	return d.level, nil
}

// SetLevel is a simulation-only hook letting callers synthesize an edge.
func (d *simDigitalIn) SetLevel(level Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = level
}

func (d *simDigitalIn) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.backend.release(d.pin)
	return nil
}

type simPwmOut struct {
	backend *SimulationBackend
	pin     int
	mu      sync.Mutex
	freq    float64
	duty    float64
	closed  bool
}

func (p *simPwmOut) SetFrequency(hz float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrNotReady
	}
	p.freq = hz
	return nil
}

func (p *simPwmOut) SetDutyCycle(pct float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrNotReady
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("duty cycle %f out of [0,100]: %w", pct, ErrHardwareFault)
	}
	p.duty = pct
	return nil
}

func (p *simPwmOut) DutyCycle() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

func (p *simPwmOut) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.duty = 0
	p.closed = true
	p.backend.release(p.pin)
	return nil
}

type simFrameSource struct {
	cfg    FrameSourceConfig
	log    *zap.Logger
	mu     sync.Mutex
	closed bool
}

func (s *simFrameSource) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Frame{}, ErrNotReady
	}

	// Synthesise a frame-interval delay so timing-sensitive callers see
	// realistic latency even without a camera present.
	interval := time.Second
	if s.cfg.FPS > 0 {
		interval = time.Duration(float64(time.Second) / float64(s.cfg.FPS))
	}
	select {
	case <-time.After(interval):
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}

	data := make([]byte, s.cfg.Width*s.cfg.Height*3)
	_, _ = rand.Read(data)
	return Frame{Data: data, Width: s.cfg.Width, Height: s.cfg.Height, CapturedAt: time.Now()}, nil
}

func (s *simFrameSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
