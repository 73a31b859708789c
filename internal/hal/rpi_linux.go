//go:build linux

package hal

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// unsafeUint32Slice reinterprets an mmap'd byte slice as a uint32 register
// window. GPIO registers must be accessed as 32-bit words.
func unsafeUint32Slice(b []byte) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// RealBackend drives GPIO through a /dev/gpiomem mmap window, following the
// same open-file/mmap/close-on-release shape as a standard BCM283x GPIO
// register mapping. It provides software PWM (a ticker-driven duty-cycle
// toggle) rather than the hardware PWM peripheral, matching the precision
// the original controller's RPi.GPIO-based software PWM offered — adequate
// for servo/DC-motor control at the frequencies this system uses.
type RealBackend struct {
	log *zap.Logger

	mu   sync.Mutex
	mem  []byte // mmap'd register window
	regs []uint32
	pins map[int]bool
}

const (
	gpioMemSize = 4096
	gpioFSelBase = 0  // GPFSELn, words 0..5
	gpioSet0     = 7  // GPSET0, word 7
	gpioClr0     = 10 // GPCLR0, word 10
	gpioLev0     = 13 // GPLEV0, word 13
)

// NewRealBackend opens /dev/gpiomem and mmaps the BCM283x GPIO register window.
func NewRealBackend(log *zap.Logger) (*RealBackend, error) {
	f, err := os.OpenFile("/dev/gpiomem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("hal: open /dev/gpiomem: %w", err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, gpioMemSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hal: mmap /dev/gpiomem: %w", err)
	}

	return &RealBackend{
		log:  log.Named("hal.rpi"),
		mem:  mem,
		regs: unsafeUint32Slice(mem),
		pins: make(map[int]bool),
	}, nil
}

func (b *RealBackend) claim(pin int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pins[pin] {
		return fmt.Errorf("pin %d: %w", pin, ErrResourceBusy)
	}
	b.pins[pin] = true
	return nil
}

func (b *RealBackend) release(pin int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pins, pin)
}

func (b *RealBackend) setFunctionOutput(pin int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := gpioFSelBase + pin/10
	shift := uint(pin%10) * 3
	b.regs[reg] = (b.regs[reg] &^ (7 << shift)) | (1 << shift)
}

func (b *RealBackend) setLevel(pin int, high bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if high {
		b.regs[gpioSet0] = 1 << uint(pin)
	} else {
		b.regs[gpioClr0] = 1 << uint(pin)
	}
}

func (b *RealBackend) OpenDigitalOut(cfg DigitalOutConfig) (DigitalOut, error) {
	if err := b.claim(cfg.Pin); err != nil {
		return nil, err
	}
	b.setFunctionOutput(cfg.Pin)
	level := High
	if cfg.InitialLow {
		level = Low
	}
	d := &rpiDigitalOut{backend: b, cfg: cfg, level: level}
	if err := d.Write(level); err != nil {
		b.release(cfg.Pin)
		return nil, err
	}
	return d, nil
}

func (b *RealBackend) readLevel(pin int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[gpioLev0]&(1<<uint(pin)) != 0
}

func (b *RealBackend) OpenDigitalIn(cfg DigitalInConfig) (DigitalIn, error) {
	if err := b.claim(cfg.Pin); err != nil {
		return nil, err
	}
	// Function select 0b000 = input; no register write needed beyond the
	// reset default, but set it explicitly for determinism.
	b.mu.Lock()
	reg := gpioFSelBase + cfg.Pin/10
	shift := uint(cfg.Pin%10) * 3
	b.regs[reg] &^= 7 << shift
	b.mu.Unlock()
	return &rpiDigitalIn{backend: b, pin: cfg.Pin}, nil
}

func (b *RealBackend) OpenPWM(cfg PwmOutConfig) (PwmOut, error) {
	if err := b.claim(cfg.Pin); err != nil {
		return nil, err
	}
	b.setFunctionOutput(cfg.Pin)
	freq := cfg.FrequencyHz
	if freq <= 0 {
		freq = 50
	}
	p := &rpiPwmOut{backend: b, pin: cfg.Pin, freq: freq, stop: make(chan struct{})}
	go p.loop()
	return p, nil
}

func (b *RealBackend) OpenFrameSource(cfg FrameSourceConfig) (FrameSource, error) {
	return nil, fmt.Errorf("hal: real camera capture requires a platform-specific v4l2 binding, not wired: %w", ErrHardwareFault)
}

func (b *RealBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

type rpiDigitalOut struct {
	backend *RealBackend
	cfg     DigitalOutConfig
	mu      sync.Mutex
	level   Level
	closed  bool
}

func (d *rpiDigitalOut) Write(level Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNotReady
	}
	high := bool(level)
	if d.cfg.ActiveLow {
		high = !high
	}
	d.backend.setLevel(d.cfg.Pin, high)
	d.level = level
	return nil
}

func (d *rpiDigitalOut) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

func (d *rpiDigitalOut) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.backend.setLevel(d.cfg.Pin, d.cfg.ActiveLow)
	d.backend.release(d.cfg.Pin)
	return nil
}

type rpiDigitalIn struct {
	backend *RealBackend
	pin     int
	mu      sync.Mutex
	closed  bool
}

func (d *rpiDigitalIn) Read() (Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Low, ErrNotReady
	}
	return Level(d.backend.readLevel(d.pin)), nil
}

func (d *rpiDigitalIn) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.backend.release(d.pin)
	return nil
}

type rpiPwmOut struct {
	backend *RealBackend
	pin     int
	mu      sync.Mutex
	freq    float64
	duty    float64
	stop    chan struct{}
	closed  bool
}

// loop drives a software PWM: one goroutine per pin toggling the line at
// freq Hz with a duty-cycle-proportional high time. Adequate for servo
// (50Hz) and DC-motor (low-kHz) control, not for high-frequency power
// electronics.
func (p *rpiPwmOut) loop() {
	for {
		p.mu.Lock()
		freq, duty, closed := p.freq, p.duty, p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if freq <= 0 {
			freq = 50
		}
		period := time.Duration(float64(time.Second) / freq)
		highTime := time.Duration(float64(period) * duty / 100)
		lowTime := period - highTime

		if highTime > 0 {
			p.backend.setLevel(p.pin, true)
			select {
			case <-time.After(highTime):
			case <-p.stop:
				p.backend.setLevel(p.pin, false)
				return
			}
		}
		if lowTime > 0 {
			p.backend.setLevel(p.pin, false)
			select {
			case <-time.After(lowTime):
			case <-p.stop:
				return
			}
		}
	}
}

func (p *rpiPwmOut) SetFrequency(hz float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrNotReady
	}
	p.freq = hz
	return nil
}

func (p *rpiPwmOut) SetDutyCycle(pct float64) error {
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

func (p *rpiPwmOut) DutyCycle() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

func (p *rpiPwmOut) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.duty = 0
	p.mu.Unlock()
	close(p.stop)
	p.backend.release(p.pin)
	return nil
}
