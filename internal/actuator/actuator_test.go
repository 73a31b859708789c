package actuator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/hal"
)

func newSimDigitalOut(t *testing.T, b *hal.SimulationBackend, pin int) hal.DigitalOut {
	t.Helper()
	d, err := b.OpenDigitalOut(hal.DigitalOutConfig{Pin: pin})
	if err != nil {
		t.Fatalf("OpenDigitalOut(%d): %v", pin, err)
	}
	return d
}

func newSimPwmOut(t *testing.T, b *hal.SimulationBackend, pin int) hal.PwmOut {
	t.Helper()
	p, err := b.OpenPWM(hal.PwmOutConfig{Pin: pin})
	if err != nil {
		t.Fatalf("OpenPWM(%d): %v", pin, err)
	}
	return p
}

func TestSolenoidActivateHoldsThenReleases(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	out := newSimDigitalOut(t, b, 1)
	d := NewSolenoidDriver(out)
	defer d.Close()

	start := time.Now()
	if err := d.Activate(context.Background(), 0.02, 0); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Activate returned after %v, want >= 20ms", elapsed)
	}
	if out.Level() != hal.Low {
		t.Fatal("solenoid must be released (Low) after Activate returns")
	}
	if d.Status().Active {
		t.Fatal("Status().Active must be false after Activate returns")
	}
}

func TestSolenoidActivateBusyWhileActive(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	d := NewSolenoidDriver(newSimDigitalOut(t, b, 2))
	defer d.Close()

	done := make(chan struct{})
	go func() {
		_ = d.Activate(context.Background(), 0.05, 0)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)

	if err := d.Activate(context.Background(), 0.01, 0); err != ErrActuatorBusy {
		t.Fatalf("Activate while active = %v, want ErrActuatorBusy", err)
	}
	<-done
}

func TestSolenoidActivateCancelledReleasesAnyway(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	out := newSimDigitalOut(t, b, 3)
	d := NewSolenoidDriver(out)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Activate(ctx, 1, 0); err != ErrCancelled {
		t.Fatalf("Activate with cancelled ctx = %v, want ErrCancelled", err)
	}
	if out.Level() != hal.Low {
		t.Fatal("solenoid must release on cancellation")
	}
}

func TestAngleToDutyPct(t *testing.T) {
	cases := []struct {
		angle float64
		want  float64
	}{
		{0, 5.0},
		{90, 7.5},
		{180, 10.0},
	}
	for _, c := range cases {
		if got := angleToDutyPct(c.angle); got < c.want-0.01 || got > c.want+0.01 {
			t.Errorf("angleToDutyPct(%v) = %v, want %v", c.angle, got, c.want)
		}
	}
}

func TestServoMoveToSetsDutyAndZeroesAfter(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	pwm := newSimPwmOut(t, b, 4)
	s, err := NewServoDriver(pwm)
	if err != nil {
		t.Fatalf("NewServoDriver: %v", err)
	}
	defer s.Close()

	if err := s.MoveTo(context.Background(), 90); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if pwm.DutyCycle() != 0 {
		t.Fatalf("DutyCycle after settle = %v, want 0 (PWM disabled post-move)", pwm.DutyCycle())
	}
}

func TestServoMoveToBusyWhileActive(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	s, err := NewServoDriver(newSimPwmOut(t, b, 5))
	if err != nil {
		t.Fatalf("NewServoDriver: %v", err)
	}
	defer s.Close()

	done := make(chan struct{})
	go func() {
		_ = s.MoveTo(context.Background(), 180)
		close(done)
	}()
	time.Sleep(2 * time.Millisecond)
	if err := s.MoveTo(context.Background(), 0); err != ErrActuatorBusy {
		t.Fatalf("MoveTo while active = %v, want ErrActuatorBusy", err)
	}
	<-done
}

func TestStepsPerSecondFloor(t *testing.T) {
	if got := stepsPerSecond(0); got != 100 {
		t.Fatalf("stepsPerSecond(0) = %v, want 100 (floor)", got)
	}
	if got := stepsPerSecond(100); got != 3000 {
		t.Fatalf("stepsPerSecond(100) = %v, want 3000", got)
	}
}

func TestStepperActivateTogglesStepPin(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	step := newSimDigitalOut(t, b, 6)
	dir := newSimDigitalOut(t, b, 7)
	enable := newSimDigitalOut(t, b, 8)
	st := NewStepperDriver(step, dir, enable)
	defer st.Close()

	if err := st.Activate(context.Background(), 0.02, 100); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if step.Level() != hal.Low {
		t.Fatal("step pin must end Low after Activate returns")
	}
	if enable.Level() != hal.High {
		t.Fatal("enable pin must be de-asserted (High, active-low) after Activate returns")
	}
}

func TestStepperActivateBusyWhileActive(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	st := NewStepperDriver(newSimDigitalOut(t, b, 9), newSimDigitalOut(t, b, 10), nil)
	defer st.Close()

	done := make(chan struct{})
	go func() {
		_ = st.Activate(context.Background(), 0.05, 50)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	if err := st.Activate(context.Background(), 0.01, 50); err != ErrActuatorBusy {
		t.Fatalf("Activate while active = %v, want ErrActuatorBusy", err)
	}
	<-done
}

func TestDCMotorActivateForwardThenStops(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	dirA := newSimDigitalOut(t, b, 11)
	dirB := newSimDigitalOut(t, b, 12)
	pwm := newSimPwmOut(t, b, 13)
	m := NewDCMotorDriver(dirA, dirB, pwm)
	defer m.Close()

	if err := m.Activate(context.Background(), 0.02, 80); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if dirA.Level() != hal.Low || dirB.Level() != hal.Low {
		t.Fatal("both direction pins must be Low (stopped) after Activate returns")
	}
	if pwm.DutyCycle() != 0 {
		t.Fatalf("DutyCycle after stop = %v, want 0", pwm.DutyCycle())
	}
}

func TestDCMotorActivateBusyWhileActive(t *testing.T) {
	b := hal.NewSimulationBackend(zap.NewNop())
	m := NewDCMotorDriver(newSimDigitalOut(t, b, 14), newSimDigitalOut(t, b, 15), newSimPwmOut(t, b, 16))
	defer m.Close()

	done := make(chan struct{})
	go func() {
		_ = m.Activate(context.Background(), 0.05, 50)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	if err := m.Activate(context.Background(), 0.01, 50); err != ErrActuatorBusy {
		t.Fatalf("Activate while active = %v, want ErrActuatorBusy", err)
	}
	<-done
}
