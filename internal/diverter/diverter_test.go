package diverter

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/actuator"
	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/hal"
)

func newTestBank(t *testing.T) (*Bank, *hal.SimulationBackend) {
	t.Helper()
	b := hal.NewSimulationBackend(zap.NewNop())
	servos := make(map[domain.FruitCategory]*actuator.ServoDriver)
	cfgs := make(map[domain.FruitCategory]FlapConfig)
	pin := 30
	for _, cat := range []domain.FruitCategory{domain.Apple, domain.Pear, domain.Lemon} {
		pwm, err := b.OpenPWM(hal.PwmOutConfig{Pin: pin})
		if err != nil {
			t.Fatalf("OpenPWM: %v", err)
		}
		pin++
		servo, err := actuator.NewServoDriver(pwm)
		if err != nil {
			t.Fatalf("NewServoDriver: %v", err)
		}
		servos[cat] = servo
		cfgs[cat] = FlapConfig{StraightAngle: 0, DivertedAngle: 90, ActivationDuration: 5 * time.Millisecond}
	}
	return NewBank(zap.NewNop(), servos, cfgs), b
}

func TestClassifyUnknownIsNoOp(t *testing.T) {
	bank, _ := newTestBank(t)
	defer bank.Close()
	if err := bank.Classify(context.Background(), domain.Unknown, 0); err != nil {
		t.Fatalf("Classify(Unknown) = %v, want nil", err)
	}
}

func TestClassifyCompletesSequence(t *testing.T) {
	bank, _ := newTestBank(t)
	defer bank.Close()
	if err := bank.Classify(context.Background(), domain.Apple, 0); err != nil {
		t.Fatalf("Classify(Apple): %v", err)
	}
}

func TestClassifyConcurrentSameFlapRejected(t *testing.T) {
	bank, _ := newTestBank(t)
	defer bank.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = bank.Classify(context.Background(), domain.Pear, 0.02)
	}()
	time.Sleep(3 * time.Millisecond)

	if err := bank.Classify(context.Background(), domain.Pear, 0); err != ErrDiverterBusy {
		t.Fatalf("concurrent Classify(Pear) = %v, want ErrDiverterBusy", err)
	}
	wg.Wait()
}

func TestClassifyDifferentFlapsRunInParallel(t *testing.T) {
	bank, _ := newTestBank(t)
	defer bank.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	start := time.Now()
	go func() {
		defer wg.Done()
		errs[0] = bank.Classify(context.Background(), domain.Apple, 0.01)
	}()
	go func() {
		defer wg.Done()
		errs[1] = bank.Classify(context.Background(), domain.Lemon, 0.01)
	}()
	wg.Wait()
	elapsed := time.Since(start)

	for i, err := range errs {
		if err != nil {
			t.Fatalf("classify[%d] = %v, want nil", i, err)
		}
	}
	if elapsed > 40*time.Millisecond {
		t.Fatalf("parallel classify across different flaps took %v, expected near-simultaneous", elapsed)
	}
}
