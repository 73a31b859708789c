package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/hal"
)

type fakeAlertSink struct {
	mu     sync.Mutex
	raised int
}

func (f *fakeAlertSink) RaiseAlert(level, component, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised++
}

func (f *fakeAlertSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raised
}

func newTestSource(t *testing.T, debounceMS int, alerts alertSink) (*Source, func(hal.Level)) {
	t.Helper()
	b := hal.NewSimulationBackend(zap.NewNop())
	in, err := b.OpenDigitalIn(hal.DigitalInConfig{Pin: 40})
	if err != nil {
		t.Fatalf("OpenDigitalIn: %v", err)
	}
	sim := in.(interface{ SetLevel(hal.Level) })
	src := New(zap.NewNop(), in, 40, debounceMS, alerts, nil)
	return src, sim.SetLevel
}

func TestRunEmitsEventOnRisingEdge(t *testing.T) {
	src, setLevel := newTestSource(t, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	setLevel(hal.High)

	select {
	case evt := <-src.Events():
		if evt.SourcePin != 40 {
			t.Fatalf("SourcePin = %d, want 40", evt.SourcePin)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for TriggerEvent")
	}
}

func TestRunDebouncesRepeatedEdges(t *testing.T) {
	src, setLevel := newTestSource(t, 50, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	setLevel(hal.High)
	time.Sleep(5 * time.Millisecond)
	setLevel(hal.Low)
	time.Sleep(5 * time.Millisecond)
	setLevel(hal.High) // within the 50ms debounce window of the first edge

	time.Sleep(100 * time.Millisecond)

	count := 0
drain:
	for {
		select {
		case <-src.Events():
			count++
		default:
			break drain
		}
	}
	if count != 1 {
		t.Fatalf("event count = %d, want 1 (second edge within debounce window must be ignored)", count)
	}
}

func TestDispatchDropsOldestOnOverflowAndRaisesAlert(t *testing.T) {
	alerts := &fakeAlertSink{}
	src, _ := newTestSource(t, 1, alerts)

	for i := 0; i < queueCapacity+5; i++ {
		src.dispatch(domain.TriggerEvent{MonotonicTS: time.Now(), SourcePin: i})
	}

	if len(src.events) != queueCapacity {
		t.Fatalf("channel len = %d, want %d (bounded)", len(src.events), queueCapacity)
	}
	if alerts.count() == 0 {
		t.Fatal("expected at least one TriggerOverflow alert")
	}
}
