// Package trigger implements the C6 Trigger Source: a debounced GPIO edge
// detector feeding a bounded channel, following the teacher's ring-buffer
// reader → bounded channel → drop-with-metric shape (internal/kernel's
// event processor), repointed from kernel events to optical trigger edges.
package trigger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/hal"
)

// queueCapacity is the bounded channel capacity (spec §4.6).
const queueCapacity = 200

// overflowAlertInterval caps TriggerOverflow alerts to once per second.
const overflowAlertInterval = time.Second

// pollInterval is how often the simulated/software debounce loop samples
// the input pin. Real deployments would normally use an edge-interrupt
// facility; polling at this rate is fine for the debounce windows involved.
const pollInterval = time.Millisecond

// alertSink receives coalesced overflow notifications; the supervisor's
// alert bus implements this.
type alertSink interface {
	RaiseAlert(level, component, message string)
}

// metricsSink is the subset of observability.Metrics the source updates.
type metricsSink interface {
	ObserveTriggerAccepted()
	ObserveTriggerDropped()
	SetTriggerQueueDepth(depth int)
}

// Source wraps a GPIO input pin with software debounce, emitting
// TriggerEvents into a bounded channel.
type Source struct {
	in       hal.DigitalIn
	pin      int
	debounce time.Duration
	log      *zap.Logger
	alerts   alertSink
	metrics  metricsSink

	events chan domain.TriggerEvent

	mu           sync.Mutex
	lastOverflow time.Time
}

// New constructs a Source over an already-opened hal.DigitalIn.
func New(log *zap.Logger, in hal.DigitalIn, pin int, debounceMS int, alerts alertSink, metrics metricsSink) *Source {
	debounce := time.Duration(debounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &Source{
		in:       in,
		pin:      pin,
		debounce: debounce,
		log:      log.Named("trigger"),
		alerts:   alerts,
		metrics:  metrics,
		events:   make(chan domain.TriggerEvent, queueCapacity),
	}
}

// Events returns the channel the orchestrator consumes TriggerEvents from.
func (s *Source) Events() <-chan domain.TriggerEvent {
	return s.events
}

// Run polls the input pin, debounces qualifying edges, and dispatches
// TriggerEvents with backpressure: when the channel is full, the oldest
// event is dropped (not the new one) to keep latency bounded on the
// freshest trigger, and a TriggerOverflow alert is raised at most once per
// second. Run blocks until ctx is cancelled.
func (s *Source) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastLevel hal.Level
	var lastEdgeTS time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level, err := s.in.Read()
			if err != nil {
				continue
			}
			now := time.Now()
			if level == hal.High && lastLevel == hal.Low && now.Sub(lastEdgeTS) >= s.debounce {
				lastEdgeTS = now
				s.dispatch(domain.TriggerEvent{MonotonicTS: now, SourcePin: s.pin})
			}
			lastLevel = level
		}
	}
}

func (s *Source) dispatch(evt domain.TriggerEvent) {
	if s.metrics != nil {
		s.metrics.ObserveTriggerAccepted()
		s.metrics.SetTriggerQueueDepth(len(s.events))
	}

	select {
	case s.events <- evt:
		return
	default:
	}

	// Channel full: drop the oldest pending event to make room for the
	// freshest trigger, then raise a coalesced overflow alert.
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- evt:
	default:
	}

	if s.metrics != nil {
		s.metrics.ObserveTriggerDropped()
	}
	s.raiseOverflow()
}

func (s *Source) raiseOverflow() {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.lastOverflow) < overflowAlertInterval {
		s.mu.Unlock()
		return
	}
	s.lastOverflow = now
	s.mu.Unlock()

	s.log.Warn("trigger queue overflow, oldest event dropped")
	if s.alerts != nil {
		s.alerts.RaiseAlert("warning", "trigger", "TriggerOverflow: queue capacity exceeded")
	}
}

// Close releases the underlying input pin.
func (s *Source) Close() error {
	return s.in.Close()
}
