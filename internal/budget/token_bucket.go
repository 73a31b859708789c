// Package budget implements the token bucket rate limiter used to admit
// detection requests onto an already busy pipeline.
//
//   - Capacity: configurable (default 100 tokens)
//   - Refill interval: configurable (default 60 seconds)
//   - Refill amount: full capacity (not incremental)
//   - Consumption: atomic, per-priority cost
//
// Cost model (by detection request priority, §3 FrameAnalysis priority):
//   - LOW:      cost 1
//   - NORMAL:   cost 2
//   - HIGH:     cost 5
//   - CRITICAL: cost 10
//
// Higher-priority admission costs more budget. All priorities draw from one
// shared pool with no per-priority reservation, so a burst of CRITICAL
// requests can empty the bucket for every priority until the next refill.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.
//   - No external dependencies.
package budget

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chele-s/visifruit-controller/internal/domain"
)

// Priority mirrors the detection request priority used for cost lookup.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// CostModel defines the token cost for each request priority.
// Costs must be positive integers.
var CostModel = map[Priority]int{
	PriorityLow:      1,
	PriorityNormal:   2,
	PriorityHigh:     5,
	PriorityCritical: 10,
}

// Bucket is a thread-safe token bucket for rate-limiting pipeline admission.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill goroutine.
// capacity must be > 0. refillPeriod must be > 0.
// Call Close() to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("budget.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("budget.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop runs in a dedicated goroutine and refills the bucket to full
// capacity every refillPeriod. Exits when Close() is called.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume `cost` tokens from the bucket.
// Returns true if the tokens were available and consumed.
// Returns false if insufficient tokens remain (action must be deferred).
// Thread-safe.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForPriority consumes the standard cost for a given request priority.
// Returns true (no cost charged) if the priority has no defined cost.
func (b *Bucket) ConsumeForPriority(p Priority) bool {
	cost, ok := CostModel[p]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// ConsumeForDomainPriority bridges internal/domain's ordered Priority (used
// for queue ordering and deadline factors) to the string-keyed cost-model
// Priority this package defines. Detection requests carry a domain.Priority;
// this lets callers admit them against the bucket without a local switch.
func (b *Bucket) ConsumeForDomainPriority(p domain.Priority) bool {
	return b.ConsumeForPriority(fromDomainPriority(p))
}

func fromDomainPriority(p domain.Priority) Priority {
	switch p {
	case domain.PriorityCritical:
		return PriorityCritical
	case domain.PriorityHigh:
		return PriorityHigh
	case domain.PriorityNormal:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
