package budget

import (
	"testing"
	"time"

	"github.com/chele-s/visifruit-controller/internal/domain"
)

func TestConsumeWithinCapacity(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	if !b.Consume(5) {
		t.Fatal("expected Consume(5) to succeed with 10 tokens")
	}
	if b.Remaining() != 5 {
		t.Fatalf("remaining = %d, want 5", b.Remaining())
	}
	if b.Consume(6) {
		t.Fatal("expected Consume(6) to fail with only 5 tokens remaining")
	}
}

func TestConsumeForPriority(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	if !b.ConsumeForPriority(PriorityCritical) {
		t.Fatal("expected CRITICAL (cost 10) to succeed against capacity 10")
	}
	if b.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", b.Remaining())
	}
	if b.ConsumeForPriority(PriorityLow) {
		t.Fatal("expected LOW to fail with an empty bucket")
	}
}

func TestConsumeForDomainPriorityUsesSameCostModel(t *testing.T) {
	b := New(10, time.Hour)
	defer b.Close()

	if !b.ConsumeForDomainPriority(domain.PriorityCritical) {
		t.Fatal("expected CRITICAL (cost 10) to succeed against capacity 10")
	}
	if b.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", b.Remaining())
	}
	if b.ConsumeForDomainPriority(domain.PriorityLow) {
		t.Fatal("expected LOW to fail with an empty bucket")
	}
}

func TestRefillRestoresCapacity(t *testing.T) {
	b := New(3, 20*time.Millisecond)
	defer b.Close()

	if !b.Consume(3) {
		t.Fatal("expected initial consume to succeed")
	}
	if b.Consume(1) {
		t.Fatal("expected empty bucket to reject further consumption")
	}

	time.Sleep(60 * time.Millisecond)
	if b.Remaining() != 3 {
		t.Fatalf("remaining after refill = %d, want 3", b.Remaining())
	}
	if b.RefillCount() == 0 {
		t.Fatal("expected at least one refill cycle to have run")
	}
}

func TestConsumedTotalAccumulates(t *testing.T) {
	b := New(100, time.Hour)
	defer b.Close()

	b.Consume(10)
	b.Consume(20)
	if got := b.ConsumedTotal(); got != 30 {
		t.Fatalf("ConsumedTotal = %d, want 30", got)
	}
}
