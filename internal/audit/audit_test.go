package audit

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/domain"
	"github.com/chele-s/visifruit-controller/internal/storage"
)

type fakeRecorder struct {
	records []storage.AuditRecord
}

func (f *fakeRecorder) PutAudit(rec storage.AuditRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type fakeAlerts struct {
	raised []string
}

func (f *fakeAlerts) RaiseAlert(level, component, message string) {
	f.raised = append(f.raised, level+":"+component+":"+message)
}

func TestCheckLabelingAcceptsWithinBounds(t *testing.T) {
	rec := &fakeRecorder{}
	l := New(zap.NewNop(), rec, nil)

	ok, hash := l.CheckLabeling(domain.LabelingCommand{
		TargetGroup:  1,
		DurationS:    1.5,
		IntensityPct: 80,
		IssuedAt:     time.Now(),
		DeadlineAt:   time.Now().Add(time.Second),
	})
	if !ok {
		t.Fatalf("expected acceptance")
	}
	if hash == "" {
		t.Fatalf("expected non-empty decision hash")
	}
	if len(rec.records) != 1 || rec.records[0].Rejected {
		t.Fatalf("expected one accepted audit record, got %+v", rec.records)
	}
}

func TestCheckLabelingRejectsOutOfBoundsDuration(t *testing.T) {
	rec := &fakeRecorder{}
	alerts := &fakeAlerts{}
	l := New(zap.NewNop(), rec, alerts)

	ok, _ := l.CheckLabeling(domain.LabelingCommand{
		TargetGroup:  0,
		DurationS:    999,
		IntensityPct: 50,
		IssuedAt:     time.Now(),
	})
	if ok {
		t.Fatalf("expected rejection for out-of-bounds duration")
	}
	if len(rec.records) != 1 || !rec.records[0].Rejected {
		t.Fatalf("expected rejected audit record, got %+v", rec.records)
	}
	if len(alerts.raised) != 1 {
		t.Fatalf("expected one alert raised, got %v", alerts.raised)
	}
}

func TestCheckLabelingRejectsNaN(t *testing.T) {
	rec := &fakeRecorder{}
	l := New(zap.NewNop(), rec, nil)

	ok, _ := l.CheckLabeling(domain.LabelingCommand{DurationS: math.NaN(), IntensityPct: 50, IssuedAt: time.Now()})
	if ok {
		t.Fatalf("expected rejection for NaN duration")
	}
}

func TestCheckDiverterAcceptsWithinBounds(t *testing.T) {
	rec := &fakeRecorder{}
	l := New(zap.NewNop(), rec, nil)

	ok, hash := l.CheckDiverter(domain.DiverterCommand{Category: domain.Apple, PreDelayS: 1.0, HoldS: 0.5})
	if !ok || hash == "" {
		t.Fatalf("expected acceptance with a hash, got ok=%v hash=%q", ok, hash)
	}
}

func TestDecisionHashesChainAcrossCalls(t *testing.T) {
	rec := &fakeRecorder{}
	l := New(zap.NewNop(), rec, nil)

	_, h1 := l.CheckLabeling(domain.LabelingCommand{TargetGroup: 0, DurationS: 1, IntensityPct: 50, IssuedAt: time.Now()})
	_, h2 := l.CheckLabeling(domain.LabelingCommand{TargetGroup: 1, DurationS: 1, IntensityPct: 50, IssuedAt: time.Now()})

	if h1 == h2 {
		t.Fatalf("expected distinct hashes for distinct commands")
	}
	if rec.records[1].ParentHash != h1 {
		t.Fatalf("expected second record's parent hash to be the first record's hash: got %q want %q", rec.records[1].ParentHash, h1)
	}
}

func TestStatsTracksVerifiedAndRejected(t *testing.T) {
	rec := &fakeRecorder{}
	l := New(zap.NewNop(), rec, nil)

	l.CheckLabeling(domain.LabelingCommand{TargetGroup: 0, DurationS: 1, IntensityPct: 50, IssuedAt: time.Now()})
	l.CheckLabeling(domain.LabelingCommand{TargetGroup: 0, DurationS: -1, IntensityPct: 50, IssuedAt: time.Now()})

	stats := l.Stats()
	if stats.Verified != 1 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
