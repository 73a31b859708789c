// Package diverter implements the C5 Diverter Bank: three servo flaps, one
// per fruit category, each independently busy-locked. Concurrency guard
// shape follows the teacher's per-key locking used for quorum bookkeeping,
// repointed from a map of node observations to a map of category flaps.
package diverter

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/actuator"
	"github.com/chele-s/visifruit-controller/internal/domain"
)

// ErrDiverterBusy is returned when classify is called on a flap that is
// already mid-cycle.
var ErrDiverterBusy = errors.New("diverter: flap busy")

// FlapConfig holds the two servo angles for one category's flap.
type FlapConfig struct {
	StraightAngle      float64
	DivertedAngle      float64
	ActivationDuration time.Duration
}

type flap struct {
	servo *actuator.ServoDriver
	cfg   FlapConfig
	mu    sync.Mutex
	busy  bool
}

// Bank owns one flap per non-UNKNOWN category.
type Bank struct {
	log   *zap.Logger
	flaps map[domain.FruitCategory]*flap
}

// NewBank constructs a Bank from a set of servo drivers and configs, keyed
// by category. UNKNOWN is never present — fruit of that category passes
// through untouched.
func NewBank(log *zap.Logger, servos map[domain.FruitCategory]*actuator.ServoDriver, cfgs map[domain.FruitCategory]FlapConfig) *Bank {
	b := &Bank{log: log.Named("diverter"), flaps: make(map[domain.FruitCategory]*flap)}
	for cat, servo := range servos {
		b.flaps[cat] = &flap{servo: servo, cfg: cfgs[cat]}
	}
	return b
}

// Classify sleeps preDelayS, moves the category's flap to diverted_angle,
// holds for activation_duration, then returns to straight_angle. UNKNOWN
// categories are a no-op (pass through). Concurrent requests for the same
// flap are rejected with ErrDiverterBusy; different flaps run in parallel.
func (b *Bank) Classify(ctx context.Context, category domain.FruitCategory, preDelayS float64) error {
	if category == domain.Unknown {
		return nil
	}
	f, ok := b.flaps[category]
	if !ok {
		return nil
	}

	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return ErrDiverterBusy
	}
	f.busy = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.busy = false
		f.mu.Unlock()
	}()

	if preDelayS > 0 {
		select {
		case <-time.After(time.Duration(preDelayS * float64(time.Second))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := f.servo.MoveTo(ctx, f.cfg.DivertedAngle); err != nil {
		return err
	}

	select {
	case <-time.After(f.cfg.ActivationDuration):
	case <-ctx.Done():
		_ = f.servo.MoveTo(context.Background(), f.cfg.StraightAngle)
		return ctx.Err()
	}

	return f.servo.MoveTo(ctx, f.cfg.StraightAngle)
}

// Close releases every flap's underlying servo driver.
func (b *Bank) Close() error {
	var firstErr error
	for _, f := range b.flaps {
		if err := f.servo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
