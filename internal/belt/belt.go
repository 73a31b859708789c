// Package belt implements the conveyor belt controller: two relay outputs
// (forward/backward) plus an atomically-held speed value that the
// orchestrator reads to convert inter-station distances into delays.
package belt

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chele-s/visifruit-controller/internal/hal"
)

// Direction is the belt's current direction of travel.
type Direction int

const (
	Stopped Direction = iota
	Forward
	Backward
)

// Controller drives the belt's forward/backward relays and holds the
// current speed behind an atomic value — read-heavy per spec §5, updated
// only by SetSpeed.
type Controller struct {
	forward  hal.DigitalOut
	backward hal.DigitalOut
	log      *zap.Logger

	speedMPS  atomic.Uint64 // math.Float64bits
	direction atomic.Int32
}

// New wraps the forward/backward relay outputs, starting stopped at
// initialSpeedMPS.
func New(log *zap.Logger, forward, backward hal.DigitalOut, initialSpeedMPS float64) *Controller {
	c := &Controller{forward: forward, backward: backward, log: log.Named("belt")}
	c.speedMPS.Store(math.Float64bits(initialSpeedMPS))
	c.direction.Store(int32(Stopped))
	return c
}

// StartForward engages the forward relay and de-asserts backward.
func (c *Controller) StartForward() error {
	if err := c.backward.Write(hal.Low); err != nil {
		return err
	}
	if err := c.forward.Write(hal.High); err != nil {
		return err
	}
	c.direction.Store(int32(Forward))
	return nil
}

// StartBackward engages the backward relay and de-asserts forward.
func (c *Controller) StartBackward() error {
	if err := c.forward.Write(hal.Low); err != nil {
		return err
	}
	if err := c.backward.Write(hal.High); err != nil {
		return err
	}
	c.direction.Store(int32(Backward))
	return nil
}

// Stop de-asserts both relays.
func (c *Controller) Stop() error {
	if err := c.forward.Write(hal.Low); err != nil {
		return err
	}
	if err := c.backward.Write(hal.Low); err != nil {
		return err
	}
	c.direction.Store(int32(Stopped))
	return nil
}

// SetSpeed updates the belt's reported speed in meters/second. This does
// not itself change the relay state — drive hardware that supports
// variable speed would wire a PWM or VFD setpoint here; the baseline relay
// topology in spec §6 is on/off only, so this sets the value the
// orchestrator's T_belt() calculation uses.
func (c *Controller) SetSpeed(mps float64) {
	c.speedMPS.Store(math.Float64bits(mps))
}

// SpeedMPS returns the belt's current speed, read without blocking writers.
func (c *Controller) SpeedMPS() float64 {
	return math.Float64frombits(c.speedMPS.Load())
}

// CurrentDirection returns the belt's current direction.
func (c *Controller) CurrentDirection() Direction {
	return Direction(c.direction.Load())
}

// Close releases the underlying relay handles.
func (c *Controller) Close() error {
	_ = c.Stop()
	if err := c.forward.Close(); err != nil {
		return err
	}
	return c.backward.Close()
}
