// Package vitals implements the Vital Statistics components (§4.5): a
// vital counter that reports every value change as a VITAL event, and a
// vital threshold that reports an ABOVE/BELOW crossing.
package vitals

import (
	"fmt"
	"sync"
)

// EventType is the fabric event type every vital emits under (§4.4's
// first-field prefix-filtering convention).
const EventType = "VITAL"

// Publisher is the subset of fabric.Publisher vitals depends on, kept
// narrow so tests don't need a live discovery/transport stack.
type Publisher interface {
	Publish(eventType, eventName string, payload ...string) error
}

// Counter tracks a named integer value and emits a VITAL event with
// kind=ERROR on every change; no event is emitted when delta == 0 (§4.5).
type Counter struct {
	mu          sync.Mutex
	name, descr string
	value       int64
	pub         Publisher
}

func NewCounter(name, description string, pub Publisher) *Counter {
	return &Counter{name: name, descr: description, pub: pub}
}

// Set updates the counter to v and publishes the change, if any.
func (c *Counter) Set(v int64) error {
	c.mu.Lock()
	old := c.value
	c.value = v
	c.mu.Unlock()

	delta := v - old
	if delta == 0 {
		return nil
	}
	return c.pub.Publish(EventType, c.name, "ERROR", c.descr, fmt.Sprintf("%d", v), fmt.Sprintf("%d", delta))
}

// Add increments the counter by delta and publishes the change.
func (c *Counter) Add(delta int64) error {
	c.mu.Lock()
	c.value += delta
	v := c.value
	c.mu.Unlock()
	if delta == 0 {
		return nil
	}
	return c.pub.Publish(EventType, c.name, "ERROR", c.descr, fmt.Sprintf("%d", v), fmt.Sprintf("%d", delta))
}

func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// ThresholdKind selects which side of the threshold value triggers.
type ThresholdKind int

const (
	Above ThresholdKind = iota
	Below
)

// InvalidInputCounter is the process-wide vital counter that every
// Threshold bumps on an out-of-range input (§4.5).
var InvalidInputCounter *Counter

// InitInvalidInputCounter installs the process-wide invalid_input counter;
// callers construct it once against their fabric publisher at startup.
func InitInvalidInputCounter(pub Publisher) {
	InvalidInputCounter = NewCounter("invalid_input", "vital threshold input rejected: out of range", pub)
}

// Threshold emits a VITAL/THRESHOLD event whenever an input lands on the
// configured side of threshold_value; the boundary value itself does not
// count as a crossing (§4.5).
type Threshold struct {
	name, descr    string
	lo, hi         float64 // input_range, inclusive
	kind           ThresholdKind
	thresholdValue float64
	pub            Publisher
}

func NewThreshold(name, description string, inputRange [2]float64, kind ThresholdKind, thresholdValue float64, pub Publisher) *Threshold {
	return &Threshold{
		name: name, descr: description,
		lo: inputRange[0], hi: inputRange[1],
		kind: kind, thresholdValue: thresholdValue, pub: pub,
	}
}

// Observe feeds one input value through the threshold. Out-of-range
// inputs are rejected and bump InvalidInputCounter instead of evaluating.
func (t *Threshold) Observe(value float64) error {
	if value < t.lo || value > t.hi {
		if InvalidInputCounter != nil {
			return InvalidInputCounter.Add(1)
		}
		return nil
	}

	var crossed bool
	switch t.kind {
	case Above:
		crossed = value > t.thresholdValue
	case Below:
		crossed = value < t.thresholdValue
	}
	if !crossed {
		return nil
	}
	return t.pub.Publish(EventType, t.name, "THRESHOLD", t.descr,
		fmt.Sprintf("%g", value), fmt.Sprintf("%g", t.thresholdValue))
}
