package vitals

import "testing"

type fakePublisher struct {
	calls []call
}

type call struct {
	eventType, name string
	payload         []string
}

func (f *fakePublisher) Publish(eventType, name string, payload ...string) error {
	f.calls = append(f.calls, call{eventType, name, payload})
	return nil
}

func TestCounterSetEmitsOnChange(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCounter("queue_depth", "items waiting", pub)

	if err := c.Set(5); err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.calls))
	}
	if pub.calls[0].payload[0] != "ERROR" || pub.calls[0].payload[2] != "5" || pub.calls[0].payload[3] != "5" {
		t.Fatalf("unexpected payload: %+v", pub.calls[0])
	}
}

func TestCounterSetNoEventOnZeroDelta(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCounter("queue_depth", "items waiting", pub)
	if err := c.Set(5); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(5); err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("expected no event on zero delta, got %d total events", len(pub.calls))
	}
}

func TestCounterAddAccumulatesValue(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCounter("errors", "error count", pub)
	if err := c.Add(3); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(4); err != nil {
		t.Fatal(err)
	}
	if c.Value() != 7 {
		t.Fatalf("expected accumulated value 7, got %d", c.Value())
	}
	if pub.calls[1].payload[3] != "4" {
		t.Fatalf("expected delta 4 on second event, got %+v", pub.calls[1])
	}
}

func TestThresholdRejectsOutOfRangeInput(t *testing.T) {
	pub := &fakePublisher{}
	InitInvalidInputCounter(pub)
	th := NewThreshold("cpu", "cpu pct", [2]float64{0, 100}, Above, 90, pub)

	if err := th.Observe(150); err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 1 || pub.calls[0].name != "invalid_input" {
		t.Fatalf("expected invalid_input event, got %+v", pub.calls)
	}
}

func TestThresholdAboveCrossing(t *testing.T) {
	pub := &fakePublisher{}
	InitInvalidInputCounter(pub)
	th := NewThreshold("cpu", "cpu pct", [2]float64{0, 100}, Above, 90, pub)

	if err := th.Observe(90); err != nil { // boundary itself is not a crossing
		t.Fatal(err)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("boundary value must not count as a crossing, got %+v", pub.calls)
	}

	if err := th.Observe(95); err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 1 || pub.calls[0].payload[0] != "THRESHOLD" {
		t.Fatalf("expected THRESHOLD event, got %+v", pub.calls)
	}
}

func TestThresholdBelowCrossing(t *testing.T) {
	pub := &fakePublisher{}
	InitInvalidInputCounter(pub)
	th := NewThreshold("latency", "ms", [2]float64{0, 1000}, Below, 10, pub)

	if err := th.Observe(5); err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 1 || pub.calls[0].payload[0] != "THRESHOLD" {
		t.Fatalf("expected THRESHOLD event, got %+v", pub.calls)
	}
}
