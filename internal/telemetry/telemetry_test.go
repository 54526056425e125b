package telemetry

import (
	"testing"
	"time"
)

func findMetric(ms []Metric, name string) (Metric, bool) {
	for _, m := range ms {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

func TestCounterAccumulates(t *testing.T) {
	c := NewCollector(true, time.Hour)
	defer c.Shutdown()

	c.Count("heartbeats_total", 1, nil)
	c.Count("heartbeats_total", 1, nil)
	c.Count("heartbeats_total", 3, nil)

	m, ok := findMetric(c.Snapshot(), "heartbeats_total")
	if !ok {
		t.Fatal("counter series missing")
	}
	if m.Value != 5 {
		t.Errorf("expected 5, got %f", m.Value)
	}
}

func TestGaugeOverwrites(t *testing.T) {
	c := NewCollector(true, time.Hour)
	defer c.Shutdown()

	c.Set("active_workers", 3, nil)
	c.Set("active_workers", 7, nil)

	m, _ := findMetric(c.Snapshot(), "active_workers")
	if m.Value != 7 {
		t.Errorf("expected gauge overwrite to 7, got %f", m.Value)
	}
}

func TestLabelsSplitSeries(t *testing.T) {
	c := NewCollector(true, time.Hour)
	defer c.Shutdown()

	c.Count("requests_total", 1, map[string]string{"endpoint": "heartbeat"})
	c.Count("requests_total", 2, map[string]string{"endpoint": "register"})

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 series, got %d", len(snap))
	}
	for _, m := range snap {
		switch m.Labels["endpoint"] {
		case "heartbeat":
			if m.Value != 1 {
				t.Errorf("heartbeat series: %f", m.Value)
			}
		case "register":
			if m.Value != 2 {
				t.Errorf("register series: %f", m.Value)
			}
		default:
			t.Errorf("unexpected series %+v", m)
		}
	}
}

func TestTimerSmoothing(t *testing.T) {
	c := NewCollector(true, time.Hour)
	defer c.Shutdown()

	c.Time("request_latency", time.Second, nil)
	c.Time("request_latency", 2*time.Second, nil)

	m, _ := findMetric(c.Snapshot(), "request_latency")
	if m.Value != 1100 {
		t.Errorf("expected 1100ms smoothed, got %f", m.Value)
	}
}

func TestDisabledCollectorIsInert(t *testing.T) {
	c := NewCollector(false, 0)
	defer c.Shutdown()

	c.Count("x", 1, nil)
	c.Set("y", 1, nil)
	c.Time("z", time.Second, nil)
	if snap := c.Snapshot(); len(snap) != 0 {
		t.Errorf("disabled collector recorded %d series", len(snap))
	}
}
