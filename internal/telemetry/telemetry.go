// Package telemetry is a lightweight in-process metrics collector for the
// coordinator. Counters accumulate, gauges overwrite, timers keep an
// exponential average; everything flushes to the structured log on a fixed
// cadence.
package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one named series with its label set.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Collector aggregates metrics in memory. Disabled collectors accept every
// call and do nothing, so call sites never branch.
type Collector struct {
	mu      sync.Mutex
	series  map[string]*Metric
	enabled bool

	flushInterval time.Duration
	cancel        context.CancelFunc
}

// NewCollector builds a collector and, when enabled, starts the periodic
// log flush.
func NewCollector(enabled bool, flushInterval time.Duration) *Collector {
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		series:        make(map[string]*Metric),
		enabled:       enabled,
		flushInterval: flushInterval,
		cancel:        cancel,
	}
	if enabled {
		go c.flushLoop(ctx)
	}
	return c
}

// seriesKey folds the label set into a stable map key.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func (c *Collector) upsert(name string, typ MetricType, labels map[string]string) *Metric {
	key := seriesKey(name, labels)
	m, ok := c.series[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: labels}
		c.series[key] = m
	}
	m.UpdatedAt = time.Now()
	return m
}

// Count adds delta to a counter series.
func (c *Collector) Count(name string, delta float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsert(name, Counter, labels).Value += delta
}

// Set overwrites a gauge series.
func (c *Collector) Set(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsert(name, Gauge, labels).Value = value
}

// Time folds a duration sample into a timer series, in milliseconds, with
// the same 0.9/0.1 smoothing the health monitor uses for task times.
func (c *Collector) Time(name string, d time.Duration, labels map[string]string) {
	if !c.enabled {
		return
	}
	sample := float64(d) / float64(time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.upsert(name, Timer, labels)
	if m.Value == 0 {
		m.Value = sample
	} else {
		m.Value = m.Value*0.9 + sample*0.1
	}
}

// Snapshot returns a copy of every live series.
func (c *Collector) Snapshot() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, 0, len(c.series))
	for _, m := range c.series {
		out = append(out, *m)
	}
	return out
}

// Flush writes every series to the log. Counters and gauges keep their
// values; this is an export, not a reset.
func (c *Collector) Flush() {
	for _, m := range c.Snapshot() {
		log.Info().
			Str("metric", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Msg("telemetry")
	}
}

func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Shutdown stops the flush loop and writes a final export.
func (c *Collector) Shutdown() {
	c.cancel()
	if c.enabled {
		c.Flush()
	}
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the process-wide collector.
func InitGlobal(enabled bool, flushInterval time.Duration) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled, flushInterval)
}

// Global returns the process-wide collector, creating a disabled one on
// first use so call sites never nil-check.
func Global() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}
