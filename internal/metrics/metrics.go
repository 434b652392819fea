// Package metrics provides a lightweight Prometheus-text-format collector
// for the bot's counters and gauges, without pulling in client_golang.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics registry.
var Collector = NewCollector()

type MetricsCollector struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	start    time.Time
}

func NewCollector() *MetricsCollector {
	return &MetricsCollector{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		start:    time.Now(),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)   { g.value.Store(v) }
func (g *Gauge) Inc()          { g.value.Add(1) }
func (g *Gauge) Dec()          { g.value.Add(-1) }
func (g *Gauge) Value() int64  { return g.value.Load() }

// CounterMetric returns (registering if needed) the named counter.
func (mc *MetricsCollector) CounterMetric(name, help string) *Counter {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if c, ok := mc.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	mc.counters[name] = c
	return c
}

// GaugeMetric returns (registering if needed) the named gauge.
func (mc *MetricsCollector) GaugeMetric(name, help string) *Gauge {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if g, ok := mc.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	mc.gauges[name] = g
	return g
}

// Render produces the Prometheus text exposition for all metrics.
func (mc *MetricsCollector) Render() string {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP sakaibot_uptime_seconds Process uptime.\n")
	fmt.Fprintf(&sb, "# TYPE sakaibot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "sakaibot_uptime_seconds %d\n", int64(time.Since(mc.start).Seconds()))

	names := make([]string, 0, len(mc.counters))
	for name := range mc.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := mc.counters[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, c.help, name, name, c.Value())
	}

	names = names[:0]
	for name := range mc.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := mc.gauges[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.help, name, name, g.Value())
	}
	return sb.String()
}

// Handler serves the exposition over HTTP.
func (mc *MetricsCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, mc.Render())
	})
}
