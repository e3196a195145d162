// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector. It outputs text/plain in Prometheus exposition format without
// requiring the prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters, gauges, and histograms.
type Collector struct {
	counters   sync.Map // name{labels} -> *Counter
	gauges     sync.Map // name{labels} -> *Gauge
	histograms sync.Map // name{labels} -> *Histogram
	startTime  time.Time

	mu    sync.Mutex
	funcs []*GaugeFunc
}

// New creates a new collector.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc()        { g.value.Add(1) }
func (g *Gauge) Dec()        { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// GaugeFunc is a gauge family sampled at scrape time. Fn returns one value
// per label set, keyed by the rendered labels (`status="connected"`).
type GaugeFunc struct {
	name string
	help string
	fn   func() map[string]int64
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns how many values were observed.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name and labels.
func (c *Collector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name and labels.
func (c *Collector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// RegisterGaugeFunc adds a gauge family computed by fn on every scrape.
func (c *Collector) RegisterGaugeFunc(name, help string, fn func() map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, &GaugeFunc{name: name, help: help, fn: fn})
}

// Histogram returns or creates a histogram with the given name and labels.
func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// sortedValues returns the values of m ordered by key so scrapes are stable.
func sortedValues[T any](m *sync.Map) []T {
	var keys []string
	vals := map[string]T{}
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v.(T)
		return true
	})
	sort.Strings(keys)
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

func writeSample(sb *strings.Builder, name, labels string, v int64) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %d\n", name, labels, v)
	} else {
		fmt.Fprintf(sb, "%s %d\n", name, v)
	}
}

// Render writes every metric in Prometheus text format.
func (c *Collector) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP wagate_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE wagate_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "wagate_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, ctr := range sortedValues[*Counter](&c.counters) {
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			helpWritten[ctr.name] = true
		}
		writeSample(&sb, ctr.name, ctr.labels, ctr.Value())
	}

	helpWritten = make(map[string]bool)
	for _, g := range sortedValues[*Gauge](&c.gauges) {
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
			helpWritten[g.name] = true
		}
		writeSample(&sb, g.name, g.labels, g.Value())
	}

	c.mu.Lock()
	funcs := append([]*GaugeFunc(nil), c.funcs...)
	c.mu.Unlock()
	for _, gf := range funcs {
		fmt.Fprintf(&sb, "# HELP %s %s\n", gf.name, gf.help)
		fmt.Fprintf(&sb, "# TYPE %s gauge\n", gf.name)
		values := gf.fn()
		labels := make([]string, 0, len(values))
		for l := range values {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			writeSample(&sb, gf.name, l, values[l])
		}
	}

	for _, h := range sortedValues[*Histogram](&c.histograms) {
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(&sb, "# TYPE %s histogram\n", h.name)
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		fmt.Fprintf(&sb, "%sle=\"+Inf\"} %d\n", prefix, h.count)
		writeSample(&sb, h.name+"_count", h.labels, h.count)
		if h.labels != "" {
			fmt.Fprintf(&sb, "%s_sum{%s} %f\n", h.name, h.labels, h.sum)
		} else {
			fmt.Fprintf(&sb, "%s_sum %f\n", h.name, h.sum)
		}
		h.mu.Unlock()
	}
	return sb.String()
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.Render())
	}
}
