// Prometheus text-format metrics
//
// Counters, gauges and histograms keyed by label sets, gathered in
// registration order with series sorted by label key.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Labels is one series' label set.
type Labels map[string]string

// Key is the canonical "k=v,k=v" form used to index series.
func (l Labels) Key() string {
	keys := l.sortedKeys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + l[k]
	}
	return strings.Join(parts, ",")
}

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders {k="v",...} with escaping, or "" for no labels.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `%s="%s"`, k, r.Replace(l[k]))
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) with(k, v string) Labels {
	out := make(Labels, len(l)+1)
	for kk, vv := range l {
		out[kk] = vv
	}
	out[k] = v
	return out
}

// Metric is anything the registry can render.
type Metric interface {
	Name() string
	Write(sb *strings.Builder)
}

// series holds the per-label-set values of one metric family.
type series[V any] struct {
	mu     sync.Mutex
	labels map[string]Labels
	values map[string]*V
}

func (s *series[V]) get(l Labels) *V {
	key := l.Key()
	if s.values == nil {
		s.values = make(map[string]*V)
		s.labels = make(map[string]Labels)
	}
	v, ok := s.values[key]
	if !ok {
		v = new(V)
		s.values[key] = v
		s.labels[key] = l
	}
	return v
}

func (s *series[V]) each(fn func(Labels, *V)) {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(s.labels[k], s.values[k])
	}
}

func header(sb *strings.Builder, name, help, typ string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return fmt.Sprintf("%g", v)
}

// Counter only goes up.
type Counter struct {
	name, help string
	s          series[uint64]
}

func NewCounter(name, help string) *Counter { return &Counter{name: name, help: help} }

func (c *Counter) Name() string { return c.name }

func (c *Counter) Inc(l Labels) { c.Add(l, 1) }

func (c *Counter) Add(l Labels, delta uint64) {
	c.s.mu.Lock()
	*c.s.get(l) += delta
	c.s.mu.Unlock()
}

func (c *Counter) Get(l Labels) uint64 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return *c.s.get(l)
}

func (c *Counter) Write(sb *strings.Builder) {
	header(sb, c.name, c.help, "counter")
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.each(func(l Labels, v *uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, l, *v)
	})
}

// Gauge is a settable value.
type Gauge struct {
	name, help string
	s          series[float64]
}

func NewGauge(name, help string) *Gauge { return &Gauge{name: name, help: help} }

func (g *Gauge) Name() string { return g.name }

func (g *Gauge) Set(l Labels, v float64) {
	g.s.mu.Lock()
	*g.s.get(l) = v
	g.s.mu.Unlock()
}

func (g *Gauge) Add(l Labels, delta float64) {
	g.s.mu.Lock()
	*g.s.get(l) += delta
	g.s.mu.Unlock()
}

func (g *Gauge) Inc(l Labels) { g.Add(l, 1) }
func (g *Gauge) Dec(l Labels) { g.Add(l, -1) }

func (g *Gauge) Get(l Labels) float64 {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	return *g.s.get(l)
}

func (g *Gauge) Write(sb *strings.Builder) {
	header(sb, g.name, g.help, "gauge")
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	g.s.each(func(l Labels, v *float64) {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, l, formatFloat(*v))
	})
}

type histogramValue struct {
	count  uint64
	sum    float64
	counts []uint64 // non-cumulative, one per bound
}

// Histogram counts observations into upper-bound buckets.
type Histogram struct {
	name, help string
	bounds     []float64
	s          series[histogramValue]
}

func NewHistogram(name, help string, bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{name: name, help: help, bounds: b}
}

// DefaultBuckets suits serial round trips and moves, in seconds.
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
}

// ExponentialBuckets returns count bounds starting at start.
func ExponentialBuckets(start, factor float64, count int) []float64 {
	out := make([]float64, count)
	for i := range out {
		out[i] = start
		start *= factor
	}
	return out
}

func (h *Histogram) Name() string { return h.name }

func (h *Histogram) Observe(l Labels, v float64) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	hv := h.s.get(l)
	if hv.counts == nil {
		hv.counts = make([]uint64, len(h.bounds))
	}
	hv.count++
	hv.sum += v
	for i, b := range h.bounds {
		if v <= b {
			hv.counts[i]++
			break
		}
	}
}

// Count returns the number of observations for l.
func (h *Histogram) Count(l Labels) uint64 {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.get(l).count
}

func (h *Histogram) Write(sb *strings.Builder) {
	header(sb, h.name, h.help, "histogram")
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.each(func(l Labels, hv *histogramValue) {
		var cum uint64
		for i, b := range h.bounds {
			if hv.counts != nil {
				cum += hv.counts[i]
			}
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", formatFloat(b)), cum)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", "+Inf"), hv.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, l, formatFloat(hv.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, l, hv.count)
	})
}

// Registry renders metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics []Metric
	names   map[string]bool
}

func NewRegistry() *Registry { return &Registry{names: make(map[string]bool)} }

func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[m.Name()] {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.names[m.Name()] = true
	r.metrics = append(r.metrics, m)
	return nil
}

func (r *Registry) MustRegister(ms ...Metric) {
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Gather renders every metric in Prometheus text format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, m := range r.metrics {
		m.Write(&sb)
	}
	return sb.String()
}
