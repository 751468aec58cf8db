// Package metrics provides Prometheus-compatible metrics for keyguard.
//
// Features:
//   - Counters for key events, suppressed events, flags and lockouts
//   - Gauges for lockout state and held keys
//   - Histograms for inter-key gaps and hold durations
//   - Optional HTTP endpoint for scraping
//   - Thread-safe operations
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String renders labels in exposition order, e.g. {kind="hold"}.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	return "{" + l.pairs() + "}"
}

func (l Labels) pairs() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, l[k]))
	}
	return strings.Join(parts, ",")
}

// with returns the label set plus one more pair, rendered.
func (l Labels) with(key, value string) string {
	pair := fmt.Sprintf("%s=%q", key, value)
	if len(l) == 0 {
		return "{" + pair + "}"
	}
	return "{" + l.pairs() + "," + pair + "}"
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// SetBool sets the gauge to 1 or 0.
func (g *Gauge) SetBool(b bool) {
	if b {
		g.value.Store(1)
		return
	}
	g.value.Store(0)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu sync.Mutex
	// counts[i] holds observations in (buckets[i-1], buckets[i]]; the
	// last slot is the overflow above every bound.
	counts []uint64
	sum    float64
	count  uint64
}

// GapBuckets are bounds in milliseconds for inter-key gaps. 40ms is the
// 300 WPM line.
var GapBuckets = []float64{5, 10, 20, 30, 40, 60, 80, 120, 200, 400, 1000}

// HoldBuckets are bounds in milliseconds for key hold durations.
var HoldBuckets = []float64{1, 2, 5, 10, 20, 50, 100, 200, 500}

func newHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	// Bounds are inclusive upper limits.
	idx := sort.SearchFloat64s(h.buckets, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[idx]++
	h.sum += v
	h.count++
}

// Cumulative returns the cumulative count at each bound, ending with +Inf.
func (h *Histogram) Cumulative() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cumulativeLocked()
}

func (h *Histogram) cumulativeLocked() []uint64 {
	out := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return out
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the mean of observed values.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

type family struct {
	name  string
	help  string
	typ   MetricType
	order []string
}

// Registry holds all registered metrics. Series of one name that differ
// only in labels share a family and are written under a single HELP/TYPE.
type Registry struct {
	mu         sync.RWMutex
	namespace  string
	families   map[string]*family
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates a new Registry.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		families:   make(map[string]*family),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

// register returns the series key, creating the family on first use.
// Called with mu held.
func (r *Registry) register(name, help string, typ MetricType, labels Labels) (string, bool) {
	full := r.fullName(name)
	key := full + labels.String()

	f, ok := r.families[full]
	if !ok {
		f = &family{name: full, help: help, typ: typ}
		r.families[full] = f
	}
	if f.typ != typ {
		panic(fmt.Sprintf("metrics: %s registered as %s and %s", full, f.typ, typ))
	}
	for _, k := range f.order {
		if k == key {
			return key, false
		}
	}
	f.order = append(f.order, key)
	return key, true
}

// Counter registers or returns the counter name{labels}.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, created := r.register(name, help, TypeCounter, labels)
	if created {
		r.counters[key] = &Counter{name: r.fullName(name), help: help, labels: labels}
	}
	return r.counters[key]
}

// Gauge registers or returns the gauge name{labels}.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, created := r.register(name, help, TypeGauge, labels)
	if created {
		r.gauges[key] = &Gauge{name: r.fullName(name), help: help, labels: labels}
	}
	return r.gauges[key]
}

// Histogram registers or returns the histogram name{labels}.
func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, created := r.register(name, help, TypeHistogram, labels)
	if created {
		r.histograms[key] = newHistogram(r.fullName(name), help, labels, buckets)
	}
	return r.histograms[key]
}

func (r *Registry) sortedFamilies() []*family {
	out := make([]*family, 0, len(r.families))
	for _, f := range r.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WritePrometheus writes metrics in Prometheus text format, families
// sorted by name.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, f := range r.sortedFamilies() {
		fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.typ)
		for _, key := range f.order {
			switch f.typ {
			case TypeCounter:
				c := r.counters[key]
				fmt.Fprintf(&b, "%s%s %d\n", c.name, c.labels, c.Value())
			case TypeGauge:
				g := r.gauges[key]
				fmt.Fprintf(&b, "%s%s %d\n", g.name, g.labels, g.Value())
			case TypeHistogram:
				writeHistogram(&b, r.histograms[key])
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeHistogram(b *strings.Builder, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cumulative := h.cumulativeLocked()
	for i, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, h.labels.with("le", formatFloat(bound)), cumulative[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf"), cumulative[len(h.buckets)])
	fmt.Fprintf(b, "%s_sum%s %s\n", h.name, h.labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count%s %d\n", h.name, h.labels, h.count)
}

// Snapshot returns every series keyed by name and labels. Histograms
// contribute _sum, _count and _mean entries.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any)
	for key, c := range r.counters {
		out[key] = c.Value()
	}
	for key, g := range r.gauges {
		out[key] = g.Value()
	}
	for key, h := range r.histograms {
		out[key+"_sum"] = h.Sum()
		out[key+"_count"] = h.Count()
		out[key+"_mean"] = h.Mean()
	}
	return out
}

// WriteJSON writes Snapshot as indented JSON.
func (r *Registry) WriteJSON(w io.Writer) error {
	data, err := sonic.ConfigStd.MarshalIndent(r.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// HTTPHandler returns an HTTP handler for metrics.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
