// Package metrics exposes proctord counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels are the constant labels of one series.
type Labels map[string]string

// render formats labels as {k="v",...} with keys sorted. extra is appended
// unsorted, for the histogram le label.
func (l Labels) render(extra ...string) string {
	if len(l) == 0 && len(extra) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(l)+len(extra))
	for k, v := range l {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(append(pairs, extra...), ",") + "}"
}

// Counter only goes up.
type Counter struct{ v atomic.Uint64 }

func (c *Counter) Inc()          { c.v.Add(1) }
func (c *Counter) Value() uint64 { return c.v.Load() }

// Gauge goes up and down.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.v.Store(v) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// DurationBuckets are upper bounds in seconds for round-trip histograms.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Histogram counts observations into fixed buckets.
type Histogram struct {
	bounds []float64

	mu    sync.Mutex
	hits  []uint64 // hits[i] falls in (bounds[i-1], bounds[i]]; last is overflow
	sum   float64
	total uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, hits: make([]uint64, len(b)+1)}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.hits[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.total++
	h.mu.Unlock()
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

// Count is the number of observations so far.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// cumulative returns the running le counts, +Inf last.
func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.hits))
	var n uint64
	for i, c := range h.hits {
		n += c
		out[i] = n
	}
	return out
}

// family groups the series registered under one name.
type family struct {
	name, help, kind string
	series           map[string]*entry
}

type entry struct {
	labels Labels
	metric any
}

// Registry owns every registered series. Names are prefixed with the
// namespace given to NewRegistry.
type Registry struct {
	namespace string

	mu       sync.Mutex
	families map[string]*family
}

// NewRegistry returns an empty registry.
func NewRegistry(namespace string) *Registry {
	return &Registry{namespace: namespace, families: make(map[string]*family)}
}

// register returns the existing series for name and labels, or stores the
// one built by mk. A name reused with a different kind panics.
func (r *Registry) register(name, help, kind string, labels Labels, mk func() any) any {
	if r.namespace != "" {
		name = r.namespace + "_" + name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: kind, series: make(map[string]*entry)}
		r.families[name] = f
	} else if f.kind != kind {
		panic(fmt.Sprintf("metrics: %s registered as %s and %s", name, f.kind, kind))
	}

	id := labels.render()
	if e, ok := f.series[id]; ok {
		return e.metric
	}
	m := mk()
	f.series[id] = &entry{labels: labels, metric: m}
	return m
}

// RegisterCounter registers a counter series. Registering the same name and
// labels twice returns the same counter.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return r.register(name, help, "counter", labels, func() any { return new(Counter) }).(*Counter)
}

// RegisterGauge registers a gauge series.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return r.register(name, help, "gauge", labels, func() any { return new(Gauge) }).(*Gauge)
}

// RegisterHistogram registers a histogram series with the given bucket
// bounds; nil means DurationBuckets.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	return r.register(name, help, "histogram", labels, func() any { return newHistogram(buckets) }).(*Histogram)
}

// WritePrometheus writes every family in name order, one HELP/TYPE header
// per family.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.families))
	for n := range r.families {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		f := r.families[n]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)

		ids := make([]string, 0, len(f.series))
		for id := range f.series {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			e := f.series[id]
			switch m := e.metric.(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s%s %d\n", f.name, id, m.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s%s %d\n", f.name, id, m.Value())
			case *Histogram:
				writeHistogram(&b, f.name, e.labels, m)
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeHistogram(b *strings.Builder, name string, labels Labels, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cum := h.cumulative()
	for i, bound := range h.bounds {
		fmt.Fprintf(b, "%s_bucket%s %d\n", name, labels.render(fmt.Sprintf("le=%q", fmt.Sprint(bound))), cum[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", name, labels.render(`le="+Inf"`), cum[len(h.bounds)])
	fmt.Fprintf(b, "%s_sum%s %g\n", name, labels.render(), h.sum)
	fmt.Fprintf(b, "%s_count%s %d\n", name, labels.render(), h.total)
}

// HTTPHandler serves the registry for scraping.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
