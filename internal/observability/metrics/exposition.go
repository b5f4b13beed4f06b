package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// collector 以 Prometheus 文本格式输出一个指标族。
type collector interface {
	render(b *strings.Builder)
}

var (
	collectorsMu sync.Mutex
	collectors   []collector
)

func register[C collector](c C) C {
	collectorsMu.Lock()
	defer collectorsMu.Unlock()
	collectors = append(collectors, c)
	return c
}

// Handler exposes every registered metric in Prometheus text format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var b strings.Builder
		b.Grow(4096)
		collectorsMu.Lock()
		for _, c := range collectors {
			c.render(&b)
		}
		collectorsMu.Unlock()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, b.String())
	})
}

// series 是一组标签值及其序列化后的键。
type series struct {
	key    string
	values []string
}

func newSeries(values []string) series {
	return series{key: strings.Join(values, "\xff"), values: append([]string(nil), values...)}
}

func labelPairs(names, values []string, extra ...string) string {
	pairs := make([]string, 0, len(names)+len(extra)/2)
	for i, name := range names {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, name, escape(values[i])))
	}
	for i := 0; i+1 < len(extra); i += 2 {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, extra[i], escape(extra[i+1])))
	}
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

type counterVec struct {
	name, help string
	labels     []string

	mu     sync.Mutex
	series map[string]series
	values map[string]uint64
}

func newCounterVec(name, help string, labels ...string) *counterVec {
	return register(&counterVec{
		name:   name,
		help:   help,
		labels: labels,
		series: make(map[string]series),
		values: make(map[string]uint64),
	})
}

func (c *counterVec) inc(values ...string) {
	s := newSeries(values)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series[s.key] = s
	c.values[s.key]++
}

func (c *counterVec) value(values ...string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[newSeries(values).key]
}

func (c *counterVec) render(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
	for _, key := range sortedKeys(c.series) {
		fmt.Fprintf(b, "%s%s %d\n", c.name, labelPairs(c.labels, c.series[key].values), c.values[key])
	}
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

// observe 累积计数；超过最后一个桶的值只计入 +Inf（即 count）。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

type histogramVec struct {
	name, help string
	labels     []string
	buckets    []float64

	mu     sync.Mutex
	series map[string]series
	hists  map[string]*histogram
}

func newHistogramVec(name, help string, buckets []float64, labels ...string) *histogramVec {
	return register(&histogramVec{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		series:  make(map[string]series),
		hists:   make(map[string]*histogram),
	})
}

func (h *histogramVec) observe(value float64, values ...string) {
	s := newSeries(values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.hists[s.key]
	if !ok {
		hist = newHistogram(h.buckets)
		h.hists[s.key] = hist
		h.series[s.key] = s
	}
	hist.observe(value)
}

func (h *histogramVec) render(b *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	for _, key := range sortedKeys(h.series) {
		values := h.series[key].values
		hist := h.hists[key]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, labelPairs(h.labels, values, "le", formatFloat(bound)), hist.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", h.name, labelPairs(h.labels, values, "le", "+Inf"), hist.count)
		fmt.Fprintf(b, "%s_sum%s %s\n", h.name, labelPairs(h.labels, values), formatFloat(hist.sum))
		fmt.Fprintf(b, "%s_count%s %d\n", h.name, labelPairs(h.labels, values), hist.count)
	}
}

func sortedKeys(m map[string]series) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
