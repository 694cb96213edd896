// Package telemetry keeps in-process counters and HTTP latency histograms
// and serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram is a thread-safe histogram. Bucket counts are stored
// non-cumulative; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// Metrics is a registry of named counters and per-route request latencies.
// The zero value is not usable; call NewMetrics.
type Metrics struct {
	mu        sync.RWMutex
	counters  map[string]*int64
	durations map[string]*histogram
	active    int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		durations: make(map[string]*histogram),
	}
}

// seriesKey renders name{k="v",...}. labels are key/value pairs; an odd
// trailing key is dropped.
func seriesKey(name string, labels []string) string {
	if len(labels) < 2 {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", labels[i], labels[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

// Inc adds one to the counter name with the given label pairs.
func (m *Metrics) Inc(name string, labels ...string) {
	key := seriesKey(name, labels)

	m.mu.RLock()
	p, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.counters[key]; !ok {
			p = new(int64)
			m.counters[key] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// Counter returns the current value of a counter series.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.counters[seriesKey(name, labels)]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (m *Metrics) observe(method, route string, status int, d time.Duration) {
	key := seriesKey("", []string{"method", method, "route", route, "status_code", strconv.Itoa(status)})

	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.durations[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			m.durations[key] = h
		}
		m.mu.Unlock()
	}
	h.observe(d.Seconds())
}

// Middleware records the latency of every request by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.active, -1)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.observe(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

// Handler serves every series in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		m.mu.RLock()
		counterKeys := sortedKeys(m.counters)
		durationKeys := sortedKeys(m.durations)
		m.mu.RUnlock()

		typed := map[string]bool{}
		for _, key := range counterKeys {
			name := key
			if i := strings.IndexByte(key, '{'); i >= 0 {
				name = key[:i]
			}
			if !typed[name] {
				fmt.Fprintf(&b, "# TYPE %s counter\n", name)
				typed[name] = true
			}
			m.mu.RLock()
			v := atomic.LoadInt64(m.counters[key])
			m.mu.RUnlock()
			fmt.Fprintf(&b, "%s %d\n", key, v)
		}

		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n", atomic.LoadInt64(&m.active))

		const name = "http_server_request_duration_seconds"
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		for _, key := range durationKeys {
			m.mu.RLock()
			h := m.durations[key]
			m.mu.RUnlock()
			labels := strings.TrimSuffix(strings.TrimPrefix(key, "{"), "}")
			cum := h.cumulative()
			for i, le := range h.boundaries {
				fmt.Fprintf(&b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, le, cum[i])
			}
			count := atomic.LoadInt64(&h.count)
			fmt.Fprintf(&b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, count)
			fmt.Fprintf(&b, "%s_sum{%s} %g\n", name, labels, math.Float64frombits(atomic.LoadUint64(&h.sum)))
			fmt.Fprintf(&b, "%s_count{%s} %d\n", name, labels, count)
		}

		return c.String(http.StatusOK, b.String())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
