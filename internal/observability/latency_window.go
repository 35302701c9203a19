package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline stages timed by the console.
const (
	StageHealthCheck    = "health_check"
	StageMessageSend    = "message_send"
	StageReconcileFetch = "reconcile_fetch"
	StageMetricFetch    = "metric_fetch"
	StagePersist        = "persist"
)

// stageBudgets are p95 targets in milliseconds. The webhook budgets sit well
// under the 10s hard timeouts.
var stageBudgets = map[string]float64{
	StageHealthCheck:    2000,
	StageMessageSend:    5000,
	StageReconcileFetch: 1500,
	StageMetricFetch:    1500,
	StagePersist:        500,
}

type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	BudgetMS   float64 `json:"budget_p95_ms,omitempty"`
	OverBudget int     `json:"over_budget"`
	Breached   bool    `json:"breached"`
}

type EventCount struct {
	Event string `json:"event"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Events      []EventCount `json:"events,omitempty"`
}

// ring keeps the most recent samples of one stage.
type ring struct {
	buf  []float64
	head int
	size int
	last float64
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.last = v
}

func (r *ring) sorted() []float64 {
	out := make([]float64, r.size)
	copy(out, r.buf[:r.size])
	sort.Float64s(out)
	return out
}

type latencyWindow struct {
	mu       sync.RWMutex
	capacity int
	stages   map[string]*ring
	events   map[string]int
	now      func() time.Time
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &latencyWindow{
		capacity: capacity,
		stages:   make(map[string]*ring),
		events:   make(map[string]int),
		now:      time.Now,
	}
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.stages[stage]
	if r == nil {
		r = &ring{buf: make([]float64, w.capacity)}
		w.stages[stage] = r
	}
	r.push(ms)
}

// Count tallies a session lifecycle event alongside the latency samples.
func (w *latencyWindow) Count(event string) {
	if event = strings.TrimSpace(event); event == "" {
		return
	}
	w.mu.Lock()
	w.events[event]++
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := LatencySnapshot{
		GeneratedAt: w.now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(w.stages)),
	}
	for _, stage := range sortedKeys(w.stages) {
		r := w.stages[stage]
		if r.size == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, r))
	}
	for _, event := range sortedKeys(w.events) {
		snap.Events = append(snap.Events, EventCount{Event: event, Count: w.events[event]})
	}
	return snap
}

func summarize(stage string, r *ring) StageStats {
	samples := r.sorted()
	budget := stageBudgets[stage]

	var sum float64
	over := 0
	for _, v := range samples {
		sum += v
		if budget > 0 && v > budget {
			over++
		}
	}
	p95 := interpolate(samples, 0.95)
	return StageStats{
		Stage:      stage,
		Samples:    len(samples),
		LastMS:     round2(r.last),
		AvgMS:      round2(sum / float64(len(samples))),
		P50MS:      round2(interpolate(samples, 0.50)),
		P95MS:      round2(p95),
		P99MS:      round2(interpolate(samples, 0.99)),
		BudgetMS:   budget,
		OverBudget: over,
		Breached:   budget > 0 && p95 > budget,
	}
}

// interpolate returns the q-quantile of an ascending slice using linear
// interpolation between closest ranks.
func interpolate(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	i := int(pos)
	if i+1 >= n {
		return sorted[n-1]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*(pos-float64(i))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
