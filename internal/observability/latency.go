package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stages of a doubt turn that are timed.
const (
	StageSessionCreate = "session_create"
	StageAnswer        = "answer"
	StageHistoryLoad   = "history_load"
	StageTurnTotal     = "turn_total"
)

// p95 budgets in milliseconds; stages without one report no target.
var stageBudgetsMS = map[string]float64{
	StageSessionCreate: 150,
	StageHistoryLoad:   300,
	StageAnswer:        6000,
	StageTurnTotal:     6500,
}

type StageLatency struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type DropCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// LatencyReport is served on /v1/perf/latency.
type LatencyReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Drops       []DropCount    `json:"drops,omitempty"`
}

// LatencyWindow holds the last N samples of each stage plus counts of results
// that were discarded.
type LatencyWindow struct {
	size int

	mu      sync.Mutex
	samples map[string][]float64
	drops   map[string]int
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{
		size:    size,
		samples: make(map[string][]float64),
		drops:   make(map[string]int),
	}
}

func (w *LatencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s := append(w.samples[stage], ms)
	if len(s) > w.size {
		s = s[len(s)-w.size:]
	}
	w.samples[stage] = s
}

func (w *LatencyWindow) ObserveDrop(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	w.mu.Lock()
	w.drops[reason]++
	w.mu.Unlock()
}

func (w *LatencyWindow) Report() LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	report := LatencyReport{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageLatency, 0, len(w.samples)),
	}
	for stage, s := range w.samples {
		if len(s) == 0 {
			continue
		}
		report.Stages = append(report.Stages, summarize(stage, s))
	}
	sort.Slice(report.Stages, func(i, j int) bool {
		return report.Stages[i].Stage < report.Stages[j].Stage
	})

	for reason, n := range w.drops {
		report.Drops = append(report.Drops, DropCount{Reason: reason, Count: n})
	}
	sort.Slice(report.Drops, func(i, j int) bool {
		return report.Drops[i].Reason < report.Drops[j].Reason
	})
	return report
}

func summarize(stage string, s []float64) StageLatency {
	sorted := append([]float64(nil), s...)
	sort.Float64s(sorted)

	budget := stageBudgetsMS[stage]
	var sum float64
	over := 0
	for _, v := range sorted {
		sum += v
		if budget > 0 && v > budget {
			over++
		}
	}
	return StageLatency{
		Stage:      stage,
		Samples:    len(sorted),
		LastMS:     roundMS(s[len(s)-1]),
		AvgMS:      roundMS(sum / float64(len(sorted))),
		P50MS:      roundMS(nearestRank(sorted, 50)),
		P95MS:      roundMS(nearestRank(sorted, 95)),
		BudgetMS:   budget,
		OverBudget: over,
	}
}

// nearestRank returns the pth percentile of an ascending, non-empty slice.
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
