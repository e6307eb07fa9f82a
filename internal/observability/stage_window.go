package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Negotiation stages recorded per voice session.
const (
	StageToken            = "token"
	StageMicrophone       = "microphone"
	StageICEGather        = "ice_gather"
	StageSDPExchange      = "sdp_exchange"
	StageChannelOpen      = "channel_open"
	StageStartToConnected = "start_to_connected"
)

// stageBudgetsMS is the p95 each stage is expected to stay under.
var stageBudgetsMS = map[string]float64{
	StageToken:            400,
	StageICEGather:        3000,
	StageSDPExchange:      800,
	StageChannelOpen:      1500,
	StageStartToConnected: 5000,
}

type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	MaxMS      float64 `json:"max_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget bool    `json:"over_budget,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// stageWindow keeps the latest size durations of every stage.
type stageWindow struct {
	size int

	mu     sync.Mutex
	series map[string]*stageSeries
}

// stageSeries holds samples oldest first; total tracks their sum.
type stageSeries struct {
	samples []float64
	total   float64
}

func (s *stageSeries) push(ms float64, size int) {
	if len(s.samples) == size {
		s.total -= s.samples[0]
		s.samples = append(s.samples[:0], s.samples[1:]...)
	}
	s.samples = append(s.samples, ms)
	s.total += ms
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{size: size, series: make(map[string]*stageSeries)}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	s := w.series[stage]
	if s == nil {
		s = &stageSeries{samples: make([]float64, 0, w.size)}
		w.series[stage] = s
	}
	s.push(ms, w.size)
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	out := make([]StageStats, 0, len(w.series))
	for name, s := range w.series {
		if len(s.samples) > 0 {
			out = append(out, summarize(name, s))
		}
	}
	w.mu.Unlock()

	slices.SortFunc(out, func(a, b StageStats) int {
		switch {
		case a.Stage < b.Stage:
			return -1
		case a.Stage > b.Stage:
			return 1
		}
		return 0
	})
	return StageSnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size, Stages: out}
}

func summarize(name string, s *stageSeries) StageStats {
	n := len(s.samples)
	sorted := slices.Clone(s.samples)
	slices.Sort(sorted)

	st := StageStats{
		Stage:    name,
		Samples:  n,
		LastMS:   roundMS(s.samples[n-1]),
		MeanMS:   roundMS(s.total / float64(n)),
		MaxMS:    roundMS(sorted[n-1]),
		P50MS:    roundMS(nearestRank(sorted, 50)),
		P95MS:    roundMS(nearestRank(sorted, 95)),
		BudgetMS: stageBudgetsMS[name],
	}
	st.OverBudget = st.BudgetMS > 0 && st.P95MS > st.BudgetMS
	return st
}

// nearestRank returns the pct-th percentile of an ascending slice.
func nearestRank(sorted []float64, pct int) float64 {
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
