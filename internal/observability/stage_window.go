package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Latency stages reported on /v1/perf/latency.
const (
	StageTranslationRoundTrip = "translation_round_trip"
	StageFinalToTranslation   = "final_to_translation"
)

var stageOrder = []string{StageTranslationRoundTrip, StageFinalToTranslation}

var stageTargetP95MS = map[string]float64{
	StageTranslationRoundTrip: 2500,
	StageFinalToTranslation:   3000,
}

type StageStats struct {
	Stage        string  `json:"stage"`
	Samples      int     `json:"samples"`
	LastMS       float64 `json:"last_ms"`
	P50MS        float64 `json:"p50_ms"`
	P95MS        float64 `json:"p95_ms"`
	TargetP95MS  float64 `json:"target_p95_ms"`
	WithinTarget bool    `json:"within_target"`
}

type StageSnapshot struct {
	GeneratedAt       time.Time    `json:"generated_at"`
	WindowSize        int          `json:"window_size"`
	Stages            []StageStats `json:"stages"`
	StaleTranslations int          `json:"stale_translations"`
}

// latencyWindow keeps the most recent samples of each translation stage.
type latencyWindow struct {
	mu      sync.Mutex
	size    int
	samples map[string][]float64
	stale   int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, samples: make(map[string][]float64, len(stageOrder))}
}

// observe ignores stages that are not reported.
func (w *latencyWindow) observe(stage string, ms float64) {
	if _, ok := stageTargetP95MS[stage]; !ok || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.samples[stage]
	if len(s) == w.size {
		s = append(s[:0], s[1:]...)
	}
	w.samples[stage] = append(s, ms)
}

func (w *latencyWindow) markStale() {
	w.mu.Lock()
	w.stale++
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt:       time.Now().UTC(),
		WindowSize:        w.size,
		Stages:            []StageStats{},
		StaleTranslations: w.stale,
	}
	for _, stage := range stageOrder {
		s := w.samples[stage]
		if len(s) == 0 {
			continue
		}
		sorted := slices.Clone(s)
		slices.Sort(sorted)
		p95 := nearestRank(sorted, 0.95)
		snap.Stages = append(snap.Stages, StageStats{
			Stage:        stage,
			Samples:      len(sorted),
			LastMS:       s[len(s)-1],
			P50MS:        nearestRank(sorted, 0.50),
			P95MS:        p95,
			TargetP95MS:  stageTargetP95MS[stage],
			WithinTarget: p95 <= stageTargetP95MS[stage],
		})
	}
	return snap
}

func nearestRank(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(idx, 0)]
}
