package aggregator

import (
	"sync"
	"time"

	"github.com/pi-agent/model-selector/internal/model"
)

// Health tracks rolling per-provider success/failure counts, adapted from
// provider_stats.go's ProviderStats: a 90%-success/10%-recency
// score used only to choose probe fan-out order. It never
// influences the ranker, which orders *candidates*, not providers.
type Health struct {
	mu      sync.Mutex
	metrics map[model.Provider]*providerMetrics
}

type providerMetrics struct {
	successCount int64
	failureCount int64
	lastUsed     time.Time
}

// NewHealth creates an empty health tracker.
func NewHealth() *Health {
	return &Health{metrics: map[model.Provider]*providerMetrics{}}
}

// Record logs the outcome of one probe invocation.
func (h *Health) Record(p model.Provider, ok bool, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, exists := h.metrics[p]
	if !exists {
		m = &providerMetrics{}
		h.metrics[p] = m
	}
	if ok {
		m.successCount++
	} else {
		m.failureCount++
	}
	m.lastUsed = time.Now()
}

// score returns a 0..1 health score: 90% success rate + 10% recency bonus
// (recently-used providers score slightly higher), the same
// GetScore weighting.
func (h *Health) score(p model.Provider) float64 {
	h.mu.Lock()
	m, exists := h.metrics[p]
	h.mu.Unlock()
	if !exists {
		return 0.5 // unknown providers start neutral, neither first nor last
	}
	total := m.successCount + m.failureCount
	successRate := 1.0
	if total > 0 {
		successRate = float64(m.successCount) / float64(total)
	}
	recency := 0.0
	if !m.lastUsed.IsZero() && time.Since(m.lastUsed) < 5*time.Minute {
		recency = 1.0
	}
	return successRate*0.9 + recency*0.1
}

// SortByHealth stably reorders idx (indices into some parallel slice) by
// descending health score of keyFn(i), highest-scoring first.
func (h *Health) SortByHealth(idx []int, keyFn func(int) model.Provider) {
	for i := 1; i < len(idx); i++ {
		j := i
		for j > 0 && h.score(keyFn(idx[j-1])) < h.score(keyFn(idx[j])) {
			idx[j-1], idx[j] = idx[j], idx[j-1]
			j--
		}
	}
}
