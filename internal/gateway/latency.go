package gateway

import (
	"sort"
	"sync"
	"time"
)

// LagSummary is the JSON body of /api/latency.
type LagSummary struct {
	Samples int     `json:"samples"`
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
	Max     float64 `json:"max_ms"`
}

// LagWindow holds the most recent bar-close to publish lags and summarises
// them. Safe for concurrent use.
type LagWindow struct {
	mu   sync.Mutex
	lags []time.Duration
	next int
	full bool
}

// NewLagWindow keeps the last size lags; size <= 0 means 10000.
func NewLagWindow(size int) *LagWindow {
	if size <= 0 {
		size = 10000
	}
	return &LagWindow{lags: make([]time.Duration, size)}
}

// Observe records one lag. Negative lags (clock skew) are ignored.
func (w *LagWindow) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	w.mu.Lock()
	w.lags[w.next] = d
	w.next++
	if w.next == len(w.lags) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// Len returns the number of lags held.
func (w *LagWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.full {
		return len(w.lags)
	}
	return w.next
}

// Summary returns nearest-rank percentiles of the held lags in milliseconds.
func (w *LagWindow) Summary() LagSummary {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.lags)
	}
	sorted := append([]time.Duration(nil), w.lags[:n]...)
	w.mu.Unlock()

	if n == 0 {
		return LagSummary{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return LagSummary{
		Samples: n,
		P50:     ms(rank(sorted, 50)),
		P95:     ms(rank(sorted, 95)),
		P99:     ms(rank(sorted, 99)),
		Max:     ms(sorted[n-1]),
	}
}

// rank picks the nearest-rank pct-th percentile of a sorted slice.
func rank(sorted []time.Duration, pct int) time.Duration {
	i := (pct*len(sorted)+99)/100 - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
