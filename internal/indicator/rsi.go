package indicator

import (
	"fmt"
	"math"
)

// DefaultRSIPeriod is the customary Wilder period.
const DefaultRSIPeriod = 14

// change is one close-to-close move split into its gain and loss parts.
type change struct {
	gain float64
	loss float64
}

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
//
// Output is NaN until period price changes have been seen (so the first
// period values are NaN), then a value in [0, 100]. A window with no movement
// at all reports 50; a window with gains but no losses reports 100.
type RSI struct {
	period  int
	seen    bool // false until the first value has been consumed
	prev    float64
	changes []change // most recent changes, never longer than period
	avgGain float64
	avgLoss float64
	current float64
}

// NewRSI creates an RSI. The period must be at least 1.
func NewRSI(period int) (*RSI, error) {
	if period < 1 {
		return nil, fmt.Errorf("%w: RSI period %d, must be >= 1", ErrInvalidParameter, period)
	}
	return &RSI{period: period, changes: make([]change, 0, period+1), current: math.NaN()}, nil
}

func (r *RSI) Period() int    { return r.period }
func (r *RSI) String() string { return fmt.Sprintf("RSI(%d)", r.period) }
func (r *RSI) Ready() bool    { return len(r.changes) >= r.period }

// Next consumes one price and returns the updated RSI or NaN during warm-up.
func (r *RSI) Next(price float64) float64 {
	if !r.seen {
		r.seen = true
		r.prev = price
		return math.NaN()
	}

	delta := price - r.prev
	r.prev = price

	var c change
	if delta >= 0 {
		c.gain = delta
	} else {
		c.loss = -delta
	}

	r.changes = append(r.changes, c)
	if len(r.changes) < r.period {
		return math.NaN()
	}
	for len(r.changes) > r.period {
		// Shift in place so the backing array does not creep forward.
		copy(r.changes, r.changes[1:])
		r.changes = r.changes[:len(r.changes)-1]
	}

	p := float64(r.period)
	// Seed from the simple mean whenever both averages sit at exactly zero,
	// which also covers a flat market that later starts moving.
	if r.avgGain == 0 && r.avgLoss == 0 {
		var sumGain, sumLoss float64
		for _, ch := range r.changes {
			sumGain += ch.gain
			sumLoss += ch.loss
		}
		r.avgGain = sumGain / p
		r.avgLoss = sumLoss / p
	} else {
		r.avgGain = (r.avgGain*(p-1) + c.gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + c.loss) / p
	}

	r.current = rsiFromAverages(r.avgGain, r.avgLoss)
	return r.current
}

// NextBar feeds the bar's close.
func (r *RSI) NextBar(b HLC) float64 { return r.Next(b.ClosePrice()) }

// Peek computes what NextBar(b) would return without mutating state.
func (r *RSI) Peek(b HLC) float64 {
	c := *r
	c.changes = append(make([]change, 0, r.period+1), r.changes...)
	return c.Next(b.ClosePrice())
}

// Reset returns the RSI to its freshly-constructed state.
func (r *RSI) Reset() {
	r.seen = false
	r.prev = 0
	r.changes = r.changes[:0]
	r.avgGain = 0
	r.avgLoss = 0
	r.current = math.NaN()
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Snapshot serializes the RSI state for checkpoint persistence.
func (r *RSI) Snapshot() IndicatorSnapshot {
	snap := IndicatorSnapshot{
		Type:      TypeRSI,
		Period:    r.period,
		Started:   r.seen,
		PrevClose: r.prev,
		AvgGain:   r.avgGain,
		AvgLoss:   r.avgLoss,
		Count:     len(r.changes),
	}
	if !math.IsNaN(r.current) {
		snap.Current = r.current
	}
	if len(r.changes) > 0 {
		snap.Gains = make([]float64, len(r.changes))
		snap.Losses = make([]float64, len(r.changes))
		for i, ch := range r.changes {
			snap.Gains[i] = ch.gain
			snap.Losses[i] = ch.loss
		}
	}
	return snap
}

// RestoreFromSnapshot restores RSI state from a checkpoint.
func (r *RSI) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.Type != TypeRSI {
		return fmt.Errorf("%w: want %s, got %s", ErrSnapshotMismatch, TypeRSI, snap.Type)
	}
	if snap.Period < 1 {
		return fmt.Errorf("%w: RSI period %d", ErrSnapshotMismatch, snap.Period)
	}
	if len(snap.Gains) != len(snap.Losses) || len(snap.Gains) > snap.Period {
		return fmt.Errorf("%w: RSI window %d/%d for period %d",
			ErrSnapshotMismatch, len(snap.Gains), len(snap.Losses), snap.Period)
	}

	changes := make([]change, len(snap.Gains), snap.Period+1)
	for i := range snap.Gains {
		changes[i] = change{gain: snap.Gains[i], loss: snap.Losses[i]}
	}

	*r = RSI{
		period:  snap.Period,
		seen:    snap.Started,
		prev:    snap.PrevClose,
		changes: changes,
		avgGain: snap.AvgGain,
		avgLoss: snap.AvgLoss,
		current: math.NaN(),
	}
	if len(changes) >= snap.Period {
		r.current = snap.Current
	}
	return nil
}
