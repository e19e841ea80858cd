package indicator

import (
	"fmt"
	"math"
)

// EMA calculates Exponential Moving Average, seeded with the SMA of the first
// period values. O(1) per update; no window storage needed.
// Output is NaN until period values have been seen.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates an EMA. The period must be at least 1.
func NewEMA(period int) (*EMA, error) {
	if period < 1 {
		return nil, fmt.Errorf("%w: EMA period %d, must be >= 1", ErrInvalidParameter, period)
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}, nil
}

func (e *EMA) Period() int    { return e.period }
func (e *EMA) String() string { return fmt.Sprintf("EMA(%d)", e.period) }
func (e *EMA) Ready() bool    { return e.count >= e.period }

func (e *EMA) Next(price float64) float64 {
	if e.count < e.period {
		// Accumulate for initial SMA seed
		e.count++
		e.sum += price
		if e.count < e.period {
			return math.NaN()
		}
		e.current = e.sum / float64(e.period)
		return e.current
	}

	// EMA = (Price * multiplier) + (EMA_prev * (1 - multiplier))
	e.current = price*e.multiplier + e.current*(1-e.multiplier)
	return e.current
}

func (e *EMA) NextBar(b HLC) float64 { return e.Next(b.ClosePrice()) }

// Peek computes what NextBar(b) would return without mutating state.
func (e *EMA) Peek(b HLC) float64 {
	c := *e
	return c.Next(b.ClosePrice())
}

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
	e.sum = 0
}

// Snapshot serializes the EMA state for checkpoint persistence.
func (e *EMA) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:       TypeEMA,
		Period:     e.period,
		Multiplier: e.multiplier,
		Current:    e.current,
		Count:      e.count,
		Sum:        e.sum,
	}
}

// RestoreFromSnapshot restores EMA state from a checkpoint.
func (e *EMA) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.Type != TypeEMA {
		return fmt.Errorf("%w: want %s, got %s", ErrSnapshotMismatch, TypeEMA, snap.Type)
	}
	if snap.Period < 1 || snap.Count < 0 || snap.Count > snap.Period {
		return fmt.Errorf("%w: EMA period %d count %d", ErrSnapshotMismatch, snap.Period, snap.Count)
	}
	*e = EMA{
		period:     snap.Period,
		multiplier: 2.0 / float64(snap.Period+1),
		current:    snap.Current,
		count:      snap.Count,
		sum:        snap.Sum,
	}
	return nil
}
