package indicator

import (
	"fmt"
	"math"
)

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
// Output is NaN until period values have been seen.
type SMA struct {
	period int
	buf    []float64 // preallocated circular buffer
	idx    int       // current write position
	count  int       // values received, capped at period
	sum    float64
}

// NewSMA creates an SMA. The period must be at least 1.
func NewSMA(period int) (*SMA, error) {
	if period < 1 {
		return nil, fmt.Errorf("%w: SMA period %d, must be >= 1", ErrInvalidParameter, period)
	}
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}, nil
}

func (s *SMA) Period() int    { return s.period }
func (s *SMA) String() string { return fmt.Sprintf("SMA(%d)", s.period) }
func (s *SMA) Ready() bool    { return s.count >= s.period }

func (s *SMA) Next(price float64) float64 {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	} else {
		s.count++
	}

	s.buf[s.idx] = price
	s.sum += price
	s.idx++
	if s.idx == s.period {
		s.idx = 0
	}

	if s.count < s.period {
		return math.NaN()
	}
	return s.sum / float64(s.period)
}

func (s *SMA) NextBar(b HLC) float64 { return s.Next(b.ClosePrice()) }

// Peek computes what NextBar(b) would return without mutating state.
func (s *SMA) Peek(b HLC) float64 {
	if s.count < s.period-1 {
		return math.NaN()
	}
	price := b.ClosePrice()
	if s.count < s.period {
		return (s.sum + price) / float64(s.period)
	}
	// Preview: replace the oldest value (at idx) with new price
	return (s.sum - s.buf[s.idx] + price) / float64(s.period)
}

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.idx = 0
	s.count = 0
	s.sum = 0
	for i := range s.buf {
		s.buf[i] = 0
	}
}

// Snapshot serializes the SMA state for checkpoint persistence.
func (s *SMA) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:   TypeSMA,
		Period: s.period,
		Buf:    append([]float64(nil), s.buf...),
		Idx:    s.idx,
		Count:  s.count,
		Sum:    s.sum,
	}
}

// RestoreFromSnapshot restores SMA state from a checkpoint.
func (s *SMA) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.Type != TypeSMA {
		return fmt.Errorf("%w: want %s, got %s", ErrSnapshotMismatch, TypeSMA, snap.Type)
	}
	if snap.Period < 1 || len(snap.Buf) != snap.Period {
		return fmt.Errorf("%w: SMA period %d with buffer %d", ErrSnapshotMismatch, snap.Period, len(snap.Buf))
	}
	if snap.Idx < 0 || snap.Idx >= snap.Period || snap.Count < 0 || snap.Count > snap.Period {
		return fmt.Errorf("%w: SMA idx %d count %d", ErrSnapshotMismatch, snap.Idx, snap.Count)
	}
	*s = SMA{
		period: snap.Period,
		buf:    append([]float64(nil), snap.Buf...),
		idx:    snap.Idx,
		count:  snap.Count,
		sum:    snap.Sum,
	}
	return nil
}
