package indicator

import (
	"fmt"
	"math"
)

// DefaultCorrelationPeriod is the default CORREL window.
const DefaultCorrelationPeriod = 30

// Correlation is the rolling Pearson correlation coefficient of two series
// over the last period observations.
//
// Running sums of x, y, xy, x² and y² are kept alongside circular buffers so
// that each update only adds the incoming pair and subtracts the evicted one.
// Output is 0 until two pairs have been seen, and 0 whenever either series
// has no variance in the window (or rounding makes the variance product
// non-positive).
type Correlation struct {
	period int
	idx    int
	count  int

	sumX  float64
	sumY  float64
	sumXY float64
	sumX2 float64
	sumY2 float64

	bufX []float64
	bufY []float64
}

// NewCorrelation creates a Correlation. The period must be at least 1.
func NewCorrelation(period int) (*Correlation, error) {
	if period < 1 {
		return nil, fmt.Errorf("%w: CORREL period %d, must be >= 1", ErrInvalidParameter, period)
	}
	return &Correlation{
		period: period,
		bufX:   make([]float64, period),
		bufY:   make([]float64, period),
	}, nil
}

func (c *Correlation) Period() int    { return c.period }
func (c *Correlation) String() string { return fmt.Sprintf("CORREL(%d)", c.period) }
func (c *Correlation) Ready() bool    { return c.count >= 2 }

// Next consumes one (x, y) pair and returns the correlation over the window.
func (c *Correlation) Next(in Pair) float64 {
	x, y := in.X, in.Y
	oldX, oldY := c.bufX[c.idx], c.bufY[c.idx]
	c.bufX[c.idx] = x
	c.bufY[c.idx] = y
	c.idx++
	if c.idx == c.period {
		c.idx = 0
	}

	if c.count < c.period {
		c.count++
		c.sumX += x
		c.sumY += y
		c.sumXY += x * y
		c.sumX2 += x * x
		c.sumY2 += y * y
	} else {
		c.sumX = c.sumX - oldX + x
		c.sumY = c.sumY - oldY + y
		c.sumXY = c.sumXY - oldX*oldY + x*y
		c.sumX2 = c.sumX2 - oldX*oldX + x*x
		c.sumY2 = c.sumY2 - oldY*oldY + y*y
	}

	if c.count < 2 {
		return 0
	}

	n := float64(c.count)
	num := c.sumXY - c.sumX*c.sumY/n
	denX := c.sumX2 - c.sumX*c.sumX/n
	denY := c.sumY2 - c.sumY*c.sumY/n
	den := denX * denY
	if den <= 0 {
		return 0
	}
	return num / math.Sqrt(den)
}

// NextBar correlates a bar's high with its low.
func (c *Correlation) NextBar(b HLC) float64 {
	return c.Next(Pair{X: b.HighPrice(), Y: b.LowPrice()})
}

// Peek computes what NextBar(b) would return without mutating state.
func (c *Correlation) Peek(b HLC) float64 {
	cp := *c
	cp.bufX = append([]float64(nil), c.bufX...)
	cp.bufY = append([]float64(nil), c.bufY...)
	return cp.NextBar(b)
}

// Reset returns the Correlation to its freshly-constructed state.
func (c *Correlation) Reset() {
	c.idx, c.count = 0, 0
	c.sumX, c.sumY, c.sumXY, c.sumX2, c.sumY2 = 0, 0, 0, 0, 0
	for i := range c.bufX {
		c.bufX[i] = 0
		c.bufY[i] = 0
	}
}

// Snapshot serializes the Correlation state for checkpoint persistence.
func (c *Correlation) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:   TypeCorrelation,
		Period: c.period,
		Idx:    c.idx,
		Count:  c.count,
		Sum:    c.sumX,
		SumY:   c.sumY,
		SumXY:  c.sumXY,
		SumX2:  c.sumX2,
		SumY2:  c.sumY2,
		Buf:    append([]float64(nil), c.bufX...),
		BufY:   append([]float64(nil), c.bufY...),
	}
}

// RestoreFromSnapshot restores Correlation state from a checkpoint.
func (c *Correlation) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.Type != TypeCorrelation {
		return fmt.Errorf("%w: want %s, got %s", ErrSnapshotMismatch, TypeCorrelation, snap.Type)
	}
	if snap.Period < 1 || len(snap.Buf) != snap.Period || len(snap.BufY) != snap.Period {
		return fmt.Errorf("%w: CORREL period %d with buffers %d/%d",
			ErrSnapshotMismatch, snap.Period, len(snap.Buf), len(snap.BufY))
	}
	if snap.Idx < 0 || snap.Idx >= snap.Period || snap.Count < 0 || snap.Count > snap.Period {
		return fmt.Errorf("%w: CORREL idx %d count %d", ErrSnapshotMismatch, snap.Idx, snap.Count)
	}

	*c = Correlation{
		period: snap.Period,
		idx:    snap.Idx,
		count:  snap.Count,
		sumX:   snap.Sum,
		sumY:   snap.SumY,
		sumXY:  snap.SumXY,
		sumX2:  snap.SumX2,
		sumY2:  snap.SumY2,
		bufX:   append([]float64(nil), snap.Buf...),
		bufY:   append([]float64(nil), snap.BufY...),
	}
	return nil
}
