// Package indicator provides streaming technical indicators.
//
// Every indicator consumes one data point per Next call and updates its
// statistic in O(1) (or O(period) once, while seeding) without rescanning
// history. Indicators share a capability set, not a base type: each one is
// a standalone struct that satisfies Indicator for its own input type.
//
// Warm-up and degenerate math are reported through sentinel return values
// (0, NaN, 50, 100) rather than errors. Constructors are the only place an
// error can occur.
package indicator

import "errors"

// ErrInvalidParameter is returned by constructors when the period is outside
// the range the indicator accepts.
var ErrInvalidParameter = errors.New("invalid parameter")

// Indicator is the capability set shared by all indicators.
type Indicator[In any] interface {
	// Period returns the configured window size.
	Period() int

	// Next feeds one tick and returns the updated value (or a sentinel).
	Next(in In) float64

	// Reset returns the indicator to its freshly-constructed state.
	Reset()

	// String returns a compact label such as "ADX(14)".
	String() string
}

// Closer supplies a bar's close price.
type Closer interface {
	ClosePrice() float64
}

// HLC supplies the high, low and close of a bar.
type HLC interface {
	Closer
	HighPrice() float64
	LowPrice() float64
}

// Pair is one observation of two parallel series.
type Pair struct {
	X float64
	Y float64
}

// BarIndicator is what the Engine drives: any indicator that can be fed a bar,
// previewed without mutation, and checkpointed.
type BarIndicator interface {
	Period() int
	Reset()
	String() string
	Snapshottable

	// NextBar feeds a finalized bar.
	NextBar(b HLC) float64

	// Peek computes what NextBar would return for b WITHOUT mutating state.
	// Used for live/streaming updates from forming bars.
	Peek(b HLC) float64

	// Ready returns true once the indicator emits non-warm-up values.
	Ready() bool
}

var (
	_ Indicator[HLC]     = (*ADX)(nil)
	_ Indicator[float64] = (*RSI)(nil)
	_ Indicator[Pair]    = (*Correlation)(nil)
	_ Indicator[float64] = (*SMA)(nil)
	_ Indicator[float64] = (*EMA)(nil)

	_ BarIndicator = (*ADX)(nil)
	_ BarIndicator = (*RSI)(nil)
	_ BarIndicator = (*Correlation)(nil)
	_ BarIndicator = (*SMA)(nil)
	_ BarIndicator = (*EMA)(nil)
)
