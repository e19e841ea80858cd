package indicator

import (
	"fmt"
	"math"
)

const (
	// DefaultADXPeriod is the customary Wilder period.
	DefaultADXPeriod = 14

	// adxUnstablePeriod caps the unstable-period counter. The counter is
	// tracked but never suppresses output.
	adxUnstablePeriod = 15
)

// adxPhase is the warm-up stage of an ADX.
type adxPhase int

const (
	// adxUninitialized: no bar seen yet (or just reset).
	adxUninitialized adxPhase = iota
	// adxAccumulating: raw +DM/-DM/TR are summed for period-1 bars.
	adxAccumulating
	// adxSeeding: sums are Wilder-smoothed and DX values are buffered
	// until there are period of them.
	adxSeeding
	// adxSteady: ADX itself is Wilder-smoothed every bar.
	adxSteady
)

var adxPhaseNames = [...]string{"uninitialized", "accumulating", "seeding", "steady"}

func (p adxPhase) String() string {
	if p < 0 || int(p) >= len(adxPhaseNames) {
		return "unknown"
	}
	return adxPhaseNames[p]
}

func parseADXPhase(s string) (adxPhase, bool) {
	for i, name := range adxPhaseNames {
		if name == s {
			return adxPhase(i), true
		}
	}
	return 0, false
}

// ADX is Wilder's Average Directional Index, a measure of trend strength
// regardless of direction.
//
// Output per bar:
//   - 0 for the first period bars (uninitialized and accumulating),
//   - NaN while the DX history is filling,
//   - the ADX in [0, 100] from then on.
//
// With rounding enabled every DI, DX and ADX value is rounded to the nearest
// integer before it is used further, reproducing TA-Lib's integer output.
type ADX struct {
	period int
	round  bool
	phase  adxPhase

	prevHigh  float64
	prevLow   float64
	prevClose float64

	// Raw sums while accumulating, Wilder-smoothed sums afterwards.
	plusDM  float64
	minusDM float64
	tr      float64

	count    int       // bars summed while accumulating
	dx       []float64 // DX history, only populated while seeding
	adx      float64
	unstable int
}

// NewADX creates an ADX. The period must be at least 2.
func NewADX(period int) (*ADX, error) {
	if period < 2 {
		return nil, fmt.Errorf("%w: ADX period %d, must be >= 2", ErrInvalidParameter, period)
	}
	return &ADX{period: period}, nil
}

// WithRounding turns on integer rounding of intermediate values. Call it
// right after construction, before the first Next.
func (a *ADX) WithRounding() *ADX {
	a.round = true
	return a
}

// Rounding reports whether integer rounding is enabled.
func (a *ADX) Rounding() bool { return a.round }

func (a *ADX) Period() int    { return a.period }
func (a *ADX) String() string { return fmt.Sprintf("ADX(%d)", a.period) }
func (a *ADX) Ready() bool    { return a.phase == adxSteady }

// Next consumes one bar and returns the updated ADX or a warm-up sentinel.
func (a *ADX) Next(b HLC) float64 {
	high, low, close := b.HighPrice(), b.LowPrice(), b.ClosePrice()

	if a.phase == adxUninitialized {
		a.remember(high, low, close)
		a.phase = adxAccumulating
		return 0
	}

	plusDM, minusDM := DirectionalMovement(high, low, a.prevHigh, a.prevLow)
	tr := TrueRange(high, low, a.prevClose)
	a.remember(high, low, close)

	switch a.phase {
	case adxAccumulating:
		a.plusDM += plusDM
		a.minusDM += minusDM
		a.tr += tr
		a.count++
		if a.count == a.period-1 {
			a.phase = adxSeeding
			a.count = 0
		}
		return 0

	case adxSeeding:
		if len(a.dx) == 0 {
			// The period-th raw value completes the initial sums.
			a.plusDM += plusDM
			a.minusDM += minusDM
			a.tr += tr
			a.dx = append(a.dx, a.directionalIndex())
			a.smooth(plusDM, minusDM, tr)
			return math.NaN()
		}

		a.smooth(plusDM, minusDM, tr)
		a.dx = append(a.dx, a.directionalIndex())
		if len(a.dx) < a.period {
			return math.NaN()
		}

		sum := 0.0
		for _, v := range a.dx {
			sum += v
		}
		a.adx = a.roundPos(sum / float64(a.period))
		a.unstable = 0
		a.dx = nil
		a.phase = adxSteady
		return a.adx

	default: // adxSteady
		a.smooth(plusDM, minusDM, tr)
		dx := a.directionalIndex()
		p := float64(a.period)
		a.adx = a.roundPos((a.adx*(p-1) + dx) / p)
		if a.unstable < adxUnstablePeriod {
			a.unstable++
		}
		return a.adx
	}
}

// NextBar is Next; it exists so ADX satisfies BarIndicator.
func (a *ADX) NextBar(b HLC) float64 { return a.Next(b) }

// Peek computes what Next(b) would return without mutating state.
func (a *ADX) Peek(b HLC) float64 {
	c := *a
	c.dx = append([]float64(nil), a.dx...)
	return c.Next(b)
}

// Reset returns the ADX to its freshly-constructed state. The rounding mode
// is a construction-time setting and survives a reset.
func (a *ADX) Reset() {
	*a = ADX{period: a.period, round: a.round}
}

func (a *ADX) remember(high, low, close float64) {
	a.prevHigh = high
	a.prevLow = low
	a.prevClose = close
}

// smooth applies the Wilder recurrence s = s - s/p + raw to the three sums.
func (a *ADX) smooth(plusDM, minusDM, tr float64) {
	p := float64(a.period)
	a.plusDM = a.plusDM - a.plusDM/p + plusDM
	a.minusDM = a.minusDM - a.minusDM/p + minusDM
	a.tr = a.tr - a.tr/p + tr
}

// directionalIndex derives +DI, -DI and DX from the current sums.
func (a *ADX) directionalIndex() float64 {
	var plusDI, minusDI float64
	if a.tr > 0 {
		plusDI = a.roundPos(100 * (a.plusDM / a.tr))
		minusDI = a.roundPos(100 * (a.minusDM / a.tr))
	}
	sum := plusDI + minusDI
	if sum <= 0 {
		return 0
	}
	return a.roundPos(100 * (math.Abs(plusDI-minusDI) / sum))
}

func (a *ADX) roundPos(x float64) float64 {
	if a.round {
		return math.Round(x)
	}
	return x
}

// DirectionalMovement returns (+DM, -DM) for a bar given the previous bar's
// high and low. At most one of the two is non-zero; a tie yields (0, 0).
func DirectionalMovement(high, low, prevHigh, prevLow float64) (plusDM, minusDM float64) {
	diffP := high - prevHigh
	diffM := prevLow - low
	switch {
	case diffM > 0 && diffP < diffM:
		return 0, diffM
	case diffP > 0 && diffP > diffM:
		return diffP, 0
	default:
		return 0, 0
	}
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// Snapshot serializes the ADX state for checkpoint persistence.
func (a *ADX) Snapshot() IndicatorSnapshot {
	return IndicatorSnapshot{
		Type:      TypeADX,
		Period:    a.period,
		Round:     a.round,
		Phase:     a.phase.String(),
		PrevHigh:  a.prevHigh,
		PrevLow:   a.prevLow,
		PrevClose: a.prevClose,
		PlusDM:    a.plusDM,
		MinusDM:   a.minusDM,
		TR:        a.tr,
		Count:     a.count,
		DX:        cloneFloats(a.dx),
		Current:   a.adx,
		Unstable:  a.unstable,
	}
}

// RestoreFromSnapshot restores ADX state from a checkpoint.
func (a *ADX) RestoreFromSnapshot(snap IndicatorSnapshot) error {
	if snap.Type != TypeADX {
		return fmt.Errorf("%w: want %s, got %s", ErrSnapshotMismatch, TypeADX, snap.Type)
	}
	if snap.Period < 2 {
		return fmt.Errorf("%w: ADX period %d", ErrSnapshotMismatch, snap.Period)
	}
	phase, ok := parseADXPhase(snap.Phase)
	if !ok {
		return fmt.Errorf("%w: unknown ADX phase %q", ErrSnapshotMismatch, snap.Phase)
	}
	if len(snap.DX) >= snap.Period || (phase != adxSeeding && len(snap.DX) > 0) {
		return fmt.Errorf("%w: ADX phase %s with %d DX values", ErrSnapshotMismatch, phase, len(snap.DX))
	}

	*a = ADX{
		period:    snap.Period,
		round:     snap.Round,
		phase:     phase,
		prevHigh:  snap.PrevHigh,
		prevLow:   snap.PrevLow,
		prevClose: snap.PrevClose,
		plusDM:    snap.PlusDM,
		minusDM:   snap.MinusDM,
		tr:        snap.TR,
		count:     snap.Count,
		dx:        cloneFloats(snap.DX),
		adx:       snap.Current,
		unstable:  snap.Unstable,
	}
	return nil
}
