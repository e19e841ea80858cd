package indicator

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCorrelation_Period(t *testing.T) {
	_, err := NewCorrelation(0)
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	c, err := NewCorrelation(1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Period())

	c, err = NewCorrelation(10)
	require.NoError(t, err)
	assert.Equal(t, "CORREL(10)", c.String())
}

func TestCorrelation_FirstValueIsZero(t *testing.T) {
	for period := 1; period <= 20; period++ {
		c, err := NewCorrelation(period)
		require.NoError(t, err)
		assert.Equal(t, 0.0, c.Next(Pair{7, -3}), "period %d", period)
	}
}

func TestCorrelation_KnownValues(t *testing.T) {
	c, err := NewCorrelation(3)
	require.NoError(t, err)

	assert.Equal(t, 0.0, c.Next(Pair{2, 3}))
	assert.False(t, c.Ready())
	assert.Equal(t, -1.0, c.Next(Pair{3, 2}))
	assert.True(t, c.Ready())
	assert.InDelta(t, -0.9607689228305228, c.Next(Pair{6, 1}), 1e-12)
	// Window slides: (2, 3) is evicted.
	assert.InDelta(t, -0.7559289460184537, c.Next(Pair{5, 2}), 1e-12)
}

func TestCorrelation_PerfectPositive(t *testing.T) {
	c, err := NewCorrelation(5)
	require.NoError(t, err)
	var v float64
	for i := 0; i < 12; i++ {
		x := float64(i)
		v = c.Next(Pair{x, 2*x + 1})
	}
	assert.InDelta(t, 1.0, v, 1e-9)
}

func TestCorrelation_ZeroVariance(t *testing.T) {
	c, err := NewCorrelation(4)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		assert.Equal(t, 0.0, c.Next(Pair{7, float64(i)}), "constant x")
	}
}

func TestCorrelation_Bounded(t *testing.T) {
	c, err := NewCorrelation(DefaultCorrelationPeriod)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		fi := float64(i)
		v := c.Next(Pair{math.Sin(fi) * 10, math.Cos(fi*0.7) * 5})
		assert.GreaterOrEqual(t, v, -1.0-1e-9)
		assert.LessOrEqual(t, v, 1.0+1e-9)
	}
}

func TestCorrelation_NextBarUsesHighLow(t *testing.T) {
	c, err := NewCorrelation(3)
	require.NoError(t, err)
	direct, err := NewCorrelation(3)
	require.NoError(t, err)

	for _, b := range adxBars {
		assert.Equal(t, direct.Next(Pair{b.High, b.Low}), c.NextBar(b))
	}
}

func TestCorrelation_ResetMatchesFresh(t *testing.T) {
	c, err := NewCorrelation(3)
	require.NoError(t, err)
	c.Next(Pair{2, 3})
	c.Next(Pair{3, 2})
	c.Reset()

	fresh, err := NewCorrelation(3)
	require.NoError(t, err)
	assert.Equal(t, fresh.Snapshot(), c.Snapshot())
	assert.Equal(t, 0.0, c.Next(Pair{8, 9}))
}

func TestCorrelation_PeekDoesNotMutate(t *testing.T) {
	c, err := NewCorrelation(3)
	require.NoError(t, err)
	for _, b := range adxBars[:5] {
		c.NextBar(b)
	}
	before := c.Snapshot()
	peeked := c.Peek(adxBars[5])
	assert.Equal(t, before, c.Snapshot())
	assert.Equal(t, c.NextBar(adxBars[5]), peeked)
}

func TestCorrelation_SnapshotJSONRoundTrip(t *testing.T) {
	c, err := NewCorrelation(4)
	require.NoError(t, err)
	for _, b := range adxBars[:6] {
		c.NextBar(b)
	}

	data, err := json.Marshal(c.Snapshot())
	require.NoError(t, err)
	var snap IndicatorSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	c2, err := NewCorrelation(4)
	require.NoError(t, err)
	require.NoError(t, c2.RestoreFromSnapshot(snap))

	for _, b := range adxBars[6:] {
		assert.Equal(t, c.NextBar(b), c2.NextBar(b))
	}
}

func TestCorrelation_RestoreRejectsShortBuffer(t *testing.T) {
	c, err := NewCorrelation(4)
	require.NoError(t, err)
	err = c.RestoreFromSnapshot(IndicatorSnapshot{Type: TypeCorrelation, Period: 4, Buf: []float64{1}, BufY: []float64{1}})
	assert.True(t, errors.Is(err, ErrSnapshotMismatch))
}
