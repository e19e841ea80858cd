package replay

import (
	"context"
	"strings"
	"testing"
	"time"

	"tastream/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	bars map[int][]model.Bar
}

func (f *fakeReader) ReadBars(exchange, token string, tf int, afterTS int64) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range f.bars[tf] {
		if b.Exchange == exchange && b.Token == token {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeReader) ReadAllBars(tf int, afterTS int64) ([]model.Bar, error) {
	return f.bars[tf], nil
}

func (f *fakeReader) Close() error { return nil }

func at(min int) time.Time {
	return time.Unix(1700000000, 0).UTC().Add(time.Duration(min) * time.Minute)
}

func TestRun_InterleavesTFs(t *testing.T) {
	reader := &fakeReader{bars: map[int][]model.Bar{
		60:  {{TF: 60, TS: at(0)}, {TF: 60, TS: at(1)}, {TF: 60, TS: at(5), Forming: true}},
		300: {{TF: 300, TS: at(0)}},
	}}
	out := make(chan model.Bar, 10)
	require.NoError(t, New(reader).Run(context.Background(), []int{60, 300}, 0, 0, out))
	close(out)

	var got []int
	for b := range out {
		assert.False(t, b.Forming)
		got = append(got, b.TF)
	}
	assert.Equal(t, []int{60, 300, 60, 60}, got)
}

func TestLoad_OnlyOneInstrument(t *testing.T) {
	reader := &fakeReader{bars: map[int][]model.Bar{
		60: {
			{Exchange: "NSE", Token: "2885", TF: 60, TS: at(0)},
			{Exchange: "NSE", Token: "1594", TF: 60, TS: at(0)},
			{Exchange: "NSE", Token: "2885", TF: 60, TS: at(1)},
		},
	}}
	bars, err := New(reader).Only("NSE", "2885").Load([]int{60}, 0)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	for _, b := range bars {
		assert.Equal(t, "2885", b.Token)
	}
}

func TestPlay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Play(ctx, []model.Bar{{TS: at(0)}, {TS: at(1)}}, 1, make(chan model.Bar))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadCSV(t *testing.T) {
	data := `ts,open,high,low,close,volume
1700000060, 10, 12, 9, 11, 500
1700000000000,9,10,8,9.5
2023-11-14T22:28:20Z,11,13,10,12,700
`
	bars, err := ReadCSV(strings.NewReader(data), "NSE", "2885", 60)
	require.NoError(t, err)
	require.Len(t, bars, 3)

	assert.Equal(t, at(0), bars[0].TS)
	assert.Equal(t, 9.5, bars[0].Close)
	assert.Zero(t, bars[0].Volume)
	assert.Equal(t, at(1), bars[1].TS)
	assert.Equal(t, model.Bar{Exchange: "NSE", Token: "2885", TF: 60, TS: at(1), Open: 10, High: 12, Low: 9, Close: 11, Volume: 500}, bars[1])
	assert.Equal(t, at(15), bars[2].TS)

	_, err = ReadCSV(strings.NewReader("1700000000,1,2\n"), "NSE", "1", 60)
	assert.Error(t, err)
	_, err = ReadCSV(strings.NewReader("yesterday,1,2,3,4\n"), "NSE", "1", 60)
	assert.Error(t, err)
}
