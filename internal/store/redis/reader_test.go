package redis

import (
	"testing"
	"time"

	"tastream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

func baseBar(ts int64, o, h, l, c float64) model.Bar {
	return model.Bar{
		Token: "2885", Exchange: "NSE", TF: 1, TS: time.Unix(ts, 0).UTC(),
		Open: o, High: h, Low: l, Close: c, Volume: 1,
	}
}

func TestFormingAggregator_MergesWithinBucket(t *testing.T) {
	agg := newFormingAggregator([]int{60, 300})

	agg.add(baseBar(1700000040, 100, 101, 99, 100))
	agg.add(baseBar(1700000041, 100, 105, 100, 104))
	out := agg.add(baseBar(1700000042, 104, 104, 97, 98))

	if len(out) != 2 {
		t.Fatalf("expected one forming bar per TF, got %d", len(out))
	}
	b := out[0]
	if b.TF != 60 || !b.Forming {
		t.Errorf("unexpected bar %+v", b)
	}
	if b.TS.Unix() != 1700000040 {
		t.Errorf("bucket start=%d, want 1700000040", b.TS.Unix())
	}
	if b.Open != 100 || b.High != 105 || b.Low != 97 || b.Close != 98 || b.Volume != 3 {
		t.Errorf("merged OHLCV wrong: %+v", b)
	}
	if out[1].TS.Unix() != 1699999800 {
		t.Errorf("300s bucket start=%d", out[1].TS.Unix())
	}
}

func TestFormingAggregator_RollsToNewBucket(t *testing.T) {
	agg := newFormingAggregator([]int{60})

	agg.add(baseBar(1700000040, 100, 110, 90, 105))
	out := agg.add(baseBar(1700000100, 50, 51, 49, 50))
	if out[0].Open != 50 || out[0].High != 51 || out[0].Volume != 1 {
		t.Errorf("new bucket should start fresh: %+v", out[0])
	}

	// A late bar for the previous bucket is ignored.
	if late := agg.add(baseBar(1700000090, 1, 1, 1, 1)); len(late) != 0 {
		t.Errorf("late bar produced %d forming bars", len(late))
	}
}

func TestStreamMaxLen(t *testing.T) {
	cases := map[int]int64{0: 200, 1: 10900, 60: 280, 300: 200, 3600: 200}
	for tf, want := range cases {
		if got := streamMaxLen(tf); got != want {
			t.Errorf("streamMaxLen(%d)=%d, want %d", tf, got, want)
		}
	}
}

func TestDecodeBar(t *testing.T) {
	in := baseBar(1700000000, 1, 2, 0.5, 1.5)
	msg := goredis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": string(in.JSON())}}

	got, ok := decodeBar(msg)
	if !ok || got.Close != 1.5 || !got.TS.Equal(in.TS) {
		t.Errorf("decodeBar: ok=%v bar=%+v", ok, got)
	}

	if _, ok := decodeBar(goredis.XMessage{Values: map[string]interface{}{"data": "{"}}); ok {
		t.Error("expected malformed JSON to fail")
	}
	if _, ok := decodeBar(goredis.XMessage{Values: map[string]interface{}{}}); ok {
		t.Error("expected missing data field to fail")
	}
}
