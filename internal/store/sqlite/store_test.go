package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"tastream/internal/model"
)

func openTestDB(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r
}

func testBar(token string, tf int, ts time.Time, close float64) model.Bar {
	return model.Bar{
		Token: token, Exchange: "NSE", TF: tf, TS: ts,
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 10,
	}
}

func TestInsertAndReadBars(t *testing.T) {
	w, r := openTestDB(t)
	base := time.Unix(1700000000, 0).UTC()

	var bars []model.Bar
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		bars = append(bars, testBar("2885", 60, ts, 100+float64(i)), testBar("1594", 60, ts, 50.5))
	}
	bars = append(bars, testBar("2885", 300, base, 99))
	if err := w.InsertBars(bars); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := r.ReadBars("NSE", "2885", 60, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 bars, got %d", len(got))
	}
	for i, b := range got {
		if b.Close != 100+float64(i) {
			t.Errorf("bar %d: close=%.2f, want %.2f", i, b.Close, 100+float64(i))
		}
		if !b.TS.Equal(base.Add(time.Duration(i) * time.Minute)) {
			t.Errorf("bar %d: ts=%v", i, b.TS)
		}
	}

	all, err := r.ReadAllBars(60, base.Unix())
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 8 {
		t.Errorf("expected 8 bars after the first minute, got %d", len(all))
	}
}

func TestInsertBars_Upsert(t *testing.T) {
	w, r := openTestDB(t)
	ts := time.Unix(1700000000, 0).UTC()

	if err := w.InsertBars([]model.Bar{testBar("A", 60, ts, 10)}); err != nil {
		t.Fatal(err)
	}
	if err := w.InsertBars([]model.Bar{testBar("A", 60, ts, 11)}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.ReadBars("NSE", "A", 60, 0)
	if len(got) != 1 || got[0].Close != 11 {
		t.Errorf("expected one bar with close 11, got %+v", got)
	}
}

func TestRun_SkipsFormingAndFlushesOnClose(t *testing.T) {
	w, r := openTestDB(t)
	ts := time.Unix(1700000000, 0).UTC()

	ch := make(chan model.Bar, 4)
	forming := testBar("A", 60, ts.Add(time.Minute), 12)
	forming.Forming = true
	ch <- testBar("A", 60, ts, 10)
	ch <- forming
	close(ch)

	w.Run(context.Background(), ch)

	got, _ := r.ReadBars("NSE", "A", 60, 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 finalized bar, got %d", len(got))
	}
}

func TestSnapshots_LatestAndPrune(t *testing.T) {
	w, r := openTestDB(t)
	ctx := context.Background()

	data, err := r.ReadLatestSnapshotJSON(ctx)
	if err != nil || data != nil {
		t.Fatalf("empty db: data=%q err=%v", data, err)
	}

	for i := 0; i < keepSnapshots+5; i++ {
		if err := w.SaveSnapshotJSON(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}

	data, err = w.ReadLatestSnapshotJSON(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf(`{"n":%d}`, keepSnapshots+4); string(data) != want {
		t.Errorf("latest=%s, want %s", data, want)
	}

	var n int
	if err := w.DB().QueryRow(`SELECT COUNT(*) FROM indicator_snapshots`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != keepSnapshots {
		t.Errorf("kept %d snapshots, want %d", n, keepSnapshots)
	}

	if err := r.SaveSnapshotJSON(ctx, nil); err == nil {
		t.Error("reader should refuse writes")
	}
}
