package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"tastream/internal/model"
)

// fakeIndicatorWriter records batches and fails while down is set.
type fakeIndicatorWriter struct {
	mu      sync.Mutex
	down    bool
	written []model.IndicatorResult
	closed  bool
}

func (f *fakeIndicatorWriter) WriteIndicatorBatch(_ context.Context, results []model.IndicatorResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errFail
	}
	f.written = append(f.written, results...)
	return nil
}

func (f *fakeIndicatorWriter) Close() error {
	f.closed = true
	return nil
}

func (f *fakeIndicatorWriter) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeIndicatorWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func results(n int, live bool) []model.IndicatorResult {
	out := make([]model.IndicatorResult, n)
	for i := range out {
		out[i] = model.IndicatorResult{Name: "RSI_14", Token: "2885", Exchange: "NSE", TF: 60, Value: float64(i), Ready: true, Live: live}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBufferedWriter_PassThrough(t *testing.T) {
	fw := &fakeIndicatorWriter{}
	cb, _ := newTestBreaker(2)
	bw := NewBufferedWriter(context.Background(), fw, cb, 100)

	if err := bw.WriteIndicatorBatch(context.Background(), results(3, false)); err != nil {
		t.Fatal(err)
	}
	if fw.count() != 3 || bw.PendingCount() != 0 {
		t.Errorf("written=%d pending=%d", fw.count(), bw.PendingCount())
	}
}

func TestBufferedWriter_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	fw := &fakeIndicatorWriter{down: true}
	cb, clk := newTestBreaker(2)
	var flushed int
	var flushMu sync.Mutex
	bw := NewBufferedWriter(context.Background(), fw, cb, 100)
	bw.OnFlush = func(n int) {
		flushMu.Lock()
		flushed += n
		flushMu.Unlock()
	}
	ctx := context.Background()

	// Two failures trip the breaker, the third batch is rejected outright.
	bw.WriteIndicatorBatch(ctx, results(2, false))
	bw.WriteIndicatorBatch(ctx, results(2, false))
	bw.WriteIndicatorBatch(ctx, append(results(2, false), results(5, true)...))
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open breaker, got %v", cb.CurrentState())
	}
	if bw.PendingCount() != 6 {
		t.Fatalf("pending=%d, want 6 (live results are not buffered)", bw.PendingCount())
	}

	fw.setDown(false)
	clk.advance(11 * time.Second)
	if err := bw.WriteIndicatorBatch(ctx, results(1, false)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return fw.count() == 7 })
	waitFor(t, func() bool {
		flushMu.Lock()
		defer flushMu.Unlock()
		return flushed == 6
	})
	if bw.PendingCount() != 0 {
		t.Errorf("pending=%d after flush", bw.PendingCount())
	}
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	fw := &fakeIndicatorWriter{down: true}
	cb, _ := newTestBreaker(1)
	bw := NewBufferedWriter(context.Background(), fw, cb, 4)

	bw.WriteIndicatorBatch(context.Background(), results(3, false))
	bw.WriteIndicatorBatch(context.Background(), results(3, false))

	if bw.PendingCount() != 4 || bw.Dropped() != 2 {
		t.Errorf("pending=%d dropped=%d, want 4 and 2", bw.PendingCount(), bw.Dropped())
	}
}

func TestBufferedWriter_CloseClosesUnderlying(t *testing.T) {
	fw := &fakeIndicatorWriter{}
	cb, _ := newTestBreaker(1)
	bw := NewBufferedWriter(context.Background(), fw, cb, 0)
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
	if !fw.closed {
		t.Error("underlying writer not closed")
	}
}
