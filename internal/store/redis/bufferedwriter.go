package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tastream/internal/model"
)

const (
	defaultMaxBuffered = 10000
	flushChunk         = 500
)

// BufferedWriter wraps an IndicatorWriter with a circuit breaker. While the
// circuit is open, confirmed results are buffered in memory (oldest dropped
// first when full) and flushed once the circuit closes. Live previews are
// never buffered: they are stale by the time Redis is back.
type BufferedWriter struct {
	writer model.IndicatorWriter
	cb     *CircuitBreaker
	ctx    context.Context
	log    *slog.Logger

	mu      sync.Mutex
	buffer  []model.IndicatorResult
	maxBuf  int
	dropped int

	OnBuffer func(count int) // called with the number of results buffered
	OnFlush  func(count int) // called after buffered results are written
}

var _ model.IndicatorWriter = (*BufferedWriter)(nil)

// NewBufferedWriter wraps w. ctx bounds background flushes.
func NewBufferedWriter(ctx context.Context, w model.IndicatorWriter, cb *CircuitBreaker, maxBuffered int) *BufferedWriter {
	if maxBuffered <= 0 {
		maxBuffered = defaultMaxBuffered
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		log:    slog.With(slog.String("component", "buffered-writer")),
		maxBuf: maxBuffered,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}
	return bw
}

// WriteIndicatorBatch writes through the circuit breaker. A rejected or
// failed batch is buffered and nil is returned, since the results are not lost.
func (bw *BufferedWriter) WriteIndicatorBatch(ctx context.Context, results []model.IndicatorResult) error {
	if len(results) == 0 {
		return nil
	}
	err := bw.cb.Execute(func() error {
		return bw.writer.WriteIndicatorBatch(ctx, results)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrCircuitOpen) {
		bw.log.Warn("batch write failed, buffering", slog.Int("results", len(results)), slog.String("error", err.Error()))
	}
	bw.bufferResults(results)
	return nil
}

func (bw *BufferedWriter) bufferResults(results []model.IndicatorResult) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	n := 0
	for _, r := range results {
		if r.Live {
			continue
		}
		bw.buffer = append(bw.buffer, r)
		n++
	}
	if over := len(bw.buffer) - bw.maxBuf; over > 0 {
		bw.buffer = append(bw.buffer[:0:0], bw.buffer[over:]...)
		bw.dropped += over
	}
	if n > 0 && bw.OnBuffer != nil {
		bw.OnBuffer(n)
	}
}

// flush writes buffered results in chunks. On failure the unwritten
// remainder goes back to the front of the buffer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	pending := bw.buffer
	bw.buffer = nil
	bw.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	flushed := 0
	for flushed < len(pending) {
		end := flushed + flushChunk
		if end > len(pending) {
			end = len(pending)
		}
		if err := bw.writer.WriteIndicatorBatch(bw.ctx, pending[flushed:end]); err != nil {
			bw.log.Error("flush failed", slog.Int("remaining", len(pending)-flushed), slog.String("error", err.Error()))
			bw.mu.Lock()
			bw.buffer = append(pending[flushed:], bw.buffer...)
			bw.mu.Unlock()
			break
		}
		flushed = end
	}

	bw.log.Info("flushed buffered results", slog.Int("count", flushed))
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered results waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Dropped returns how many buffered results were discarded on overflow.
func (bw *BufferedWriter) Dropped() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.dropped
}

// Close flushes what it can and closes the underlying writer.
func (bw *BufferedWriter) Close() error {
	if bw.cb.CurrentState() == StateClosed {
		bw.flush()
	}
	return bw.writer.Close()
}
