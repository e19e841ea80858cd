// Package redis connects the indicator engine to Redis: finalized bars are
// consumed from streams through consumer groups, forming bars arrive over
// pub/sub, indicator results are published to per-indicator streams and
// channels, and engine snapshots are cached under a single key.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"tastream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL = 30 * time.Minute

	// Stream trimming: ~3h of bars for the TF plus a buffer.
	streamWindowSec = 10800
	minStreamLen    = 200
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// connect creates a client and pings the server.
func connect(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// streamMaxLen sizes a stream to roughly three hours of TF bars.
func streamMaxLen(tf int) int64 {
	if tf <= 0 {
		return minStreamLen
	}
	n := int64(streamWindowSec/tf) + 100
	if n < minStreamLen {
		n = minStreamLen
	}
	return n
}

// Writer publishes indicator results (and, for feeds and backtests, bars).
type Writer struct {
	client *goredis.Client
	log    *slog.Logger
}

var _ model.IndicatorWriter = (*Writer)(nil)

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg Config) (*Writer, error) {
	client, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	log := slog.With(slog.String("component", "redis"))
	log.Info("connected", slog.String("addr", cfg.Addr))
	return &Writer{client: client, log: log}, nil
}

// WriteIndicatorBatch writes multiple indicator results in a single Redis pipeline.
// Confirmed results get XADD + SET latest + PUBLISH; live results are
// published only. Confirmed results that are still warming up are skipped.
func (w *Writer) WriteIndicatorBatch(ctx context.Context, results []model.IndicatorResult) error {
	if len(results) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	queued := 0
	for i := range results {
		ind := &results[i]
		if !ind.Ready && !ind.Live {
			continue
		}

		jsonBytes := ind.JSON()
		// Zero-copy []byte→string (jsonBytes is not mutated after this)
		jsonData := *(*string)(unsafe.Pointer(&jsonBytes))
		queued++

		if ind.Live {
			pipe.Publish(ctx, ind.PubSubChannel(), jsonData)
			continue
		}

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: ind.StreamKey(),
			MaxLen: streamMaxLen(ind.TF),
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Set(ctx, ind.LatestKey(), jsonData, defaultLatestTTL)
		pipe.Publish(ctx, ind.PubSubChannel(), jsonData)
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("indicator batch pipeline (%d results): %w", len(results), err)
	}
	return nil
}

// WriteBars publishes bars the way an upstream bar builder does: finalized
// bars are appended to their stream, forming bars go out on pub/sub only.
func (w *Writer) WriteBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for i := range bars {
		b := &bars[i]
		jsonData := string(b.JSON())
		if b.Forming {
			pipe.Publish(ctx, b.PubSubChannel(), jsonData)
			continue
		}
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: b.StreamKey(),
			MaxLen: streamMaxLen(b.TF),
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bar pipeline (%d bars): %w", len(bars), err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
