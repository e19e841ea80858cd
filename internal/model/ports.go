package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the engine service from concrete storage
// implementations (Redis, SQLite).

// BarReader reads stored bars for backfill and replay.
type BarReader interface {
	// ReadBars reads bars for a specific instrument and TF, oldest first.
	ReadBars(exchange, token string, tf int, afterTS int64) ([]Bar, error)

	// ReadAllBars reads all bars for a given timeframe, oldest first.
	ReadAllBars(tf int, afterTS int64) ([]Bar, error)

	// Close releases underlying resources.
	Close() error
}

// IndicatorWriter publishes indicator results.
type IndicatorWriter interface {
	// WriteIndicatorBatch writes multiple indicator results in a single batch.
	WriteIndicatorBatch(ctx context.Context, results []IndicatorResult) error

	// Close releases underlying resources.
	Close() error
}

// SnapshotStore reads and writes indicator engine snapshots as raw JSON.
// Using []byte avoids a model→indicator→model import cycle.
type SnapshotStore interface {
	// SaveSnapshotJSON persists a JSON-encoded engine snapshot.
	SaveSnapshotJSON(ctx context.Context, data []byte) error

	// ReadLatestSnapshotJSON loads the most recent snapshot as raw JSON.
	// Returns nil, nil if no snapshot exists.
	ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error)
}
