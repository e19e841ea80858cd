package indicator

import (
	"context"
	"log/slog"

	"tastream/internal/model"
)

// Restorer orchestrates indicator engine state restoration on startup.
// It follows a priority chain over snapshot stores (Redis, then SQLite)
// and falls back to a cold start.
type Restorer struct {
	configs []TFIndicatorConfig
	log     *slog.Logger
}

// NewRestorer creates a new Restorer for the given indicator configs.
func NewRestorer(configs []TFIndicatorConfig) *Restorer {
	return &Restorer{
		configs: configs,
		log:     slog.With(slog.String("component", "restorer")),
	}
}

// Restore tries each store in order and restores from the first usable
// snapshot. The returned snapshot is nil on a cold start.
func (r *Restorer) Restore(ctx context.Context, stores ...model.SnapshotStore) (*Engine, *EngineSnapshot, error) {
	for i, store := range stores {
		if store == nil {
			continue
		}
		data, err := store.ReadLatestSnapshotJSON(ctx)
		if err != nil {
			r.log.Warn("snapshot read failed", slog.Int("source", i), slog.String("error", err.Error()))
			continue
		}
		if data == nil {
			continue
		}
		snap, err := UnmarshalEngineSnapshot(data)
		if err != nil {
			r.log.Warn("snapshot unusable", slog.Int("source", i), slog.String("error", err.Error()))
			continue
		}
		engine, err := r.RestoreFromSnap(snap)
		if err != nil {
			return nil, nil, err
		}
		return engine, snap, nil
	}
	engine, err := r.RestoreFromSnap(nil)
	return engine, nil, err
}

// RestoreFromSnap restores an engine from a snapshot.
// If snap is nil, returns a fresh engine (cold start).
func (r *Restorer) RestoreFromSnap(snap *EngineSnapshot) (*Engine, error) {
	if snap == nil {
		r.log.Info("no snapshot found, cold starting indicator engine")
		return NewEngine(r.configs)
	}

	r.log.Info("restoring from snapshot",
		slog.Int("version", snap.Version),
		slog.String("stream_id", snap.StreamID),
		slog.Int("tokens", len(snap.Tokens)))

	engine, err := RestoreEngine(r.configs, snap)
	if err != nil {
		return nil, err
	}
	r.log.Info("restored indicator engine from snapshot", slog.Int("token_sets", engine.TokenCount()))
	return engine, nil
}

// BackfillFromSQLite reads historical bars and feeds them into the engine to
// warm up cold indicators. Call it after a cold start and before starting the
// live stream consumer.
//
// It takes the last 2*maxPeriod bars per TF: ADX needs roughly twice its
// period before it produces a value. If onResults is non-nil it is called
// with the results of each bar so the caller can populate history.
func (r *Restorer) BackfillFromSQLite(engine *Engine, reader model.BarReader, onResults func([]model.IndicatorResult)) int {
	if reader == nil {
		return 0
	}
	window := 2 * MaxPeriod(r.configs)
	if window == 0 {
		return 0
	}

	total := 0
	for _, cfg := range r.configs {
		bars, err := reader.ReadAllBars(cfg.TF, 0)
		if err != nil {
			r.log.Warn("backfill read failed", slog.Int("tf", cfg.TF), slog.String("error", err.Error()))
			continue
		}

		fed := 0
		for _, series := range lastPerToken(bars, window) {
			for _, bar := range series {
				bar.Forming = false
				results := engine.Process(bar)
				if onResults != nil && len(results) > 0 {
					onResults(results)
				}
			}
			fed += len(series)
		}
		total += fed
		if fed > 0 {
			r.log.Info("backfilled bars", slog.Int("tf", cfg.TF), slog.Int("bars", fed))
		}
	}
	return total
}

// lastPerToken groups time-ordered bars by instrument and keeps the last n
// of each series, in first-seen instrument order.
func lastPerToken(bars []model.Bar, n int) [][]model.Bar {
	idx := make(map[string]int)
	var series [][]model.Bar
	for _, bar := range bars {
		key := joinKey(bar.Exchange, bar.Token)
		i, ok := idx[key]
		if !ok {
			i = len(series)
			idx[key] = i
			series = append(series, nil)
		}
		series[i] = append(series[i], bar)
	}
	for i, s := range series {
		if len(s) > n {
			series[i] = s[len(s)-n:]
		}
	}
	return series
}
