package indengine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"tastream/internal/indicator"
)

// snapshotLoop periodically checkpoints engine state to Redis and SQLite.
// The snapshot is taken on the process loop; saving happens here.
func (svc *Service) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(svc.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			var (
				data   []byte
				tokens int
				err    error
			)
			if derr := svc.do(ctx, func(e *indicator.Engine) {
				snap := indicator.SnapshotEngine(e, streamMarker(start))
				tokens = len(snap.Tokens)
				data, err = snap.Marshal()
			}); derr != nil {
				return nil
			}
			if err != nil {
				svc.log.Error("snapshot encode failed", slog.String("error", err.Error()))
				continue
			}
			svc.saveSnapshot(ctx, data)
			svc.prom.SnapshotDur.Observe(time.Since(start).Seconds())
			svc.log.Info("checkpoint saved", slog.Int("tokens", tokens), slog.Int("bytes", len(data)))
		}
	}
}

// saveSnapshot writes an encoded snapshot to every available store.
func (svc *Service) saveSnapshot(ctx context.Context, data []byte) {
	status := func(err error) string {
		if err != nil {
			return "error"
		}
		return "ok"
	}

	err := svc.reader.Snapshots(svc.cfg.SnapshotKey).SaveSnapshotJSON(ctx, data)
	svc.prom.SnapshotsTotal.WithLabelValues("redis", status(err)).Inc()
	if err != nil {
		svc.log.Warn("redis snapshot write failed", slog.String("error", err.Error()))
	}

	if svc.sqlWriter == nil {
		return
	}
	err = svc.sqlWriter.SaveSnapshotJSON(ctx, data)
	svc.prom.SnapshotsTotal.WithLabelValues("sqlite", status(err)).Inc()
	if err != nil {
		svc.log.Warn("sqlite snapshot write failed", slog.String("error", err.Error()))
	}
}

// streamMarker returns a time-based stream ID for snapshots. Stream IDs are
// "<ms>-<seq>", so every entry added before t sorts below it.
func streamMarker(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + "-0"
}

// rewindID moves a stream ID back by d. Unparseable IDs replay from the
// start of the stream.
func rewindID(id string, d time.Duration) string {
	msPart, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms < 0 {
		return "0"
	}
	ms -= d.Milliseconds()
	if ms <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d-0", ms)
}
