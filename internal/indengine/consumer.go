package indengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tastream/internal/logger"
	"tastream/internal/model"
)

const (
	computeLatencyKey        = "metrics:indengine:indicator_compute_ms"
	computeLatencyTTL        = 30 * time.Second
	computeLatencyPublishDur = 2 * time.Second
	computeLatencyAlpha      = 0.2
)

// consume recovers pending entries from a previous run, then reads new bars
// via XREADGROUP until ctx is cancelled.
func (svc *Service) consume(ctx context.Context) error {
	if len(svc.streams) == 0 {
		svc.log.Warn("no bar streams to consume")
		<-ctx.Done()
		return nil
	}
	if err := svc.reader.RecoverPending(ctx, svc.streams, svc.barCh); err != nil && ctx.Err() == nil {
		svc.log.Warn("pending recovery failed", slog.String("error", err.Error()))
	}
	err := svc.reader.ConsumeBars(ctx, svc.streams, svc.barCh)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reclaimPEL periodically claims entries other consumers left unACKed.
func (svc *Service) reclaimPEL(ctx context.Context) {
	if len(svc.streams) == 0 {
		return
	}
	svc.log.Info("PEL reclaimer started",
		slog.Duration("interval", svc.cfg.PELInterval),
		slog.Duration("min_idle", svc.cfg.PELMinIdle))
	svc.reader.StartPELReclaimer(ctx, svc.streams, svc.cfg.PELInterval, svc.cfg.PELMinIdle, svc.barCh,
		func(count int) {
			svc.prom.PELMessagesReclaimed.Add(float64(count))
		})
}

// processLoop owns the engine. It applies finalized bars, previews forming
// bars, and runs control tasks submitted through do.
func (svc *Service) processLoop(ctx context.Context) error {
	var (
		latencyEwmaMs float64
		lastPublish   time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-svc.ctrlCh:
			task(svc.engine)
		case bar := <-svc.barCh:
			start := time.Now()
			results := svc.handleBar(ctx, bar, start)
			if results == nil {
				continue
			}
			elapsed := time.Since(start)
			svc.prom.ComputeDur.Observe(elapsed.Seconds())
			svc.write(ctx, results)
			if !bar.Forming && svc.log.Enabled(ctx, slog.LevelDebug) {
				tctx := logger.WithTraceID(ctx, logger.GenerateTraceID(bar.Key(), bar.TF, bar.TS))
				svc.log.DebugContext(tctx, "bar processed", append(logger.LogWithTrace(tctx),
					slog.Int("results", len(results)),
					slog.Duration("elapsed", elapsed))...)
			}

			ms := float64(elapsed.Microseconds()) / 1000.0
			if latencyEwmaMs == 0 {
				latencyEwmaMs = ms
			} else {
				latencyEwmaMs = latencyEwmaMs*(1-computeLatencyAlpha) + ms*computeLatencyAlpha
			}
			if time.Since(lastPublish) >= computeLatencyPublishDur {
				svc.publishComputeLatency(ctx, latencyEwmaMs)
				lastPublish = time.Now()
			}
		}
	}
}

// handleBar runs one bar through the engine. Forming bars are previewed
// subject to the per-instrument rate limit; finalized bars the engine has
// already applied are dropped, the rest are applied and logged to SQLite.
func (svc *Service) handleBar(ctx context.Context, bar model.Bar, now time.Time) []model.IndicatorResult {
	if svc.engine.Stale(bar) {
		return nil
	}
	if !bar.Finite() {
		svc.log.Warn("dropping bar with non-finite values", slog.String("stream", bar.StreamKey()), slog.Time("ts", bar.TS))
		return nil
	}
	if bar.Forming {
		svc.prom.FormingBarsTotal.Inc()
		if !svc.peek.allow(bar, now) {
			svc.prom.LiveThrottled.Inc()
			return nil
		}
		return svc.engine.ProcessPeek(bar)
	}

	results := svc.engine.Process(bar)
	svc.logBar(ctx, bar)
	svc.prom.BarsTotal.WithLabelValues(strconv.Itoa(bar.TF)).Inc()
	svc.health.ObserveBar(bar.TS, svc.engine.TokenCount())
	return results
}

// publishComputeLatency stores the smoothed compute latency for dashboards.
func (svc *Service) publishComputeLatency(ctx context.Context, ms float64) {
	if svc.writer == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = svc.writer.Client().Set(cctx, computeLatencyKey, fmt.Sprintf("%.3f", ms), computeLatencyTTL).Err()
}
