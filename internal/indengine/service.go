// Package indengine runs the streaming indicator engine: it consumes
// finalized bars from Redis Streams, computes indicators, and publishes the
// results to Redis and to WebSocket clients.
package indengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tastream/internal/gateway"
	"tastream/internal/indicator"
	"tastream/internal/metrics"
	"tastream/internal/model"
	"tastream/internal/notification"
	redisstore "tastream/internal/store/redis"
	sqlitestore "tastream/internal/store/sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	barChanSize = 5000

	// Replays start this far before the snapshot marker; bars already
	// applied are dropped as stale.
	replayMargin = time.Minute

	breakerFailures = 5
	breakerCooldown = 10 * time.Second
)

// Service is the top-level orchestrator for the indicator engine.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg Config
	log *slog.Logger

	reader    *redisstore.Reader
	writer    *redisstore.Writer
	breaker   *redisstore.CircuitBreaker
	sqlReader *sqlitestore.Reader
	sqlWriter *sqlitestore.Writer
	hub       *gateway.Hub
	out       model.IndicatorWriter
	notifier  notification.Notifier

	reg    *prometheus.Registry
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	// engine is owned by processLoop once Run starts it; everything else
	// reaches it through do.
	engine  *indicator.Engine
	streams []string
	barCh   chan model.Bar
	ctrlCh  chan func(*indicator.Engine)
	peek    *peekLimiter

	// barLog feeds applied bars to the SQLite bar history; nil without SQLite.
	barLog     chan model.Bar
	barLogDone chan struct{}
}

// New creates a new Service from the given Config.
// It connects to Redis and opens SQLite; SQLite failures are not fatal.
func New(cfg Config) (*Service, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := &Service{
		cfg:    cfg,
		log:    slog.With(slog.String("component", "indengine")),
		hub:    gateway.NewHub(),
		reg:    reg,
		prom:   metrics.NewMetrics(reg),
		health: metrics.NewHealthStatus(),
		barCh:  make(chan model.Bar, barChanSize),
		ctrlCh: make(chan func(*indicator.Engine)),
		peek:   newPeekLimiter(cfg.PeekRate, cfg.PeekBurst),

		notifier: notification.New(cfg.AlertWebhook),
	}
	svc.health.SetEnabledTFs(cfg.EnabledTFs)

	var err error
	svc.reader, err = redisstore.NewReader(redisstore.ReaderConfig{
		Addr:          cfg.Infra.RedisAddr,
		Password:      cfg.Infra.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		return nil, fmt.Errorf("redis reader: %w", err)
	}
	svc.writer, err = redisstore.New(redisstore.Config{
		Addr:     cfg.Infra.RedisAddr,
		Password: cfg.Infra.RedisPassword,
	})
	if err != nil {
		svc.reader.Close()
		return nil, fmt.Errorf("redis writer: %w", err)
	}
	svc.health.SetRedisConnected(true)

	svc.sqlReader, err = sqlitestore.NewReader(cfg.Infra.SQLitePath)
	if err != nil {
		svc.log.Warn("sqlite reader unavailable, continuing without backfill", slog.String("error", err.Error()))
	}
	if err := ensureDir(cfg.Infra.SQLitePath); err != nil {
		svc.log.Warn("sqlite directory unavailable", slog.String("path", cfg.Infra.SQLitePath), slog.String("error", err.Error()))
	}
	svc.sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.Infra.SQLitePath})
	if err != nil {
		svc.log.Warn("sqlite writer unavailable, snapshots go to redis only", slog.String("error", err.Error()))
	}
	svc.health.SetSQLiteOK(svc.sqlWriter != nil)

	svc.breaker = redisstore.NewCircuitBreaker(breakerFailures, breakerCooldown)
	svc.breaker.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		svc.log.Warn("redis circuit breaker", slog.String("from", from.String()), slog.String("to", to.String()))
		switch to {
		case redisstore.StateOpen:
			svc.prom.RedisCircuitBreakerTrips.Inc()
			go svc.alert(notification.AlertCritical, "redis circuit open",
				"result writes are buffered until redis recovers")
		case redisstore.StateClosed:
			go svc.alert(notification.AlertInfo, "redis circuit closed", "flushing buffered results")
		}
	}
	svc.hub.OnClients = func(n int) { svc.prom.WSClients.Set(float64(n)) }
	svc.hub.OnDrop = svc.prom.WSDroppedTotal.Inc
	svc.hub.OnLag = func(d time.Duration) { svc.prom.PublishLag.Observe(d.Seconds()) }

	return svc, nil
}

// Run restores the engine, starts all subsystems and blocks until ctx is
// cancelled or a subsystem fails.
func (svc *Service) Run(ctx context.Context) error {
	// Buffered results are still flushed during shutdown.
	buffered := redisstore.NewBufferedWriter(context.WithoutCancel(ctx), svc.writer, svc.breaker, 0)
	buffered.OnBuffer = func(n int) { svc.prom.RedisBufferedResults.Add(float64(n)) }
	svc.out = fanout{buffered, svc.hub}

	snap, err := svc.restoreEngine(ctx)
	if err != nil {
		return err
	}
	svc.health.SetEngineOK(true)
	svc.startBarLog()

	svc.streams = svc.buildStreams(ctx)
	svc.log.Info("consuming bar streams", slog.Int("streams", len(svc.streams)))
	svc.catchUp(ctx, snap)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.processLoop(gctx) })
	g.Go(func() error { return svc.consume(gctx) })
	g.Go(func() error { svc.reclaimPEL(gctx); return nil })
	g.Go(func() error { return svc.peekLoop(gctx) })
	g.Go(func() error { return svc.snapshotLoop(gctx) })
	g.Go(func() error { return svc.serveHTTP(gctx) })
	g.Go(func() error { return svc.serveMetrics(gctx) })
	g.Go(func() error { svc.configSubscriber(gctx); return nil })
	g.Go(func() error {
		svc.health.RunLivenessChecker(gctx, svc.writer.Client(), svc.sqlDB(), 10*time.Second)
		return nil
	})

	svc.log.Info("indicator engine running",
		slog.Any("tfs", svc.cfg.EnabledTFs),
		slog.Duration("snapshot_interval", svc.cfg.SnapshotInterval),
		slog.String("http", svc.cfg.HTTPAddr),
		slog.String("metrics", svc.cfg.Infra.MetricsAddr))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return multierr.Append(err, svc.shutdown())
}

// shutdown saves a final snapshot and closes connections. The process loop
// has exited, so the engine is safe to read here.
func (svc *Service) shutdown() error {
	svc.log.Info("shutting down, saving final snapshot")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if data, merr := indicator.SnapshotEngine(svc.engine, streamMarker(time.Now())).Marshal(); merr == nil {
		svc.saveSnapshot(shutCtx, data)
	} else {
		err = multierr.Append(err, merr)
	}

	if svc.out != nil {
		err = multierr.Append(err, svc.out.Close())
	}
	svc.stopBarLog()
	if svc.sqlReader != nil {
		err = multierr.Append(err, svc.sqlReader.Close())
	}
	if svc.sqlWriter != nil {
		err = multierr.Append(err, svc.sqlWriter.Close())
	}
	err = multierr.Append(err, svc.reader.Close())
	svc.log.Info("shutdown complete")
	return err
}

// restoreEngine restores from the Redis snapshot, then SQLite, then cold
// starts. A cold engine is warmed from SQLite history.
func (svc *Service) restoreEngine(ctx context.Context) (*indicator.EngineSnapshot, error) {
	restorer := indicator.NewRestorer(svc.cfg.IndicatorConfigs)

	stores := []model.SnapshotStore{svc.reader.Snapshots(svc.cfg.SnapshotKey)}
	if svc.sqlReader != nil {
		stores = append(stores, svc.sqlReader)
	}
	engine, snap, err := restorer.Restore(ctx, stores...)
	if err != nil {
		return nil, err
	}
	svc.engine = engine

	if snap == nil && svc.sqlReader != nil {
		n := restorer.BackfillFromSQLite(engine, svc.sqlReader, func(results []model.IndicatorResult) {
			svc.write(ctx, results)
		})
		svc.prom.ReplayedBars.Add(float64(n))
	}
	return snap, nil
}

// buildStreams lists the bar streams to consume: every configured token on
// every TF, or the streams that already exist when no tokens are configured.
func (svc *Service) buildStreams(ctx context.Context) []string {
	if len(svc.cfg.TokenKeys) > 0 {
		var streams []string
		for _, tf := range svc.cfg.EnabledTFs {
			for _, tk := range svc.cfg.TokenKeys {
				streams = append(streams, "bar:"+strconv.Itoa(tf)+"s:"+tk)
			}
		}
		return streams
	}
	return svc.reader.DiscoverBarStreams(ctx, svc.cfg.EnabledTFs, nil)
}

// catchUp replays each stream past the snapshot (or its whole history on a
// cold start) and positions the consumer group after the last replayed
// entry. Bars the engine has already applied are skipped.
func (svc *Service) catchUp(ctx context.Context, snap *indicator.EngineSnapshot) {
	from := "0"
	if snap != nil && snap.StreamID != "" {
		from = rewindID(snap.StreamID, replayMargin)
		svc.log.Info("replaying delta", slog.String("from", from))
	}

	replayed := 0
	for _, stream := range svc.streams {
		ch := make(chan model.Bar, barChanSize)
		var lastID string
		var replayErr error
		go func() {
			lastID, replayErr = svc.reader.ReplayFromID(ctx, stream, from, ch)
			close(ch)
		}()
		for bar := range ch {
			if bar.Forming || !bar.Finite() || svc.engine.Stale(bar) {
				continue
			}
			svc.write(ctx, svc.engine.Process(bar))
			svc.logBar(ctx, bar)
			replayed++
		}
		if replayErr != nil {
			svc.log.Warn("replay failed", slog.String("stream", stream), slog.String("error", replayErr.Error()))
		}
		if err := svc.reader.EnsureConsumerGroupFrom(ctx, stream, lastID); err != nil {
			svc.log.Warn("consumer group setup failed", slog.String("stream", stream), slog.String("error", err.Error()))
		}
	}
	svc.prom.ReplayedBars.Add(float64(replayed))
	svc.log.Info("caught up from streams", slog.Int("bars", replayed))
}

// startBarLog runs the SQLite bar writer that backs cold-start backfill and
// backtests. It drains until stopBarLog.
func (svc *Service) startBarLog() {
	if svc.sqlWriter == nil {
		return
	}
	svc.barLog = make(chan model.Bar, barChanSize)
	svc.barLogDone = make(chan struct{})
	go func() {
		defer close(svc.barLogDone)
		svc.sqlWriter.Run(context.Background(), svc.barLog)
	}()
}

// stopBarLog flushes pending bars. Must run after the process loop exits.
func (svc *Service) stopBarLog() {
	if svc.barLog == nil {
		return
	}
	close(svc.barLog)
	<-svc.barLogDone
	svc.barLog = nil
}

// logBar queues an applied bar for the SQLite history.
func (svc *Service) logBar(ctx context.Context, bar model.Bar) {
	if svc.barLog == nil {
		return
	}
	select {
	case svc.barLog <- bar:
	case <-ctx.Done():
	}
}

// write publishes results, counting per-indicator totals.
func (svc *Service) write(ctx context.Context, results []model.IndicatorResult) {
	if len(results) == 0 {
		return
	}
	for i := range results {
		if results[i].Live {
			continue
		}
		svc.prom.ResultsTotal.WithLabelValues(results[i].Name).Inc()
		if !results[i].Ready {
			svc.prom.WarmupResults.Inc()
		}
	}
	if err := svc.out.WriteIndicatorBatch(ctx, results); err != nil {
		svc.log.Warn("publish failed", slog.Int("results", len(results)), slog.String("error", err.Error()))
	}
}

// do runs fn on the process loop and waits for it to finish.
func (svc *Service) do(ctx context.Context, fn func(e *indicator.Engine)) error {
	done := make(chan struct{})
	task := func(e *indicator.Engine) {
		defer close(done)
		fn(e)
	}
	select {
	case svc.ctrlCh <- task:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureDir creates the parent directory of a file path.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (svc *Service) sqlDB() *sql.DB {
	if svc.sqlWriter == nil {
		return nil
	}
	return svc.sqlWriter.DB()
}

// alert sends an operational alert without blocking the caller for long.
func (svc *Service) alert(level notification.AlertLevel, title, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.notifier.Send(ctx, notification.Alert{Level: level, Title: title, Message: msg}); err != nil {
		svc.log.Warn("alert delivery failed", slog.String("title", title), slog.String("error", err.Error()))
	}
}

// fanout writes every batch to all writers.
type fanout []model.IndicatorWriter

func (f fanout) WriteIndicatorBatch(ctx context.Context, results []model.IndicatorResult) error {
	var err error
	for _, w := range f {
		err = multierr.Append(err, w.WriteIndicatorBatch(ctx, results))
	}
	return err
}

func (f fanout) Close() error {
	var err error
	for _, w := range f {
		err = multierr.Append(err, w.Close())
	}
	return err
}
