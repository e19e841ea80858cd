// Package metrics exposes Prometheus metrics and a health endpoint for the
// indicator engine.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the indicator engine.
type Metrics struct {
	BarsTotal        *prometheus.CounterVec // labels: tf
	FormingBarsTotal prometheus.Counter
	ReplayedBars     prometheus.Counter

	ComputeDur    prometheus.Histogram
	ResultsTotal  *prometheus.CounterVec // labels: indicator
	WarmupResults prometheus.Counter
	LiveThrottled prometheus.Counter

	SnapshotsTotal *prometheus.CounterVec // labels: store, status
	SnapshotDur    prometheus.Histogram
	ConfigReloads  *prometheus.CounterVec // labels: status

	PELMessagesReclaimed prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedResults     prometheus.Counter

	// WebSocket gateway
	WSClients      prometheus.Gauge
	WSDroppedTotal prometheus.Counter
	PublishLag     prometheus.Histogram
}

// NewMetrics creates all metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indengine_bars_total",
			Help: "Finalized bars processed (by timeframe)",
		}, []string{"tf"}),
		FormingBarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_forming_bars_total",
			Help: "Forming bars peeked",
		}),
		ReplayedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_replayed_bars_total",
			Help: "Bars replayed during restore (stream delta or SQLite backfill)",
		}),

		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indengine_compute_duration_seconds",
			Help:    "Indicator engine compute latency per bar",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		ResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indengine_results_total",
			Help: "Indicator values computed (by indicator name)",
		}, []string{"indicator"}),
		WarmupResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_warmup_results_total",
			Help: "Results emitted before the indicator was ready",
		}),
		LiveThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_live_results_throttled_total",
			Help: "Forming-bar peeks skipped by the per-instrument rate limit",
		}),

		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indengine_snapshots_total",
			Help: "Engine snapshots written (by store and status)",
		}, []string{"store", "status"}),
		SnapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indengine_snapshot_duration_seconds",
			Help:    "Time to serialize and persist an engine snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indengine_config_reloads_total",
			Help: "Indicator config hot reloads (by status)",
		}, []string{"status"}),

		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_pel_messages_reclaimed_total",
			Help: "Messages reclaimed from dead consumers via XCLAIM",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_redis_buffered_results_total",
			Help: "Results buffered locally while the Redis circuit breaker was open",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "indengine_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "indengine_ws_dropped_total",
			Help: "Messages dropped for slow WebSocket clients",
		}),
		PublishLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indengine_publish_lag_seconds",
			Help:    "Bar close to WebSocket broadcast lag for finalized results",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	reg.MustRegister(
		m.BarsTotal,
		m.FormingBarsTotal,
		m.ReplayedBars,
		m.ComputeDur,
		m.ResultsTotal,
		m.WarmupResults,
		m.LiveThrottled,
		m.SnapshotsTotal,
		m.SnapshotDur,
		m.ConfigReloads,
		m.PELMessagesReclaimed,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedResults,
		m.WSClients,
		m.WSDroppedTotal,
		m.PublishLag,
	)

	return m
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool
	SQLiteOK       bool
	EngineOK       bool
	LastBarTime    time.Time
	EnabledTFs     []int
	Tokens         int

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetEngineOK(v bool) {
	h.mu.Lock()
	h.EngineOK = v
	h.mu.Unlock()
}

// ObserveBar records the latest processed bar time and instrument count.
func (h *HealthStatus) ObserveBar(ts time.Time, tokens int) {
	h.mu.Lock()
	h.LastBarTime = ts
	h.Tokens = tokens
	h.mu.Unlock()
}

func (h *HealthStatus) SetEnabledTFs(tfs []int) {
	h.mu.Lock()
	h.EnabledTFs = tfs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker probes dependencies every interval until ctx is cancelled.
// Either handle may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(probeCtx, sqlDB)
			}
			cancel()
		}
	}
}

type healthReport struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	EngineOK        bool    `json:"engine_ok"`
	LastBarTime     string  `json:"last_bar_time,omitempty"`
	BarAge          string  `json:"bar_age,omitempty"`
	Tokens          int     `json:"tokens"`
	EnabledTFs      []int   `json:"enabled_tfs"`
	LastCheckAt     string  `json:"last_check_at,omitempty"`
}

// report derives the overall status: the engine and Redis are required,
// SQLite only degrades the service.
func (h *HealthStatus) report() (healthReport, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := healthReport{
		Status:          "healthy",
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		EngineOK:        h.EngineOK,
		Tokens:          h.Tokens,
		EnabledTFs:      h.EnabledTFs,
	}
	if !h.LastBarTime.IsZero() {
		r.LastBarTime = h.LastBarTime.Format(time.RFC3339)
		r.BarAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}
	if !h.LastCheckAt.IsZero() {
		r.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}

	code := http.StatusOK
	switch {
	case !h.EngineOK || !h.RedisConnected:
		r.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !h.SQLiteOK:
		r.Status = "degraded"
	}
	return r, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	r, code := h.report()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(r)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server gathering from g.
func NewServer(addr string, g prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:  slog.With(slog.String("component", "metrics")),
	}
}

// ListenAndServe blocks until the server stops. A graceful Stop returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("server listening", slog.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
