package indengine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tastream/internal/gateway"
	"tastream/internal/indicator"
	"tastream/internal/metrics"
	"tastream/internal/model"
)

const configChannel = "config:indicators"

// reloadResult is the JSON reply of POST /reload.
type reloadResult struct {
	Status    string `json:"status"`
	Preserved int    `json:"preserved"`
	Created   int    `json:"created"`
	Warmed    int    `json:"warmed"`
}

// routes builds the service mux: /reload, /healthz and the WebSocket gateway.
func (svc *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/reload", svc.handleReload)
	mux.Handle("/healthz", svc.health)
	gateway.RegisterRoutes(mux, svc.hub)
	return mux
}

// serveHTTP runs the service HTTP server until ctx is cancelled.
func (svc *Service) serveHTTP(ctx context.Context) error {
	srv := &http.Server{Addr: svc.cfg.HTTPAddr, Handler: svc.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	svc.log.Info("HTTP server listening", slog.String("addr", svc.cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveMetrics runs the Prometheus server until ctx is cancelled.
func (svc *Service) serveMetrics(ctx context.Context) error {
	srv := metrics.NewServer(svc.cfg.Infra.MetricsAddr, svc.reg, svc.health)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Stop(shutCtx)
	}()
	return srv.ListenAndServe()
}

// handleReload handles POST /reload with a JSON array of per-TF configs.
func (svc *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var configs []indicator.TFIndicatorConfig
	if err := json.NewDecoder(r.Body).Decode(&configs); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := svc.reload(r.Context(), configs)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// configSubscriber applies indicator specs published on config:indicators,
// e.g. "ADX:14,RSI:14:round", to every enabled TF.
func (svc *Service) configSubscriber(ctx context.Context) {
	pubsub := svc.reader.SubscribeChannel(ctx, configChannel)
	if pubsub == nil {
		svc.log.Warn("config subscription unavailable", slog.String("channel", configChannel))
		return
	}
	defer pubsub.Close()
	svc.log.Info("listening for config updates", slog.String("channel", configChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			specs, err := ParseIndicatorSpecs(msg.Payload)
			if err != nil {
				svc.prom.ConfigReloads.WithLabelValues("invalid").Inc()
				svc.log.Warn("ignoring config update", slog.String("payload", msg.Payload), slog.String("error", err.Error()))
				continue
			}
			if _, err := svc.reload(ctx, BuildIndicatorConfigs(svc.cfg.EnabledTFs, specs)); err != nil {
				svc.log.Warn("config reload failed", slog.String("error", err.Error()))
			}
		}
	}
}

// reload swaps the engine configs on the process loop. Indicators that
// survive keep their state; added ones are warmed from stream history.
func (svc *Service) reload(ctx context.Context, configs []indicator.TFIndicatorConfig) (reloadResult, error) {
	var (
		res reloadResult
		err error
	)
	if derr := svc.do(ctx, func(e *indicator.Engine) {
		res.Preserved, res.Created, err = e.ReloadConfigs(configs)
		if err != nil || res.Created == 0 {
			return
		}
		res.Warmed = svc.warm(ctx, e)
	}); derr != nil {
		return res, derr
	}
	if err != nil {
		svc.prom.ConfigReloads.WithLabelValues("invalid").Inc()
		return res, err
	}

	svc.prom.ConfigReloads.WithLabelValues("ok").Inc()
	res.Status = "ok"
	svc.warnUnconsumedTFs(configs)
	svc.log.Info("indicator config reloaded",
		slog.Int("preserved", res.Preserved),
		slog.Int("created", res.Created),
		slog.Int("warmed", res.Warmed))
	return res, nil
}

// warm replays the consumed streams into indicators added by a reload.
// Runs on the process loop.
func (svc *Service) warm(ctx context.Context, e *indicator.Engine) int {
	defer e.EndWarm()

	fed := 0
	for _, stream := range svc.streams {
		ch := make(chan model.Bar, barChanSize)
		var replayErr error
		go func() {
			_, replayErr = svc.reader.ReplayFromID(ctx, stream, "0", ch)
			close(ch)
		}()
		for bar := range ch {
			svc.write(ctx, e.Warm(bar))
			fed++
		}
		if replayErr != nil {
			svc.log.Warn("warm replay failed", slog.String("stream", stream), slog.String("error", replayErr.Error()))
		}
	}
	return fed
}

// warnUnconsumedTFs logs TFs that have indicators but no consumed stream;
// consumer streams are fixed at startup.
func (svc *Service) warnUnconsumedTFs(configs []indicator.TFIndicatorConfig) {
	consumed := make(map[int]bool, len(svc.cfg.EnabledTFs))
	for _, tf := range svc.cfg.EnabledTFs {
		consumed[tf] = true
	}
	for _, c := range configs {
		if !consumed[c.TF] {
			svc.log.Warn("timeframe has no consumer until restart", slog.Int("tf", c.TF))
		}
	}
}
