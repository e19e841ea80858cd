package indengine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tastream/internal/indicator"
	"tastream/internal/metrics"
	"tastream/internal/model"
	sqlitestore "tastream/internal/store/sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	batches [][]model.IndicatorResult
	err     error
	closed  bool
}

func (w *recordingWriter) WriteIndicatorBatch(_ context.Context, results []model.IndicatorResult) error {
	w.batches = append(w.batches, results)
	return w.err
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return w.err
}

// newTestService builds a Service without Redis or SQLite.
func newTestService(t *testing.T, peekRate float64) (*Service, *recordingWriter) {
	t.Helper()
	configs := []indicator.TFIndicatorConfig{
		{TF: 60, Indicators: []indicator.IndicatorConfig{{Type: "RSI", Period: 3}, {Type: "ADX", Period: 3}}},
	}
	engine, err := indicator.NewEngine(configs)
	require.NoError(t, err)

	out := &recordingWriter{}
	return &Service{
		cfg:    Config{EnabledTFs: []int{60}, IndicatorConfigs: configs},
		log:    slog.Default(),
		engine: engine,
		out:    out,
		prom:   metrics.NewMetrics(prometheus.NewRegistry()),
		health: metrics.NewHealthStatus(),
		barCh:  make(chan model.Bar, 16),
		ctrlCh: make(chan func(*indicator.Engine)),
		peek:   newPeekLimiter(peekRate, 1),
	}, out
}

func testBar(i int, forming bool) model.Bar {
	c := 100 + float64(i%4)
	return model.Bar{
		Exchange: "NSE", Token: "2885", TF: 60,
		TS:   time.Unix(1700000000, 0).UTC().Add(time.Duration(i) * time.Minute),
		Open: c, High: c + 1, Low: c - 1, Close: c,
		Forming: forming,
	}
}

func TestHandleBar_DropsRedelivered(t *testing.T) {
	svc, _ := newTestService(t, 0)
	now := time.Now()

	require.Len(t, svc.handleBar(context.Background(), testBar(0, false), now), 2)
	require.Len(t, svc.handleBar(context.Background(), testBar(1, false), now), 2)
	assert.Nil(t, svc.handleBar(context.Background(), testBar(1, false), now), "redelivered bar")
	assert.Nil(t, svc.handleBar(context.Background(), testBar(0, false), now), "older bar")

	assert.Equal(t, 2.0, testutil.ToFloat64(svc.prom.BarsTotal.WithLabelValues("60")))
}

func TestHandleBar_LogsAppliedBarsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: path})
	require.NoError(t, err)
	defer w.Close()

	svc, _ := newTestService(t, 0)
	svc.sqlWriter = w
	svc.startBarLog()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		svc.handleBar(ctx, testBar(i, false), now)
	}
	svc.handleBar(ctx, testBar(1, false), now)
	svc.handleBar(ctx, testBar(3, true), now)
	nan := testBar(4, false)
	nan.Close = math.NaN()
	assert.Nil(t, svc.handleBar(ctx, nan, now))
	svc.stopBarLog()

	r, err := sqlitestore.NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	bars, err := r.ReadBars("NSE", "2885", 60, 0)
	require.NoError(t, err)
	require.Len(t, bars, 3, "applied bars only")
	for i, b := range bars {
		assert.Equal(t, testBar(i, false).TS, b.TS)
		assert.Equal(t, testBar(i, false).Close, b.Close)
	}
}

func TestEnsureDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, ensureDir(filepath.Join(root, "a", "b", "bars.db")))
	assert.DirExists(t, filepath.Join(root, "a", "b"))
	assert.NoError(t, ensureDir("bars.db"))

	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	assert.Error(t, ensureDir(filepath.Join(blocker, "sub", "bars.db")))
}

func TestHandleBar_ThrottlesPreviews(t *testing.T) {
	svc, _ := newTestService(t, 1)
	now := time.Now()

	assert.Nil(t, svc.handleBar(context.Background(), testBar(0, true), now.Add(-2*time.Second)), "no preview before the first finalized bar")
	svc.handleBar(context.Background(), testBar(0, false), now)

	live := svc.handleBar(context.Background(), testBar(1, true), now)
	require.Len(t, live, 2)
	assert.True(t, live[0].Live)

	assert.Nil(t, svc.handleBar(context.Background(), testBar(1, true), now.Add(100*time.Millisecond)), "within the rate limit window")
	assert.NotNil(t, svc.handleBar(context.Background(), testBar(1, true), now.Add(1100*time.Millisecond)))

	// A forming bar for a bucket already closed is stale.
	assert.Nil(t, svc.handleBar(context.Background(), testBar(0, true), now.Add(5*time.Second)))

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.prom.LiveThrottled))
	assert.Equal(t, 4.0, testutil.ToFloat64(svc.prom.FormingBarsTotal))
}

func TestPeekLimiter_PerInstrument(t *testing.T) {
	p := newPeekLimiter(1, 1)
	now := time.Now()
	a, b := testBar(0, true), testBar(0, true)
	b.Token = "1594"

	assert.True(t, p.allow(a, now))
	assert.True(t, p.allow(b, now))
	assert.False(t, p.allow(a, now))

	b.TF = 300
	assert.True(t, p.allow(b, now), "limits are per TF")
	assert.True(t, newPeekLimiter(0, 0).allow(a, now), "zero rate disables throttling")
}

func TestFanout(t *testing.T) {
	a, b := &recordingWriter{}, &recordingWriter{err: errors.New("down")}
	f := fanout{a, b}

	err := f.WriteIndicatorBatch(context.Background(), []model.IndicatorResult{{Name: "RSI_14"}})
	assert.EqualError(t, err, "down")
	assert.Len(t, a.batches, 1)
	assert.Len(t, b.batches, 1)

	assert.Error(t, f.Close())
	assert.True(t, a.closed && b.closed)
}

func TestProcessLoop_ReloadOverHTTP(t *testing.T) {
	svc, out := newTestService(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.processLoop(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for i := 0; i < 6; i++ {
		svc.barCh <- testBar(i, false)
	}
	onLoop := func(fn func(e *indicator.Engine) bool) func() bool {
		return func() bool {
			var ok bool
			return svc.do(ctx, func(e *indicator.Engine) { ok = fn(e) }) == nil && ok
		}
	}
	require.Eventually(t, onLoop(func(e *indicator.Engine) bool { return e.Stale(testBar(5, false)) }),
		time.Second, 5*time.Millisecond)

	body := `[{"tf":60,"indicators":[{"type":"RSI","period":3},{"type":"CORREL","period":3}]}]`
	rec := httptest.NewRecorder()
	svc.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reload", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res reloadResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, reloadResult{Status: "ok", Preserved: 1, Created: 1}, res)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.prom.ConfigReloads.WithLabelValues("ok")))

	svc.barCh <- testBar(6, false)
	var last []model.IndicatorResult
	require.Eventually(t, onLoop(func(e *indicator.Engine) bool {
		if !e.Stale(testBar(6, false)) {
			return false
		}
		last = out.batches[len(out.batches)-1]
		return true
	}), time.Second, 5*time.Millisecond)
	require.Len(t, last, 2)
	assert.Equal(t, "RSI_3", last[0].Name)
	assert.True(t, last[0].Ready, "RSI kept its state")
	assert.Equal(t, "CORREL_3", last[1].Name)

	rec = httptest.NewRecorder()
	svc.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reload", strings.NewReader(`[{"tf":60,"indicators":[{"type":"NOPE","period":3}]}]`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	svc.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
