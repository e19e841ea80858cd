package indicator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Indicator type names as they appear in configs and snapshots.
const (
	TypeADX         = "ADX"
	TypeRSI         = "RSI"
	TypeCorrelation = "CORREL"
	TypeSMA         = "SMA"
	TypeEMA         = "EMA"
)

// snapshotVersion is bumped whenever IndicatorSnapshot changes incompatibly.
const snapshotVersion = 2

// ErrSnapshotMismatch is returned when a snapshot cannot be applied to an
// indicator (wrong type, inconsistent buffers, unknown phase).
var ErrSnapshotMismatch = errors.New("snapshot mismatch")

// Snapshottable is implemented by indicators that support state serialization.
type Snapshottable interface {
	Snapshot() IndicatorSnapshot
	RestoreFromSnapshot(snap IndicatorSnapshot) error
}

// IndicatorSnapshot holds the serialized state of a single indicator instance.
// It is a flat union: each indicator type fills only the fields it needs.
type IndicatorSnapshot struct {
	Type   string `json:"type"`   // "ADX", "RSI", "CORREL", "SMA", "EMA"
	Period int    `json:"period"` // indicator period

	// Shared fields
	Count   int     `json:"count"`
	Current float64 `json:"current"`

	// SMA / CORREL window (CORREL stores x in Buf/Sum, y in BufY/SumY)
	Buf []float64 `json:"buf,omitempty"`
	Idx int       `json:"idx,omitempty"`
	Sum float64   `json:"sum,omitempty"`

	// EMA fields
	Multiplier float64 `json:"multiplier,omitempty"`

	// RSI fields
	Started   bool      `json:"started,omitempty"`
	PrevClose float64   `json:"prev_close,omitempty"`
	AvgGain   float64   `json:"avg_gain,omitempty"`
	AvgLoss   float64   `json:"avg_loss,omitempty"`
	Gains     []float64 `json:"gains,omitempty"`
	Losses    []float64 `json:"losses,omitempty"`

	// ADX fields (PrevClose shared with RSI)
	Round    bool      `json:"round,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	PrevHigh float64   `json:"prev_high,omitempty"`
	PrevLow  float64   `json:"prev_low,omitempty"`
	PlusDM   float64   `json:"plus_dm,omitempty"`
	MinusDM  float64   `json:"minus_dm,omitempty"`
	TR       float64   `json:"tr,omitempty"`
	DX       []float64 `json:"dx,omitempty"`
	Unstable int       `json:"unstable,omitempty"`

	// CORREL fields
	BufY  []float64 `json:"buf_y,omitempty"`
	SumY  float64   `json:"sum_y,omitempty"`
	SumXY float64   `json:"sum_xy,omitempty"`
	SumX2 float64   `json:"sum_x2,omitempty"`
	SumY2 float64   `json:"sum_y2,omitempty"`
}

// Config returns the IndicatorConfig that produced this snapshot.
func (s IndicatorSnapshot) Config() IndicatorConfig {
	return IndicatorConfig{Type: s.Type, Period: s.Period, Round: s.Round}
}

// FromSnapshot builds a new indicator of the snapshot's type and restores
// its state.
func FromSnapshot(snap IndicatorSnapshot) (BarIndicator, error) {
	ind, err := New(snap.Config())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotMismatch, err)
	}
	if err := ind.RestoreFromSnapshot(snap); err != nil {
		return nil, err
	}
	return ind, nil
}

// TokenSnapshot holds indicator snapshots for a single token within a TF.
type TokenSnapshot struct {
	Token      string              `json:"token"`
	Exchange   string              `json:"exchange"`
	TF         int                 `json:"tf"`
	LastTS     int64               `json:"last_ts,omitempty"` // unix seconds of the last applied bar
	Indicators []IndicatorSnapshot `json:"indicators"`
}

// EngineSnapshot holds the full state of the indicator engine.
type EngineSnapshot struct {
	StreamID string          `json:"stream_id"` // last stream ID applied at checkpoint time
	Tokens   []TokenSnapshot `json:"tokens"`
	Version  int             `json:"version"` // schema version for forward compat
}

// Marshal encodes the snapshot as JSON.
func (es *EngineSnapshot) Marshal() ([]byte, error) {
	return json.Marshal(es)
}

// UnmarshalEngineSnapshot decodes a JSON engine snapshot. Snapshots written
// by an incompatible schema version are rejected.
func UnmarshalEngineSnapshot(data []byte) (*EngineSnapshot, error) {
	var snap EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode engine snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: engine snapshot version %d, want %d",
			ErrSnapshotMismatch, snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// SnapshotEngine captures the full state of an indicator Engine.
func SnapshotEngine(e *Engine, streamID string) *EngineSnapshot {
	snap := &EngineSnapshot{
		StreamID: streamID,
		Version:  snapshotVersion,
	}

	for tfIdx, cfg := range e.configs {
		for tokenKey, ti := range e.state[tfIdx] {
			exchange, token := splitKey(tokenKey)
			ts := TokenSnapshot{
				Token:      token,
				Exchange:   exchange,
				TF:         cfg.TF,
				LastTS:     ti.lastTS,
				Indicators: make([]IndicatorSnapshot, 0, len(ti.indicators)),
			}
			for _, ind := range ti.indicators {
				ts.Indicators = append(ts.Indicators, ind.Snapshot())
			}
			snap.Tokens = append(snap.Tokens, ts)
		}
	}

	return snap
}

// RestoreEngine rebuilds an indicator Engine from a snapshot.
// It is tolerant of config changes: indicators are matched by their config
// key (type, period, rounding) rather than by index. Matching indicators get
// their state restored; new indicators start cold. Removed indicators and
// timeframes are skipped.
func RestoreEngine(configs []TFIndicatorConfig, snap *EngineSnapshot) (*Engine, error) {
	e, err := NewEngine(configs)
	if err != nil {
		return nil, err
	}

	for _, ts := range snap.Tokens {
		tfIdx, ok := e.tfIndex[ts.TF]
		if !ok {
			continue // TF no longer configured
		}

		ti := e.createTokenIndicators(tfIdx)
		ti.lastTS = ts.LastTS

		snapLookup := make(map[string]IndicatorSnapshot, len(ts.Indicators))
		for _, indSnap := range ts.Indicators {
			snapLookup[indSnap.Config().Key()] = indSnap
		}

		restored, cold := 0, 0
		for i, ind := range ti.indicators {
			indSnap, found := snapLookup[ti.configs[i].Key()]
			if !found {
				cold++
				continue
			}
			if err := ind.RestoreFromSnapshot(indSnap); err != nil {
				slog.Warn("indicator restore failed, cold-starting",
					slog.String("component", "restorer"),
					slog.Int("tf", ts.TF),
					slog.String("token", ts.Token),
					slog.String("indicator", ind.String()),
					slog.String("error", err.Error()))
				ind.Reset()
				cold++
				continue
			}
			restored++
		}

		if cold > 0 {
			slog.Info("partial token restore",
				slog.String("component", "restorer"),
				slog.Int("tf", ts.TF),
				slog.String("token", ts.Token),
				slog.Int("restored", restored),
				slog.Int("cold", cold))
		}

		e.state[tfIdx][joinKey(ts.Exchange, ts.Token)] = ti
	}

	return e, nil
}

// splitKey splits "exchange:token". A key without a colon is a bare token.
func splitKey(key string) (exchange, token string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

func joinKey(exchange, token string) string {
	if exchange == "" {
		return token
	}
	return exchange + ":" + token
}

func cloneFloats(s []float64) []float64 {
	if len(s) == 0 {
		return nil
	}
	return append([]float64(nil), s...)
}
