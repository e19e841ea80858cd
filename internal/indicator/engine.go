package indicator

import (
	"fmt"
	"math"
	"strconv"

	"tastream/internal/model"
)

// IndicatorConfig specifies a single indicator to compute.
type IndicatorConfig struct {
	Type   string `json:"type" yaml:"type"` // "ADX", "RSI", "CORREL", "SMA", "EMA"
	Period int    `json:"period" yaml:"period"`
	Round  bool   `json:"round,omitempty" yaml:"round,omitempty"` // ADX only
}

// Key identifies the config for state matching across reloads and restores.
func (c IndicatorConfig) Key() string {
	k := c.Type + ":" + strconv.Itoa(c.Period)
	if c.Round {
		k += ":round"
	}
	return k
}

// Name is the result name, e.g. "ADX_14".
func (c IndicatorConfig) Name() string {
	return c.Type + "_" + strconv.Itoa(c.Period)
}

// TFIndicatorConfig groups indicator configs for a specific timeframe.
type TFIndicatorConfig struct {
	TF         int               `json:"tf" yaml:"tf"` // timeframe in seconds
	Indicators []IndicatorConfig `json:"indicators" yaml:"indicators"`
}

// New builds an indicator from its config.
func New(cfg IndicatorConfig) (BarIndicator, error) {
	switch cfg.Type {
	case TypeADX:
		a, err := NewADX(cfg.Period)
		if err != nil {
			return nil, err
		}
		if cfg.Round {
			a.WithRounding()
		}
		return a, nil
	case TypeRSI:
		return NewRSI(cfg.Period)
	case TypeCorrelation:
		return NewCorrelation(cfg.Period)
	case TypeSMA:
		return NewSMA(cfg.Period)
	case TypeEMA:
		return NewEMA(cfg.Period)
	default:
		return nil, fmt.Errorf("%w: unknown indicator type %q", ErrInvalidParameter, cfg.Type)
	}
}

// tokenIndicators holds live indicator instances for one token within a TF.
type tokenIndicators struct {
	indicators []BarIndicator
	configs    []IndicatorConfig
	lastTS     int64 // unix seconds of the newest finalized bar applied
	cold       []int // indexes added by a reload, fed by Warm
}

// Engine computes multiple indicators across multiple TFs for multiple tokens.
// Designed for single-goroutine usage; no locks needed.
type Engine struct {
	configs []TFIndicatorConfig
	tfIndex map[int]int // TF → index into configs/state

	// state[tfIdx][tokenKey] → *tokenIndicators
	state []map[string]*tokenIndicators
}

// NewEngine creates an indicator engine with the given per-TF indicator configs.
func NewEngine(configs []TFIndicatorConfig) (*Engine, error) {
	if err := ValidateConfigs(configs); err != nil {
		return nil, err
	}
	state := make([]map[string]*tokenIndicators, len(configs))
	for i := range state {
		state[i] = make(map[string]*tokenIndicators, 64)
	}
	e := &Engine{
		configs: configs,
		state:   state,
	}
	e.buildIndex()
	return e, nil
}

func (e *Engine) buildIndex() {
	e.tfIndex = make(map[int]int, len(e.configs))
	for i, cfg := range e.configs {
		e.tfIndex[cfg.TF] = i
	}
}

// Configs returns the active per-TF configs.
func (e *Engine) Configs() []TFIndicatorConfig { return e.configs }

// TokenCount returns the number of (TF, token) indicator sets held.
func (e *Engine) TokenCount() int {
	n := 0
	for _, m := range e.state {
		n += len(m)
	}
	return n
}

// Process takes a finalized bar and computes all indicators for that TF + token.
// Returns indicator results (may include not-ready indicators with Ready=false).
// Bars with non-finite prices are ignored so state stays serializable.
func (e *Engine) Process(bar model.Bar) []model.IndicatorResult {
	tfIdx, ok := e.tfIndex[bar.TF]
	if !ok || !bar.Finite() {
		return nil
	}

	key := joinKey(bar.Exchange, bar.Token)
	ti, exists := e.state[tfIdx][key]
	if !exists {
		// First bar for this token + TF
		ti = e.createTokenIndicators(tfIdx)
		e.state[tfIdx][key] = ti
	}

	if ts := bar.TS.Unix(); !exists || ts > ti.lastTS {
		ti.lastTS = ts
	}

	results := make([]model.IndicatorResult, 0, len(ti.indicators))
	for i, ind := range ti.indicators {
		v := ind.NextBar(bar)
		results = append(results, newResult(ind, ti.configs[i], bar, v, false))
	}
	return results
}

// Stale reports whether a finalized bar is not newer than the last bar
// applied for its TF and instrument. Redelivered stream messages are stale.
func (e *Engine) Stale(bar model.Bar) bool {
	tfIdx, ok := e.tfIndex[bar.TF]
	if !ok {
		return false
	}
	ti, exists := e.state[tfIdx][joinKey(bar.Exchange, bar.Token)]
	return exists && bar.TS.Unix() <= ti.lastTS
}

// Warm feeds a historical bar after a reload. Bars up to the last applied
// bar go only to the indicators the reload added; newer bars, and bars of
// instruments not yet seen, are processed in full and their results returned.
func (e *Engine) Warm(bar model.Bar) []model.IndicatorResult {
	tfIdx, ok := e.tfIndex[bar.TF]
	if !ok || bar.Forming || !bar.Finite() {
		return nil
	}
	ti, exists := e.state[tfIdx][joinKey(bar.Exchange, bar.Token)]
	if !exists || bar.TS.Unix() > ti.lastTS {
		return e.Process(bar)
	}
	for _, i := range ti.cold {
		ti.indicators[i].NextBar(bar)
	}
	return nil
}

// EndWarm marks every indicator as warm.
func (e *Engine) EndWarm() {
	for _, m := range e.state {
		for _, ti := range m {
			ti.cold = nil
		}
	}
}

// ProcessPeek computes live indicator values for a forming bar using Peek().
// Does NOT mutate indicator state, so it is safe for streaming updates.
// Returns nil if the token hasn't been seen before (needs at least one Process first).
func (e *Engine) ProcessPeek(bar model.Bar) []model.IndicatorResult {
	tfIdx, ok := e.tfIndex[bar.TF]
	if !ok || !bar.Finite() {
		return nil
	}

	ti, exists := e.state[tfIdx][joinKey(bar.Exchange, bar.Token)]
	if !exists {
		return nil
	}

	results := make([]model.IndicatorResult, 0, len(ti.indicators))
	for i, ind := range ti.indicators {
		v := ind.Peek(bar)
		results = append(results, newResult(ind, ti.configs[i], bar, v, true))
	}
	return results
}

// newResult maps an indicator output onto a result. Warm-up NaNs become 0
// with Ready=false so the value stays JSON-encodable.
func newResult(ind BarIndicator, cfg IndicatorConfig, bar model.Bar, v float64, live bool) model.IndicatorResult {
	ready := ind.Ready()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
		ready = false
	}
	return model.IndicatorResult{
		Name:     cfg.Name(),
		Label:    ind.String(),
		Token:    bar.Token,
		Exchange: bar.Exchange,
		TF:       bar.TF,
		Value:    v,
		TS:       bar.TS,
		Ready:    ready,
		Live:     live,
	}
}

// createTokenIndicators creates fresh indicator instances for a TF config.
// Configs are validated up front, so construction cannot fail here.
func (e *Engine) createTokenIndicators(tfIdx int) *tokenIndicators {
	cfg := e.configs[tfIdx]
	inds := make([]BarIndicator, len(cfg.Indicators))
	for i, ic := range cfg.Indicators {
		ind, err := New(ic)
		if err != nil {
			panic(fmt.Sprintf("indicator: validated config rejected: %v", err))
		}
		inds[i] = ind
	}
	return &tokenIndicators{
		indicators: inds,
		configs:    cfg.Indicators,
	}
}

// MaxPeriod returns the largest period across all configs.
func MaxPeriod(configs []TFIndicatorConfig) int {
	maxPeriod := 0
	for _, cfg := range configs {
		for _, ind := range cfg.Indicators {
			if ind.Period > maxPeriod {
				maxPeriod = ind.Period
			}
		}
	}
	return maxPeriod
}
