package indicator

import (
	"fmt"
	"log/slog"
)

// ReloadConfigs updates the indicator engine with new configurations.
// It preserves state for indicators that already exist and only creates
// new instances for genuinely new indicators, so adding an indicator does
// not throw away the warm-up history of the others.
// Returns the number of preserved token states and of timeframes that need
// backfill (new TFs or TFs with added indicators).
func (e *Engine) ReloadConfigs(newConfigs []TFIndicatorConfig) (preserved, created int, err error) {
	if err := ValidateConfigs(newConfigs); err != nil {
		return 0, 0, err
	}
	log := slog.With(slog.String("component", "reload"))

	oldCfgByTF := make(map[int]TFIndicatorConfig, len(e.configs))
	oldStateByTF := make(map[int]map[string]*tokenIndicators, len(e.configs))
	for i, cfg := range e.configs {
		oldCfgByTF[cfg.TF] = cfg
		oldStateByTF[cfg.TF] = e.state[i]
	}

	newState := make([]map[string]*tokenIndicators, len(newConfigs))
	for i, newCfg := range newConfigs {
		oldCfg, tfExists := oldCfgByTF[newCfg.TF]
		oldTFState := oldStateByTF[newCfg.TF]

		if !tfExists || oldTFState == nil {
			newState[i] = make(map[string]*tokenIndicators, 64)
			created++
			log.Info("new timeframe, cold-starting", slog.Int("tf", newCfg.TF))
			continue
		}

		if indicatorSetsEqual(oldCfg.Indicators, newCfg.Indicators) {
			newState[i] = oldTFState
			preserved += len(oldTFState)
			log.Info("timeframe unchanged", slog.Int("tf", newCfg.TF), slog.Int("tokens", len(oldTFState)))
			continue
		}

		// Indicator set changed: migrate per-token state
		migrated := make(map[string]*tokenIndicators, len(oldTFState))
		for tokenKey, oldTI := range oldTFState {
			migrated[tokenKey] = migrateTokenIndicators(oldTI, newCfg.Indicators)
			preserved++
		}
		newState[i] = migrated
		created++
		log.Info("timeframe migrated", slog.Int("tf", newCfg.TF), slog.Int("tokens", len(migrated)))
	}

	e.configs = newConfigs
	e.state = newState
	e.buildIndex()

	log.Info("config reloaded",
		slog.Int("timeframes", len(newConfigs)),
		slog.Int("preserved", preserved),
		slog.Int("created", created))

	return preserved, created, nil
}

// migrateTokenIndicators creates a new tokenIndicators for the new config,
// reusing existing indicator instances that match by config key.
func migrateTokenIndicators(oldTI *tokenIndicators, newConfigs []IndicatorConfig) *tokenIndicators {
	oldByKey := make(map[string]BarIndicator, len(oldTI.indicators))
	for i, cfg := range oldTI.configs {
		oldByKey[cfg.Key()] = oldTI.indicators[i]
	}

	newInds := make([]BarIndicator, len(newConfigs))
	var cold []int
	for i, cfg := range newConfigs {
		if existing, ok := oldByKey[cfg.Key()]; ok {
			newInds[i] = existing
			continue
		}
		ind, err := New(cfg)
		if err != nil {
			panic(fmt.Sprintf("indicator: validated config rejected: %v", err))
		}
		newInds[i] = ind
		cold = append(cold, i)
	}

	return &tokenIndicators{
		indicators: newInds,
		configs:    newConfigs,
		lastTS:     oldTI.lastTS,
		cold:       cold,
	}
}

// indicatorSetsEqual checks if two indicator config slices have the exact same
// set of indicators (order-independent).
func indicatorSetsEqual(a, b []IndicatorConfig) bool {
	if len(a) != len(b) {
		return false
	}
	setA := make(map[string]bool, len(a))
	for _, ic := range a {
		setA[ic.Key()] = true
	}
	for _, ic := range b {
		if !setA[ic.Key()] {
			return false
		}
	}
	return true
}

// ValidateConfigs checks a set of TFIndicatorConfigs for errors. Periods are
// checked by the indicator constructors themselves.
func ValidateConfigs(configs []TFIndicatorConfig) error {
	seen := make(map[int]bool, len(configs))
	for _, cfg := range configs {
		if cfg.TF <= 0 {
			return fmt.Errorf("invalid TF=%d: must be positive", cfg.TF)
		}
		if seen[cfg.TF] {
			return fmt.Errorf("duplicate TF=%d", cfg.TF)
		}
		seen[cfg.TF] = true

		names := make(map[string]bool, len(cfg.Indicators))
		for _, ind := range cfg.Indicators {
			if _, err := New(ind); err != nil {
				return fmt.Errorf("TF=%d: %w", cfg.TF, err)
			}
			if names[ind.Name()] {
				return fmt.Errorf("duplicate indicator %s on TF=%d", ind.Name(), cfg.TF)
			}
			names[ind.Name()] = true
		}
	}
	return nil
}
