package indengine

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"tastream/config"
	"tastream/internal/indicator"

	"gopkg.in/yaml.v3"
)

// DefaultIndicatorSpecs is the indicator set used when none is configured.
const DefaultIndicatorSpecs = "ADX:14,RSI:14,CORREL:30"

// Config holds all env-parsed configuration for the indicator engine service.
type Config struct {
	Infra *config.Config

	ConsumerGroup string
	ConsumerName  string
	EnabledTFs    []int
	TokenKeys     []string // "exchange:token" keys; empty means discover
	SnapshotKey   string
	HTTPAddr      string
	AlertWebhook  string // empty logs alerts instead

	SnapshotInterval time.Duration
	PELInterval      time.Duration
	PELMinIdle       time.Duration

	// Live previews per instrument and TF
	PeekRate   float64 // previews per second; 0 disables throttling
	PeekBurst  int
	PeekFrom1s bool // build forming bars from 1s bars instead of pub:bar:*

	IndicatorConfigs []indicator.TFIndicatorConfig
}

// LoadConfig reads the environment. INDICATOR_CONFIG_FILE, when set, takes
// precedence over INDICATOR_CONFIGS.
func LoadConfig() (Config, error) {
	infra := config.Load()
	cfg := Config{
		Infra:            infra,
		ConsumerGroup:    config.GetEnv("CONSUMER_GROUP", "indengine"),
		ConsumerName:     config.GetEnv("CONSUMER_NAME", defaultConsumerName()),
		EnabledTFs:       infra.ParseTFs(),
		TokenKeys:        parseTokenKeys(config.GetEnv("SUBSCRIBE_TOKENS", "")),
		SnapshotKey:      config.GetEnv("SNAPSHOT_KEY", "ind:snapshot:engine"),
		HTTPAddr:         config.GetEnv("INDENGINE_HTTP_ADDR", ":9095"),
		AlertWebhook:     config.GetEnv("ALERT_WEBHOOK_URL", ""),
		SnapshotInterval: positiveSeconds("SNAPSHOT_INTERVAL_SEC", 30),
		PELInterval:      positiveSeconds("PEL_RECLAIM_INTERVAL_SEC", 30),
		PELMinIdle:       time.Duration(config.GetEnvInt("PEL_MIN_IDLE_MS", 60000)) * time.Millisecond,
		PeekBurst:        config.GetEnvInt("PEEK_BURST", 2),
		PeekFrom1s:       config.GetEnv("PEEK_FROM_1S", "false") == "true",
	}
	if cfg.PELMinIdle <= 0 {
		cfg.PELMinIdle = time.Minute
	}

	rate, err := strconv.ParseFloat(config.GetEnv("PEEK_RATE_PER_SEC", "4"), 64)
	if err != nil || rate < 0 {
		return cfg, fmt.Errorf("PEEK_RATE_PER_SEC: invalid value")
	}
	cfg.PeekRate = rate

	if len(cfg.EnabledTFs) == 0 {
		return cfg, fmt.Errorf("ENABLED_TFS: no valid timeframes")
	}

	if path := os.Getenv("INDICATOR_CONFIG_FILE"); path != "" {
		cfg.IndicatorConfigs, err = LoadIndicatorFile(path)
		if err != nil {
			return cfg, err
		}
		cfg.EnabledTFs = configTFs(cfg.IndicatorConfigs)
	} else {
		specs, err := ParseIndicatorSpecs(config.GetEnv("INDICATOR_CONFIGS", DefaultIndicatorSpecs))
		if err != nil {
			return cfg, fmt.Errorf("INDICATOR_CONFIGS: %w", err)
		}
		cfg.IndicatorConfigs = BuildIndicatorConfigs(cfg.EnabledTFs, specs)
	}

	if err := indicator.ValidateConfigs(cfg.IndicatorConfigs); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaultConsumerName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker-1"
}

func positiveSeconds(key string, fallback int) time.Duration {
	n := config.GetEnvInt(key, fallback)
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// BuildIndicatorConfigs applies the same indicator set to every TF.
func BuildIndicatorConfigs(tfs []int, specs []indicator.IndicatorConfig) []indicator.TFIndicatorConfig {
	configs := make([]indicator.TFIndicatorConfig, len(tfs))
	for i, tf := range tfs {
		configs[i] = indicator.TFIndicatorConfig{
			TF:         tf,
			Indicators: append([]indicator.IndicatorConfig(nil), specs...),
		}
	}
	return configs
}

// ParseIndicatorSpecs parses "TYPE:PERIOD[:round],..." into indicator
// configs, e.g. "ADX:14:round,RSI:14,CORREL:30". Types are case-insensitive.
func ParseIndicatorSpecs(s string) ([]indicator.IndicatorConfig, error) {
	var configs []indicator.IndicatorConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("%w: indicator %q, want TYPE:PERIOD[:round]", indicator.ErrInvalidParameter, part)
		}
		period, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: indicator %q: period must be an integer", indicator.ErrInvalidParameter, part)
		}
		ic := indicator.IndicatorConfig{
			Type:   strings.ToUpper(strings.TrimSpace(fields[0])),
			Period: period,
		}
		if len(fields) == 3 {
			if !strings.EqualFold(strings.TrimSpace(fields[2]), "round") {
				return nil, fmt.Errorf("%w: indicator %q: unknown option %q", indicator.ErrInvalidParameter, part, fields[2])
			}
			ic.Round = true
		}
		configs = append(configs, ic)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: no indicators in %q", indicator.ErrInvalidParameter, s)
	}
	return configs, nil
}

// indicatorFile is the YAML layout of INDICATOR_CONFIG_FILE:
//
//	timeframes:
//	  - tf: 60
//	    indicators:
//	      - {type: ADX, period: 14, round: true}
//	      - {type: RSI, period: 14}
type indicatorFile struct {
	Timeframes []indicator.TFIndicatorConfig `yaml:"timeframes"`
}

// LoadIndicatorFile reads and validates per-TF indicator sets from YAML.
func LoadIndicatorFile(path string) ([]indicator.TFIndicatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read indicator file: %w", err)
	}
	return parseIndicatorYAML(data)
}

func parseIndicatorYAML(data []byte) ([]indicator.TFIndicatorConfig, error) {
	var f indicatorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse indicator file: %w", err)
	}
	if len(f.Timeframes) == 0 {
		return nil, fmt.Errorf("%w: indicator file has no timeframes", indicator.ErrInvalidParameter)
	}
	for i := range f.Timeframes {
		for j := range f.Timeframes[i].Indicators {
			ic := &f.Timeframes[i].Indicators[j]
			ic.Type = strings.ToUpper(ic.Type)
		}
	}
	if err := indicator.ValidateConfigs(f.Timeframes); err != nil {
		return nil, err
	}
	slog.Info("loaded indicator file", slog.String("component", "indengine"), slog.Int("timeframes", len(f.Timeframes)))
	return f.Timeframes, nil
}

func configTFs(configs []indicator.TFIndicatorConfig) []int {
	tfs := make([]int, len(configs))
	for i, c := range configs {
		tfs[i] = c.TF
	}
	return tfs
}

// parseTokenKeys parses "exchangeType:token,..." into "exchange:token" keys.
// Numeric exchange types follow the feed convention (1=NSE, 2=NFO, 3=BSE);
// names pass through.
func parseTokenKeys(s string) []string {
	var keys []string
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		ex := parts[0]
		switch ex {
		case "1":
			ex = "NSE"
		case "2":
			ex = "NFO"
		case "3":
			ex = "BSE"
		}
		keys = append(keys, ex+":"+parts[1])
	}
	return keys
}
