// Package config loads infrastructure settings shared by the binaries.
package config

import (
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Config holds infrastructure configuration loaded from environment variables.
type Config struct {
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	LogLevel      string

	// Comma-separated timeframes in seconds, e.g. "60,300,900"
	EnabledTFs string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		RedisAddr:     GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		SQLitePath:    GetEnv("SQLITE_PATH", "data/bars.db"),
		MetricsAddr:   GetEnv("METRICS_ADDR", ":9090"),
		LogLevel:      GetEnv("LOG_LEVEL", "info"),

		// 1m, 5m, 15m
		EnabledTFs: GetEnv("ENABLED_TFS", "60,300,900"),
	}
}

// ParseTFs parses EnabledTFs into a sorted, de-duplicated slice of
// timeframes in seconds. Invalid entries are logged and skipped.
func (c *Config) ParseTFs() []int {
	return ParseTFList(c.EnabledTFs)
}

// ParseTFList parses a comma-separated list of positive integers.
func ParseTFList(s string) []int {
	seen := make(map[int]bool)
	var tfs []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			slog.Warn("skipping invalid TF value", slog.String("component", "config"), slog.String("value", p))
			continue
		}
		if !seen[n] {
			seen[n] = true
			tfs = append(tfs, n)
		}
	}
	sort.Ints(tfs)
	return tfs
}

// GetEnv returns the value of key, or fallback when unset or empty.
func GetEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// GetEnvInt is GetEnv for integers; unparsable values yield fallback.
func GetEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var", slog.String("component", "config"), slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return n
}
