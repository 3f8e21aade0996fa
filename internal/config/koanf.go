// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/custodywatch/config.yaml",
	"/etc/custodywatch/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5010,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    2 * time.Minute, // manual scans run inside the request
			ShutdownTimeout: 30 * time.Second,
			Environment:     "development",
		},
		Database: DatabaseConfig{
			Path:      "/data/custodywatch.duckdb",
			MaxMemory: "1GB",
		},
		Source: SourceConfig{
			Driver:         "duckdb",
			MaxConns:       4,
			QueryTimeout:   30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Scan: ScanConfig{
			LookbackWindow:            90 * 24 * time.Hour,
			FrequentTransferWindow:    30 * 24 * time.Hour,
			DedupWindow:               7 * 24 * time.Hour,
			RapidExchangeWindow:       24 * time.Hour,
			FrequentTransferThreshold: 5,
			MinClusterHandlers:        5,
			MaxClusters:               3,
			UnusualPatternMinScore:    50,
			MergeConcurrency:          4,
		},
		Schedule: ScheduleConfig{
			Enabled:      true,
			Cron:         "0 2 * * *",
			RunOnStartup: true,
			ScanTimeout:  10 * time.Minute,
		},
		NATS: NATSConfig{
			Enabled:                 false,
			URL:                     "nats://127.0.0.1:4222",
			Subject:                 "custody.anomaly.detected",
			PublishTimeout:          5 * time.Second,
			CircuitBreakerFailures:  5,
			CircuitBreakerTimeout:   60 * time.Second,
			CircuitBreakerHalfOpens: 3,
		},
		Security: SecurityConfig{
			RateLimitReqs:   60,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from defaults, the optional config file and the
// environment, then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// File and environment are collected separately so defaults that depend
	// on the environment can tell whether they were overridden.
	overrides := koanf.New(".")
	if path := findConfigFile(); path != "" {
		if err := overrides.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := overrides.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := k.Merge(overrides); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// The startup scan is a development convenience; production opts in explicitly.
	if cfg.Server.IsProduction() && !overrides.Exists("schedule.run_on_startup") {
		cfg.Schedule.RunOnStartup = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields splits comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envTransformFunc maps known environment variables onto koanf paths.
// Unknown variables are dropped.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"http_host":             "server.host",
		"http_port":             "server.port",
		"http_read_timeout":     "server.read_timeout",
		"http_write_timeout":    "server.write_timeout",
		"http_shutdown_timeout": "server.shutdown_timeout",
		"environment":           "server.environment",

		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		"custody_source":          "source.driver",
		"custody_postgres_dsn":    "source.postgres_dsn",
		"custody_max_conns":       "source.max_conns",
		"custody_query_timeout":   "source.query_timeout",
		"custody_connect_timeout": "source.connect_timeout",

		"scan_lookback_window":             "scan.lookback_window",
		"scan_frequent_transfer_window":    "scan.frequent_transfer_window",
		"scan_dedup_window":                "scan.dedup_window",
		"scan_rapid_exchange_window":       "scan.rapid_exchange_window",
		"scan_frequent_transfer_threshold": "scan.frequent_transfer_threshold",
		"scan_min_cluster_handlers":        "scan.min_cluster_handlers",
		"scan_max_clusters":                "scan.max_clusters",
		"scan_unusual_pattern_min_score":   "scan.unusual_pattern_min_score",
		"scan_merge_concurrency":           "scan.merge_concurrency",

		"scan_schedule_enabled": "schedule.enabled",
		"scan_schedule":         "schedule.cron",
		"scan_timezone":         "schedule.timezone",
		"scan_run_on_startup":   "schedule.run_on_startup",
		"scan_timeout":          "schedule.scan_timeout",

		"nats_enabled":                "nats.enabled",
		"nats_url":                    "nats.url",
		"nats_subject":                "nats.subject",
		"nats_publish_timeout":        "nats.publish_timeout",
		"nats_breaker_failures":       "nats.circuit_breaker_failures",
		"nats_breaker_timeout":        "nats.circuit_breaker_timeout",
		"nats_breaker_half_open_reqs": "nats.circuit_breaker_half_open_requests",

		"rate_limit_requests": "security.rate_limit_reqs",
		"rate_limit_window":   "security.rate_limit_window",
		"disable_rate_limit":  "security.rate_limit_disabled",
		"cors_origins":        "security.cors_origins",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
