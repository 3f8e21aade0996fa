// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

// Package config loads Custodywatch configuration.
//
// Sources are layered with Koanf v2, later layers overriding earlier ones:
//  1. Defaults from defaultConfig()
//  2. An optional YAML file (CONFIG_PATH, ./config.yaml, /etc/custodywatch/config.yaml)
//  3. Environment variables listed in envTransformFunc
//
// The loaded Config is immutable and safe for concurrent reads.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Source   SourceConfig   `koanf:"source"`
	Scan     ScanConfig     `koanf:"scan"`
	Schedule ScheduleConfig `koanf:"schedule"`
	NATS     NATSConfig     `koanf:"nats"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Environment     string        `koanf:"environment" validate:"oneof=development staging production test"`
}

// IsProduction reports whether the service runs in production mode.
func (s ServerConfig) IsProduction() bool {
	return s.Environment == "production"
}

// DatabaseConfig holds the DuckDB settings for the anomaly store.
type DatabaseConfig struct {
	Path      string `koanf:"path"` // empty means in-memory
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"` // 0 = runtime.NumCPU()
}

// SourceConfig selects where custody events and assignments are read from.
type SourceConfig struct {
	// Driver is duckdb (tables in the local database) or postgres (upstream custody system).
	Driver         string        `koanf:"driver" validate:"oneof=duckdb postgres"`
	PostgresDSN    string        `koanf:"postgres_dsn"`
	MaxConns       int32         `koanf:"max_conns" validate:"min=1"`
	QueryTimeout   time.Duration `koanf:"query_timeout"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// ScanConfig holds the windows and thresholds used by the anomaly scan.
type ScanConfig struct {
	LookbackWindow            time.Duration `koanf:"lookback_window"`
	FrequentTransferWindow    time.Duration `koanf:"frequent_transfer_window"`
	DedupWindow               time.Duration `koanf:"dedup_window"`
	RapidExchangeWindow       time.Duration `koanf:"rapid_exchange_window"`
	FrequentTransferThreshold int           `koanf:"frequent_transfer_threshold" validate:"min=1"`
	MinClusterHandlers        int           `koanf:"min_cluster_handlers" validate:"min=2"`
	MaxClusters               int           `koanf:"max_clusters" validate:"min=2"`
	UnusualPatternMinScore    float64       `koanf:"unusual_pattern_min_score" validate:"gte=0,lte=100"`
	MergeConcurrency          int           `koanf:"merge_concurrency" validate:"min=1,max=64"`
}

// ScheduleConfig controls the periodic scan service.
type ScheduleConfig struct {
	Enabled bool   `koanf:"enabled"`
	Cron    string `koanf:"cron"`
	// Timezone is an IANA name; empty uses the local zone.
	Timezone     string        `koanf:"timezone"`
	RunOnStartup bool          `koanf:"run_on_startup"`
	ScanTimeout  time.Duration `koanf:"scan_timeout"`
}

// NATSConfig controls publication of detected anomalies.
type NATSConfig struct {
	Enabled                 bool          `koanf:"enabled"`
	URL                     string        `koanf:"url"`
	Subject                 string        `koanf:"subject"`
	PublishTimeout          time.Duration `koanf:"publish_timeout"`
	CircuitBreakerFailures  uint32        `koanf:"circuit_breaker_failures" validate:"min=1"`
	CircuitBreakerTimeout   time.Duration `koanf:"circuit_breaker_timeout"`
	CircuitBreakerHalfOpens uint32        `koanf:"circuit_breaker_half_open_requests" validate:"min=1"`
}

// SecurityConfig holds HTTP protection settings. Authentication is done by
// the gateway in front of the service.
type SecurityConfig struct {
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// LoggingConfig mirrors logging.Config for file/env loading.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}
