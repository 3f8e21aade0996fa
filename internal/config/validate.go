// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/validation"
)

// Validate checks field rules and the relationships between settings.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}

	checks := []func() error{
		c.validateSource,
		c.validateScan,
		c.validateSchedule,
		c.validateNATS,
		c.validateLogging,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateSource() error {
	if c.Source.Driver != "postgres" {
		return nil
	}
	if c.Source.PostgresDSN == "" {
		return fmt.Errorf("CUSTODY_POSTGRES_DSN is required when CUSTODY_SOURCE=postgres")
	}
	if c.Source.QueryTimeout <= 0 {
		return fmt.Errorf("source.query_timeout must be positive, got %v", c.Source.QueryTimeout)
	}
	return nil
}

func (c *Config) validateScan() error {
	s := c.Scan
	windows := map[string]time.Duration{
		"scan.lookback_window":          s.LookbackWindow,
		"scan.frequent_transfer_window": s.FrequentTransferWindow,
		"scan.dedup_window":             s.DedupWindow,
		"scan.rapid_exchange_window":    s.RapidExchangeWindow,
	}
	for name, d := range windows {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if s.FrequentTransferWindow > s.LookbackWindow {
		return fmt.Errorf("scan.frequent_transfer_window (%v) cannot exceed scan.lookback_window (%v)",
			s.FrequentTransferWindow, s.LookbackWindow)
	}
	if s.RapidExchangeWindow > s.LookbackWindow {
		return fmt.Errorf("scan.rapid_exchange_window (%v) cannot exceed scan.lookback_window (%v)",
			s.RapidExchangeWindow, s.LookbackWindow)
	}
	return nil
}

func (c *Config) validateSchedule() error {
	if !c.Schedule.Enabled {
		return nil
	}
	if _, err := validation.CronParser.Parse(c.Schedule.Cron); err != nil {
		return fmt.Errorf("schedule.cron %q is invalid: %w", c.Schedule.Cron, err)
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone %q is invalid: %w", c.Schedule.Timezone, err)
		}
	}
	if c.Schedule.ScanTimeout <= 0 {
		return fmt.Errorf("schedule.scan_timeout must be positive, got %v", c.Schedule.ScanTimeout)
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	u, err := url.Parse(c.NATS.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("NATS_URL %q is invalid", c.NATS.URL)
	}
	if u.Scheme != "nats" && u.Scheme != "tls" {
		return fmt.Errorf("NATS_URL scheme must be nats or tls, got: %s", u.Scheme)
	}
	if c.NATS.Subject == "" {
		return fmt.Errorf("NATS_SUBJECT is required when NATS_ENABLED=true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL %q is invalid", c.Logging.Level)
	}
	return nil
}

// LoggingOptions converts the logging section for logging.Init.
func (c *Config) LoggingOptions() logging.Config {
	opts := logging.DefaultConfig()
	opts.Level = c.Logging.Level
	opts.Format = c.Logging.Format
	opts.Caller = c.Logging.Caller
	return opts
}
