// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/custodywatch/internal/config"
	"github.com/tomtom215/custodywatch/internal/detection"
	"github.com/tomtom215/custodywatch/internal/logging"
	"github.com/tomtom215/custodywatch/internal/validation"
)

// ScanRunner runs one anomaly scan as of now. Satisfied by *detection.Scanner.
type ScanRunner interface {
	RunScan(ctx context.Context, now time.Time) (*detection.ScanSummary, error)
}

// ScanService runs anomaly scans on a cron schedule.
//
// Runs never overlap: a tick that fires while the previous scan is still
// running is skipped. Scan errors are logged and do not stop the service.
type ScanService struct {
	runner       ScanRunner
	schedule     cron.Schedule
	location     *time.Location
	runOnStartup bool
	timeout      time.Duration
	now          func() time.Time

	running   atomic.Bool
	completed atomic.Int64
	wg        sync.WaitGroup
}

// NewScanService validates the schedule in cfg and creates the service.
func NewScanService(runner ScanRunner, cfg *config.ScheduleConfig) (*ScanService, error) {
	schedule, err := validation.CronParser.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", cfg.Cron, err)
	}

	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid scan timezone %q: %w", cfg.Timezone, err)
		}
	}

	return &ScanService{
		runner:       runner,
		schedule:     schedule,
		location:     loc,
		runOnStartup: cfg.RunOnStartup,
		timeout:      cfg.ScanTimeout,
		now:          time.Now,
	}, nil
}

// Serve implements suture.Service.
func (s *ScanService) Serve(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.runOnce(ctx, "scheduled") }))

	if s.runOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runOnce(ctx, "startup")
		}()
	}

	c.Start()
	logging.Info().
		Time("next_run", s.schedule.Next(s.now().In(s.location))).
		Msg("Anomaly scan scheduler started")

	<-ctx.Done()

	// Stop returns a context that is done once running jobs have returned;
	// those jobs see the canceled ctx and unwind promptly.
	<-c.Stop().Done()
	s.wg.Wait()
	return ctx.Err()
}

// runOnce runs a single scan unless another one is in progress.
func (s *ScanService) runOnce(ctx context.Context, trigger string) {
	if !s.running.CompareAndSwap(false, true) {
		logging.Warn().Str("trigger", trigger).Msg("Skipping anomaly scan, previous run still in progress")
		return
	}
	defer s.running.Store(false)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = logging.ContextWithNewCorrelationID(ctx)

	summary, err := s.runner.RunScan(ctx, s.now().UTC())
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("trigger", trigger).Msg("Anomaly scan failed")
		return
	}

	s.completed.Add(1)
	logging.Ctx(ctx).Info().
		Str("trigger", trigger).
		Str("scan_id", summary.ScanID).
		Int("detected", summary.DetectedCount).
		Msg("Anomaly scan completed")
}

// CompletedRuns returns how many scans finished without error.
func (s *ScanService) CompletedRuns() int64 {
	return s.completed.Load()
}

// String implements fmt.Stringer.
func (s *ScanService) String() string {
	return "anomaly-scan-scheduler"
}

// cronLogger routes robfig/cron logging into zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
