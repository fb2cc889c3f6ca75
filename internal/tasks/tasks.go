// Package tasks wires the detector and alert manager into scheduler tasks:
// the periodic risk scan, the weekly retention cleanup, and the optional
// daily report.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zouzh14/explicandum-core/internal/alert"
	"github.com/zouzh14/explicandum-core/internal/config"
	"github.com/zouzh14/explicandum-core/internal/detect"
	"github.com/zouzh14/explicandum-core/internal/idgen"
	"github.com/zouzh14/explicandum-core/internal/logging"
	"github.com/zouzh14/explicandum-core/internal/metrics"
	"github.com/zouzh14/explicandum-core/internal/retry"
	"github.com/zouzh14/explicandum-core/internal/sched"
	"github.com/zouzh14/explicandum-core/internal/traces"
)

// Task names as they appear in scheduler status and metrics.
const (
	ScanTaskName        = "risk_scan"
	CleanupTaskName     = "risk_cleanup"
	DailyReportTaskName = "daily_report"
)

// ScanResult summarizes one completed risk scan.
type ScanResult struct {
	ScanID        string    `json:"scanId"`
	StartedAt     time.Time `json:"startedAt"`
	Duration      string    `json:"duration"`
	Detected      int       `json:"detected"`
	Stored        int       `json:"stored"`
	EmailsSent    int       `json:"emailsSent"`
	CriticalCount int       `json:"criticalCount"`
	HighCount     int       `json:"highCount"`
	Skipped       bool      `json:"skipped"`
	Errors        []string  `json:"errors,omitempty"`
}

// Runner executes the monitoring tasks and remembers the last scan
// outcome for the status endpoint.
type Runner struct {
	cfg      *config.Config
	detector *detect.Detector
	manager  *alert.Manager
	logger   *slog.Logger

	mu       sync.RWMutex
	lastScan *ScanResult
}

// NewRunner creates the task runner.
func NewRunner(cfg *config.Config, detector *detect.Detector, manager *alert.Manager, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		detector: detector,
		manager:  manager,
		logger:   logger,
	}
}

// LastScan returns the most recent scan result, or nil before the first run.
func (r *Runner) LastScan() *ScanResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastScan
}

// Scan runs one detection pass and processes its findings as a single
// unit. The returned error marks the scan retryable; detection failures
// still leave a persisted system event behind.
func (r *Runner) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{
		ScanID:    idgen.WithPrefix("scan_"),
		StartedAt: time.Now().UTC(),
	}

	if !r.cfg.MonitoringEnabled {
		result.Skipped = true
		r.logger.Info("monitoring disabled, skipping risk scan")
		r.setLastScan(result)
		return result, nil
	}

	ctx = logging.WithScanID(ctx, result.ScanID)
	ctx, span := traces.StartSpan(ctx, "tasks.scan")
	defer span.End()

	logger := logging.L(ctx)
	logger.Info("risk scan started", "scan_id", result.ScanID)

	events, detectErr := r.detector.DetectAll(ctx)
	result.Detected = len(events)

	processed := r.manager.Process(ctx, events)
	result.Stored = processed.Stored
	result.EmailsSent = processed.EmailsSent
	result.CriticalCount = processed.CriticalCount
	result.HighCount = processed.HighCount
	result.Errors = processed.Errors

	duration := time.Since(result.StartedAt)
	result.Duration = duration.String()
	metrics.ScanDuration.Observe(duration.Seconds())

	if detectErr != nil {
		metrics.ScansTotal.WithLabelValues("failed").Inc()
		r.setLastScan(result)
		return result, fmt.Errorf("risk scan failed: %w", detectErr)
	}

	metrics.ScansTotal.WithLabelValues("succeeded").Inc()
	logger.Info("risk scan completed",
		"scan_id", result.ScanID,
		"detected", result.Detected,
		"stored", result.Stored,
		"critical", result.CriticalCount,
		"high", result.HighCount,
		"duration", duration)
	r.setLastScan(result)
	return result, nil
}

func (r *Runner) setLastScan(res *ScanResult) {
	r.mu.Lock()
	r.lastScan = res
	r.mu.Unlock()
}

// Cleanup purges resolved events past the configured retention.
func (r *Runner) Cleanup(ctx context.Context) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "tasks.cleanup")
	defer span.End()
	return r.manager.Cleanup(ctx, r.cfg.RetentionDays)
}

// DailyReport sends the trailing-24h summary when reporting is enabled.
func (r *Runner) DailyReport(ctx context.Context) error {
	if !r.cfg.DailyReportEnabled {
		return nil
	}
	if !r.manager.SendDailyReport(ctx) {
		return fmt.Errorf("daily report delivery failed")
	}
	return nil
}

// Register adds the monitoring tasks to the scheduler with their retry
// policies and time limits.
func (r *Runner) Register(s *sched.Scheduler) error {
	if err := s.Register(sched.Task{
		Name:      ScanTaskName,
		Interval:  r.cfg.ScanInterval,
		SoftLimit: r.cfg.SoftTimeLimit,
		HardLimit: r.cfg.HardTimeLimit,
		Retry: retry.Policy{
			MaxAttempts: 4,
			BaseDelay:   time.Minute,
			MaxDelay:    10 * time.Minute,
		},
		Handler: func(ctx context.Context) error {
			_, err := r.Scan(ctx)
			return err
		},
	}); err != nil {
		return err
	}

	if err := s.Register(sched.Task{
		Name:      CleanupTaskName,
		Interval:  r.cfg.CleanupInterval,
		SoftLimit: r.cfg.SoftTimeLimit,
		HardLimit: r.cfg.HardTimeLimit,
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Minute,
			MaxDelay:    30 * time.Minute,
		},
		Handler: func(ctx context.Context) error {
			_, err := r.Cleanup(ctx)
			return err
		},
	}); err != nil {
		return err
	}

	if r.cfg.DailyReportEnabled {
		if err := s.Register(sched.Task{
			Name:     DailyReportTaskName,
			Interval: 24 * time.Hour,
			Retry: retry.Policy{
				MaxAttempts: 2,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    15 * time.Minute,
			},
			Handler: r.DailyReport,
		}); err != nil {
			return err
		}
	}

	return nil
}
