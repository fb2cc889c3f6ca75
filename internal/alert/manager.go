package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zouzh14/explicandum-core/internal/detect"
	"github.com/zouzh14/explicandum-core/internal/metrics"
	"github.com/zouzh14/explicandum-core/internal/traces"
)

// escalationFloor is the lowest severity that triggers the critical-alert
// notification path.
const escalationFloor = detect.LevelHigh

// Manager coordinates risk event persistence, escalation, and reporting.
// Construct one at process start and pass it by reference; it holds no
// hidden global state.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over the given store and notifier.
func NewManager(store Store, notifier Notifier, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store persists the events that are not already recorded, returning the
// number inserted. A failure on one event is logged and skipped; the rest
// of the batch still goes through.
func (m *Manager) Store(ctx context.Context, events []*detect.Event) int {
	stored := 0
	for _, ev := range events {
		inserted, err := m.store.InsertIfAbsent(ctx, NewRecord(ev))
		if err != nil {
			m.logger.Error("failed to store risk event", "id", ev.ID, "error", err)
			continue
		}
		if inserted {
			stored++
		}
	}
	if stored > 0 {
		metrics.RiskEventsStoredTotal.Add(float64(stored))
	}
	m.logger.Info("stored new risk events", "count", stored, "batch", len(events))
	return stored
}

// GetUnresolved returns unresolved events, newest first. Storage errors are
// logged and reported as an empty list.
func (m *Manager) GetUnresolved(ctx context.Context, limit int) []*Record {
	records, err := m.store.GetUnresolved(ctx, limit)
	if err != nil {
		m.logger.Error("failed to get unresolved risks", "error", err)
		return nil
	}
	return records
}

// GetByLevel returns events of one severity, newest first.
func (m *Manager) GetByLevel(ctx context.Context, level detect.Level, unresolvedOnly bool) []*Record {
	records, err := m.store.GetByLevel(ctx, level, unresolvedOnly)
	if err != nil {
		m.logger.Error("failed to get risks by level", "level", level, "error", err)
		return nil
	}
	return records
}

// Resolve marks one event resolved. The resolution fields are written at
// most once; resolving an unknown or already-resolved event reports
// ResolveNotFound without touching the store.
func (m *Manager) Resolve(ctx context.Context, id, resolvedBy string) ResolveOutcome {
	updated, err := m.store.Resolve(ctx, id, resolvedBy, time.Now().UTC())
	if err != nil {
		m.logger.Error("failed to resolve risk event", "id", id, "error", err)
		return ResolveStorageError
	}
	if !updated {
		m.logger.Warn("risk event not found or already resolved", "id", id)
		return ResolveNotFound
	}
	m.logger.Info("resolved risk event", "id", id, "by", resolvedBy)
	return ResolveOK
}

// Statistics aggregates events detected within the trailing windowHours.
// Always returns a usable struct; a storage failure yields zeroed counts.
func (m *Manager) Statistics(ctx context.Context, windowHours int) *Stats {
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	stats, err := m.store.Statistics(ctx, since)
	if err != nil {
		m.logger.Error("failed to get risk statistics", "error", err)
		return emptyStats(windowHours)
	}
	stats.PeriodHours = windowHours
	stats.Resolved = stats.Total - stats.Unresolved
	stats.CriticalCount = stats.ByLevel[detect.LevelCritical]
	stats.HighCount = stats.ByLevel[detect.LevelHigh]
	stats.MediumCount = stats.ByLevel[detect.LevelMedium]
	stats.LowCount = stats.ByLevel[detect.LevelLow]
	metrics.UnresolvedRiskEvents.Set(float64(stats.Unresolved))
	return stats
}

// ProcessResult summarizes one processing pass over a scan's events.
type ProcessResult struct {
	Stored        int      `json:"stored"`
	EmailsSent    int      `json:"emailsSent"`
	CriticalCount int      `json:"criticalCount"`
	HighCount     int      `json:"highCount"`
	Errors        []string `json:"errors"`
}

// Process stores a batch of detected events and escalates when the batch
// contains high or critical severities. The notifier is invoked once for
// the whole batch; on success every high/critical event in the batch is
// flagged email_sent in a single update. Notifier failure is recorded in
// Errors and never affects the stored count; persistence is the durable
// side effect, notification is best-effort.
func (m *Manager) Process(ctx context.Context, events []*detect.Event) *ProcessResult {
	ctx, span := traces.StartSpan(ctx, "alert.process",
		attribute.Int("events", len(events)))
	defer span.End()

	result := &ProcessResult{Errors: []string{}}
	result.Stored = m.Store(ctx, events)

	var escalate []string
	for _, ev := range events {
		switch ev.Level {
		case detect.LevelCritical:
			result.CriticalCount++
		case detect.LevelHigh:
			result.HighCount++
		}
		if ev.Level.Severity() >= escalationFloor.Severity() {
			escalate = append(escalate, ev.ID)
		}
	}
	if len(escalate) == 0 {
		return result
	}

	topLevel := detect.LevelHigh
	if result.CriticalCount > 0 {
		topLevel = detect.LevelCritical
	}
	span.SetAttributes(traces.EventLevel(string(topLevel)))

	if err := m.notifier.SendCriticalAlert(ctx, events); err != nil {
		metrics.NotificationsTotal.WithLabelValues("critical_alert", "failure").Inc()
		m.logger.Error("failed to send critical alert", "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("failed to send critical alert: %v", err))
		return result
	}

	metrics.NotificationsTotal.WithLabelValues("critical_alert", "success").Inc()
	result.EmailsSent = 1

	// Escalation flags flip only after the notifier succeeded for the
	// whole batch, so an aborted scan never leaves them half-applied.
	if err := m.store.MarkEmailSent(ctx, escalate, time.Now().UTC()); err != nil {
		m.logger.Error("failed to record sent notifications", "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("failed to record sent notifications: %v", err))
	}

	m.logger.Info("sent critical alert",
		"critical", result.CriticalCount, "high", result.HighCount)
	return result
}

// SendDailyReport builds the trailing-24h report and forwards it to the
// notifier. Returns the notifier's verdict.
func (m *Manager) SendDailyReport(ctx context.Context) bool {
	const windowHours = 24

	since := time.Now().UTC().Add(-windowHours * time.Hour)
	records, err := m.store.GetSince(ctx, since)
	if err != nil {
		m.logger.Error("failed to load events for daily report", "error", err)
		return false
	}

	events := make([]*detect.Event, len(records))
	for i, r := range records {
		events[i] = r.Event()
	}

	report := &DailyReport{
		GeneratedAt: time.Now().UTC(),
		WindowHours: windowHours,
		Stats:       m.Statistics(ctx, windowHours),
		Events:      events,
	}

	if err := m.notifier.SendDailyReport(ctx, report); err != nil {
		metrics.NotificationsTotal.WithLabelValues("daily_report", "failure").Inc()
		m.logger.Error("failed to send daily report", "error", err)
		return false
	}
	metrics.NotificationsTotal.WithLabelValues("daily_report", "success").Inc()
	m.logger.Info("sent daily report", "events", len(events))
	return true
}

// Cleanup deletes resolved events whose resolution is older than
// retentionDays. Unresolved events are never deleted, whatever their age.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	deleted, err := m.store.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("risk cleanup failed", "error", err)
		return 0, err
	}
	if deleted > 0 {
		metrics.CleanupDeletedTotal.Add(float64(deleted))
	}
	m.logger.Info("cleaned up old risk events", "deleted", deleted, "retention_days", retentionDays)
	return deleted, nil
}
