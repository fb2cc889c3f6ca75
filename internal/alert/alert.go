// Package alert owns the persisted risk-event table and its lifecycle:
// insert-with-dedup, queries, resolution, windowed statistics, escalation
// to the notifier, and retention cleanup.
package alert

import (
	"context"
	"time"

	"github.com/zouzh14/explicandum-core/internal/detect"
)

// Record is the persisted form of a risk event, keyed by the event's
// fingerprint ID.
type Record struct {
	ID          string         `json:"id"`
	Type        detect.Type    `json:"type"`
	Level       detect.Level   `json:"level"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Value       float64        `json:"value"`
	Threshold   float64        `json:"threshold"`
	Timestamp   time.Time      `json:"timestamp"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy  string         `json:"resolvedBy,omitempty"`
	Actions     []string       `json:"actions,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EmailSent   bool           `json:"emailSent"`
	EmailSentAt *time.Time     `json:"emailSentAt,omitempty"`
}

// NewRecord converts a detected event into its persisted form.
func NewRecord(ev *detect.Event) *Record {
	return &Record{
		ID:          ev.ID,
		Type:        ev.Type,
		Level:       ev.Level,
		Title:       ev.Title,
		Description: ev.Description,
		Value:       ev.Value,
		Threshold:   ev.Threshold,
		Timestamp:   ev.Timestamp,
		Resolved:    ev.Resolved,
		Actions:     ev.Actions,
		Metadata:    ev.Metadata,
	}
}

// Event converts a record back into the detection event shape, used when
// building reports from persisted history.
func (r *Record) Event() *detect.Event {
	return &detect.Event{
		ID:          r.ID,
		Type:        r.Type,
		Level:       r.Level,
		Title:       r.Title,
		Description: r.Description,
		Value:       r.Value,
		Threshold:   r.Threshold,
		Timestamp:   r.Timestamp,
		Resolved:    r.Resolved,
		Actions:     r.Actions,
		Metadata:    r.Metadata,
	}
}

// Stats summarizes risk events inside a trailing time window. The by-level
// and by-type breakdowns count unresolved events only; Total always equals
// Resolved + Unresolved.
type Stats struct {
	PeriodHours   int                  `json:"periodHours"`
	Total         int                  `json:"total"`
	Unresolved    int                  `json:"unresolved"`
	Resolved      int                  `json:"resolved"`
	ByLevel       map[detect.Level]int `json:"byLevel"`
	ByType        map[detect.Type]int  `json:"byType"`
	CriticalCount int                  `json:"criticalCount"`
	HighCount     int                  `json:"highCount"`
	MediumCount   int                  `json:"mediumCount"`
	LowCount      int                  `json:"lowCount"`
}

// emptyStats returns a zeroed Stats with initialized maps, the safe default
// when the store is unreachable.
func emptyStats(hours int) *Stats {
	s := &Stats{
		PeriodHours: hours,
		ByLevel:     make(map[detect.Level]int, len(detect.Levels)),
		ByType:      make(map[detect.Type]int, len(detect.Types)),
	}
	for _, l := range detect.Levels {
		s.ByLevel[l] = 0
	}
	for _, t := range detect.Types {
		s.ByType[t] = 0
	}
	return s
}

// Store persists risk event records. Implementations must guarantee
// insert-if-absent semantics on ID at the storage level; check-then-insert
// without that guarantee races under concurrent scans.
type Store interface {
	// InsertIfAbsent stores the record unless one with the same ID exists.
	// Returns true when a new row was written.
	InsertIfAbsent(ctx context.Context, rec *Record) (bool, error)

	// GetUnresolved returns unresolved records, newest first, capped at limit.
	GetUnresolved(ctx context.Context, limit int) ([]*Record, error)

	// GetByLevel returns records of one severity, newest first.
	GetByLevel(ctx context.Context, level detect.Level, unresolvedOnly bool) ([]*Record, error)

	// GetSince returns records with Timestamp >= since, newest first.
	GetSince(ctx context.Context, since time.Time) ([]*Record, error)

	// Resolve marks the record resolved. Returns false when the ID is
	// unknown or the record was already resolved; resolution fields are
	// written at most once.
	Resolve(ctx context.Context, id, by string, at time.Time) (bool, error)

	// MarkEmailSent flips the escalation flag on the given IDs in one update.
	MarkEmailSent(ctx context.Context, ids []string, at time.Time) error

	// Statistics aggregates counts over records with Timestamp >= since.
	Statistics(ctx context.Context, since time.Time) (*Stats, error)

	// DeleteResolvedBefore removes records with resolved=true and
	// resolved_at < cutoff, atomically, returning the number deleted.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DailyReport is the payload handed to the notifier's daily-report channel.
type DailyReport struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	WindowHours int             `json:"windowHours"`
	Stats       *Stats          `json:"stats"`
	Events      []*detect.Event `json:"events"`
}

// Notifier delivers alert content out of the monitoring core. Both calls
// are best-effort: failures are surfaced to the caller but never roll back
// persisted state.
type Notifier interface {
	SendCriticalAlert(ctx context.Context, events []*detect.Event) error
	SendDailyReport(ctx context.Context, report *DailyReport) error
}

// ResolveOutcome distinguishes "resolved", "no such event", and "storage
// broke" without overloading a single boolean.
type ResolveOutcome int

const (
	ResolveOK ResolveOutcome = iota
	ResolveNotFound
	ResolveStorageError
)

func (o ResolveOutcome) String() string {
	switch o {
	case ResolveOK:
		return "ok"
	case ResolveNotFound:
		return "not_found"
	case ResolveStorageError:
		return "storage_error"
	default:
		return "unknown"
	}
}
