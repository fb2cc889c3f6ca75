package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zouzh14/explicandum-core/internal/account"
	"github.com/zouzh14/explicandum-core/internal/metrics"
	"github.com/zouzh14/explicandum-core/internal/traces"
)

// Detector runs the full rule battery against an account snapshot.
type Detector struct {
	source account.Source
	rules  []Rule
	logger *slog.Logger
}

// Option configures the Detector.
type Option func(*Detector)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithRules overrides the default rule set.
func WithRules(rules ...Rule) Option {
	return func(d *Detector) { d.rules = rules }
}

// New creates a Detector over the given account source with default rules.
func New(source account.Source, opts ...Option) *Detector {
	d := &Detector{
		source: source,
		rules:  DefaultRules(DefaultThresholds()),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectAll takes a snapshot and evaluates every rule against it.
//
// A single failing rule contributes no events and does not fail the scan.
// If the snapshot itself cannot be read, DetectAll returns one synthetic
// system/high event describing the failure plus a non-nil error, so callers
// always get a scan result while the scheduler still sees a retryable
// failure.
func (d *Detector) DetectAll(ctx context.Context) ([]*Event, error) {
	snap, err := d.source.Snapshot(ctx)
	if err != nil {
		d.logger.Error("risk detection failed to read snapshot", "error", err)
		return []*Event{detectionFailureEvent(err, time.Now())}, fmt.Errorf("risk detection: %w", err)
	}

	now := snap.TakenAt
	var events []*Event
	for _, rule := range d.rules {
		_, ruleSpan := traces.StartSpan(ctx, "detect.rule", traces.Rule(rule.Name()))
		evs, err := d.safeEvaluate(rule, snap, now)
		ruleSpan.End()
		if err != nil {
			d.logger.Error("risk rule failed", "rule", rule.Name(), "error", err)
			metrics.RuleFailuresTotal.WithLabelValues(rule.Name()).Inc()
			continue
		}
		if len(evs) > 0 {
			metrics.RiskEventsDetectedTotal.WithLabelValues(rule.Name()).Add(float64(len(evs)))
		}
		events = append(events, evs...)
	}

	d.logger.Info("risk detection completed", "risks", len(events), "accounts", len(snap.Accounts))
	return events, nil
}

// safeEvaluate converts a rule panic into an error so one broken rule
// cannot take down the scan.
func (d *Detector) safeEvaluate(rule Rule, snap *account.Snapshot, now time.Time) (events []*Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule.Evaluate(snap, now)
}

// detectionFailureEvent is the synthetic event emitted when the scan itself
// fails before any rule can run.
func detectionFailureEvent(cause error, now time.Time) *Event {
	return &Event{
		ID:          Fingerprint("detection_failure", "", now),
		Type:        TypeSystem,
		Level:       LevelHigh,
		Title:       "Risk Detection System Failure",
		Description: fmt.Sprintf("Risk detection encountered an error: %v", cause),
		Value:       1,
		Threshold:   0,
		Timestamp:   now,
		Actions: []string{
			"Check system logs",
			"Restart monitoring service",
		},
	}
}
