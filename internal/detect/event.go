// Package detect implements the risk detection engine.
//
// Each rule is an independent, stateless check over a point-in-time account
// snapshot. Rules emit candidate risk events; they never persist anything
// and never mutate the snapshot. A failing rule is logged and skipped, so a
// scan always produces a result.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Level is the severity of a risk event, totally ordered low < medium <
// high < critical.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Levels lists all levels in ascending severity order.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Severity returns the numeric rank of the level (0 = low). Unknown levels
// rank below low.
func (l Level) Severity() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.Severity() >= 0 }

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// Type is the risk category.
type Type string

const (
	TypeSecurity    Type = "security"
	TypePerformance Type = "performance"
	TypeUsage       Type = "usage"
	TypeSystem      Type = "system"
)

// Types lists all risk categories.
var Types = []Type{TypeSecurity, TypePerformance, TypeUsage, TypeSystem}

// Event is a detected risk condition. Type and Level are immutable after
// creation; the resolution and escalation fields are owned by the alert
// manager once the event is persisted.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Level       Level          `json:"level"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Value       float64        `json:"value"`
	Threshold   float64        `json:"threshold"`
	Timestamp   time.Time      `json:"timestamp"`
	Resolved    bool           `json:"resolved"`
	Actions     []string       `json:"actions"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// fingerprintBucket is the dedup window: repeated detections of the same
// condition within one bucket share an event ID and collapse in storage.
const fingerprintBucket = time.Hour

// Fingerprint derives a stable event ID from the rule name, the subject
// grouping key (empty for aggregate rules), and the detection time rounded
// down to the bucket. Identical conditions detected by consecutive scans
// map to the same ID, which is what makes insert-if-absent a real dedup.
func Fingerprint(rule, subjectKey string, at time.Time) string {
	bucket := at.UTC().Truncate(fingerprintBucket)
	sum := sha256.Sum256([]byte(rule + "|" + subjectKey + "|" + bucket.Format(time.RFC3339)))
	return rule + "_" + hex.EncodeToString(sum[:8])
}
