package detect

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zouzh14/explicandum-core/internal/account"
)

// Thresholds are the tunable limits the rules compare against.
type Thresholds struct {
	QuotaExhaustionRatio   float64 // quota usage ratio considered near-exhaustion
	UnusualActivityRatio   float64 // share of accounts active in 24h considered unusual
	AdminInactivityDays    int     // days without activity before an admin counts as inactive
	HighUsageAverage       float64 // average tokens per account considered high
	RegistrationSurgeCount int     // registrations per hour considered a surge
	SharedIPRegistrations  int     // registrations from one IP considered suspicious
}

// DefaultThresholds returns the production limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		QuotaExhaustionRatio:   0.90,
		UnusualActivityRatio:   0.80,
		AdminInactivityDays:    7,
		HighUsageAverage:       50000,
		RegistrationSurgeCount: 10,
		SharedIPRegistrations:  3,
	}
}

// Rule is an independent detection check over a snapshot.
type Rule interface {
	Name() string
	Evaluate(snap *account.Snapshot, now time.Time) ([]*Event, error)
}

// DefaultRules returns the full rule battery.
func DefaultRules(t Thresholds) []Rule {
	return []Rule{
		&QuotaExhaustionRule{T: t},
		&UnusualActivityRule{T: t},
		&AdminSecurityRule{T: t},
		&HighUsageRule{T: t},
		&RegistrationSurgeRule{T: t},
		&SharedIPRule{T: t},
	}
}

// ---------------------------------------------------------------------------
// QuotaExhaustionRule: accounts with usage over 90% of quota
// ---------------------------------------------------------------------------

type QuotaExhaustionRule struct{ T Thresholds }

func (r *QuotaExhaustionRule) Name() string { return "quota_exhaustion" }

func (r *QuotaExhaustionRule) Evaluate(snap *account.Snapshot, now time.Time) ([]*Event, error) {
	var affected []*account.Account
	for _, a := range snap.Accounts {
		if a.TokenQuota <= 0 {
			continue
		}
		if a.UsageRatio() > r.T.QuotaExhaustionRatio {
			affected = append(affected, a)
		}
	}
	if len(affected) == 0 {
		return nil, nil
	}

	level := LevelHigh
	if len(affected) > 3 {
		level = LevelCritical
	}

	ids := make([]string, len(affected))
	percentages := make([]float64, len(affected))
	for i, a := range affected {
		ids[i] = a.ID
		percentages[i] = math.Round(a.UsageRatio()*1000) / 10
	}

	return []*Event{{
		ID:          Fingerprint(r.Name(), "", now),
		Type:        TypeUsage,
		Level:       level,
		Title:       "Account Quota Near Exhaustion",
		Description: fmt.Sprintf("%d accounts have quota usage over 90%%", len(affected)),
		Value:       float64(len(affected)),
		Threshold:   3,
		Timestamp:   now,
		Metadata: map[string]any{
			"affected_accounts": ids,
			"usage_percentages": percentages,
		},
		Actions: []string{
			"Contact administrators to increase quotas",
			"Review account usage patterns",
			"Consider implementing automatic quota management",
		},
	}}, nil
}

// ---------------------------------------------------------------------------
// UnusualActivityRule: abnormally high share of accounts active in 24h
// ---------------------------------------------------------------------------

type UnusualActivityRule struct{ T Thresholds }

func (r *UnusualActivityRule) Name() string { return "unusual_activity" }

func (r *UnusualActivityRule) Evaluate(snap *account.Snapshot, now time.Time) ([]*Event, error) {
	// Too few accounts for the ratio to mean anything.
	if len(snap.Accounts) <= 10 {
		return nil, nil
	}

	cutoff := now.Add(-24 * time.Hour)
	active := 0
	for _, a := range snap.Accounts {
		if a.LastActiveAt != nil && a.LastActiveAt.After(cutoff) {
			active++
		}
	}

	ratio := float64(active) / float64(len(snap.Accounts))
	if ratio <= r.T.UnusualActivityRatio {
		return nil, nil
	}

	return []*Event{{
		ID:          Fingerprint(r.Name(), "", now),
		Type:        TypeSecurity,
		Level:       LevelMedium,
		Title:       "Unusual Account Activity Pattern",
		Description: fmt.Sprintf("%d%% of accounts active in 24 hours", int(math.Round(ratio*100))),
		Value:       math.Round(ratio * 100),
		Threshold:   r.T.UnusualActivityRatio * 100,
		Timestamp:   now,
		Metadata: map[string]any{
			"total_accounts":  len(snap.Accounts),
			"active_accounts": active,
			"activity_ratio":  ratio,
		},
		Actions: []string{
			"Check for potential bot activity",
			"Review new account registrations",
			"Analyze login IP patterns",
		},
	}}, nil
}

// ---------------------------------------------------------------------------
// AdminSecurityRule: missing or inactive administrator accounts
// ---------------------------------------------------------------------------

type AdminSecurityRule struct{ T Thresholds }

func (r *AdminSecurityRule) Name() string { return "admin_security" }

func (r *AdminSecurityRule) Evaluate(snap *account.Snapshot, now time.Time) ([]*Event, error) {
	var admins []*account.Account
	for _, a := range snap.Accounts {
		if a.Role == account.RoleAdmin {
			admins = append(admins, a)
		}
	}

	if len(snap.Accounts) > 0 && len(admins) == 0 {
		// No admins at all; the inactivity check is moot.
		return []*Event{{
			ID:          Fingerprint("no_admin_accounts", "", now),
			Type:        TypeSecurity,
			Level:       LevelCritical,
			Title:       "No Administrator Accounts",
			Description: "System has no administrator accounts configured",
			Value:       0,
			Threshold:   1,
			Timestamp:   now,
			Actions: []string{
				"Create administrator account immediately",
				"Review account permissions configuration",
			},
		}}, nil
	}
	if len(admins) == 0 {
		return nil, nil
	}

	cutoff := now.Add(-time.Duration(r.T.AdminInactivityDays) * 24 * time.Hour)
	var inactive []*account.Account
	for _, a := range admins {
		if a.LastActiveAt == nil || a.LastActiveAt.Before(cutoff) {
			inactive = append(inactive, a)
		}
	}
	if len(inactive) == 0 {
		return nil, nil
	}

	level := LevelHigh
	if len(inactive) == len(admins) {
		level = LevelCritical
	}

	ids := make([]string, len(inactive))
	lastActive := make([]*time.Time, len(inactive))
	for i, a := range inactive {
		ids[i] = a.ID
		lastActive[i] = a.LastActiveAt
	}

	return []*Event{{
		ID:    Fingerprint(r.Name(), "", now),
		Type:  TypeSecurity,
		Level: level,
		Title: "Administrator Account Inactivity",
		Description: fmt.Sprintf("%d/%d administrators inactive for %d+ days",
			len(inactive), len(admins), r.T.AdminInactivityDays),
		Value:     float64(len(inactive)),
		Threshold: 1,
		Timestamp: now,
		Metadata: map[string]any{
			"total_admins":      len(admins),
			"inactive_admins":   ids,
			"last_active_times": lastActive,
		},
		Actions: []string{
			"Contact inactive administrators",
			"Review admin access logs",
			"Consider emergency admin access procedures",
		},
	}}, nil
}

// ---------------------------------------------------------------------------
// HighUsageRule: average token usage across all accounts too high
// ---------------------------------------------------------------------------

type HighUsageRule struct{ T Thresholds }

func (r *HighUsageRule) Name() string { return "high_usage" }

func (r *HighUsageRule) Evaluate(snap *account.Snapshot, now time.Time) ([]*Event, error) {
	if len(snap.Accounts) == 0 {
		return nil, nil
	}

	var total int64
	for _, a := range snap.Accounts {
		total += a.TokensUsed
	}
	avg := float64(total) / float64(len(snap.Accounts))
	if math.Round(avg) <= r.T.HighUsageAverage {
		return nil, nil
	}

	return []*Event{{
		ID:          Fingerprint(r.Name(), "", now),
		Type:        TypePerformance,
		Level:       LevelMedium,
		Title:       "High System Resource Usage",
		Description: fmt.Sprintf("Average account token usage: %d", int64(math.Round(avg))),
		Value:       math.Round(avg),
		Threshold:   r.T.HighUsageAverage,
		Timestamp:   now,
		Metadata: map[string]any{
			"total_tokens":           total,
			"total_accounts":         len(snap.Accounts),
			"avg_tokens_per_account": avg,
		},
		Actions: []string{
			"Optimize model usage efficiency",
			"Consider implementing rate limiting",
			"Review resource allocation policies",
		},
	}}, nil
}

// ---------------------------------------------------------------------------
// RegistrationSurgeRule: too many accounts created in the trailing hour
// ---------------------------------------------------------------------------

type RegistrationSurgeRule struct{ T Thresholds }

func (r *RegistrationSurgeRule) Name() string { return "registration_surge" }

func (r *RegistrationSurgeRule) Evaluate(snap *account.Snapshot, now time.Time) ([]*Event, error) {
	cutoff := now.Add(-time.Hour)
	var recent []*account.Account
	for _, a := range snap.Accounts {
		if a.CreatedAt.After(cutoff) {
			recent = append(recent, a)
		}
	}
	if len(recent) <= r.T.RegistrationSurgeCount {
		return nil, nil
	}

	ipSet := make(map[string]struct{})
	for _, a := range recent {
		if a.RegistrationIP != "" {
			ipSet[a.RegistrationIP] = struct{}{}
		}
	}
	ips := make([]string, 0, len(ipSet))
	for ip := range ipSet {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	return []*Event{{
		ID:          Fingerprint(r.Name(), "", now),
		Type:        TypeSecurity,
		Level:       LevelHigh,
		Title:       "Unusual Registration Spike",
		Description: fmt.Sprintf("%d new accounts registered in the last hour", len(recent)),
		Value:       float64(len(recent)),
		Threshold:   float64(r.T.RegistrationSurgeCount),
		Timestamp:   now,
		Metadata: map[string]any{
			"recent_registrations": len(recent),
			"registration_ips":     ips,
		},
		Actions: []string{
			"Review new registrations for authenticity",
			"Check for potential bot registration patterns",
			"Consider implementing CAPTCHA or rate limiting",
		},
	}}, nil
}

// ---------------------------------------------------------------------------
// SharedIPRule: one event per IP with too many registrations
// ---------------------------------------------------------------------------

type SharedIPRule struct{ T Thresholds }

func (r *SharedIPRule) Name() string { return "shared_ip_registrations" }

func (r *SharedIPRule) Evaluate(snap *account.Snapshot, now time.Time) ([]*Event, error) {
	byIP := make(map[string][]string)
	for _, a := range snap.Accounts {
		if a.RegistrationIP == "" {
			continue
		}
		byIP[a.RegistrationIP] = append(byIP[a.RegistrationIP], a.ID)
	}

	ips := make([]string, 0, len(byIP))
	for ip, ids := range byIP {
		if len(ids) >= r.T.SharedIPRegistrations {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)

	var events []*Event
	for _, ip := range ips {
		ids := byIP[ip]
		events = append(events, &Event{
			ID:          Fingerprint(r.Name(), ip, now),
			Type:        TypeSecurity,
			Level:       LevelMedium,
			Title:       "Multiple Registrations from Same IP",
			Description: fmt.Sprintf("%d accounts registered from IP: %s", len(ids), ip),
			Value:       float64(len(ids)),
			Threshold:   float64(r.T.SharedIPRegistrations),
			Timestamp:   now,
			Metadata: map[string]any{
				"ip_address":         ip,
				"registration_count": len(ids),
				"account_ids":        ids,
			},
			Actions: []string{
				"Review accounts from this IP address",
				"Check for potential account farming",
				"Consider IP-based registration limits",
			},
		})
	}
	return events, nil
}
