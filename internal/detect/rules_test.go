package detect

import (
	"testing"
	"time"

	"github.com/zouzh14/explicandum-core/internal/account"
)

func snap(accounts ...*account.Account) *account.Snapshot {
	return &account.Snapshot{Accounts: accounts, TakenAt: time.Now()}
}

func acct(id string, quota, used int64) *account.Account {
	return &account.Account{
		ID:         id,
		Role:       "user",
		TokenQuota: quota,
		TokensUsed: used,
		CreatedAt:  time.Now().Add(-30 * 24 * time.Hour),
	}
}

func activeAt(a *account.Account, t time.Time) *account.Account {
	a.LastActiveAt = &t
	return a
}

func TestQuotaRuleBelowThreshold(t *testing.T) {
	rule := &QuotaExhaustionRule{T: DefaultThresholds()}

	events, err := rule.Evaluate(snap(
		acct("u1", 1000, 500),
		acct("u2", 1000, 900), // exactly 90% is not over
	), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestQuotaRuleHighLevel(t *testing.T) {
	rule := &QuotaExhaustionRule{T: DefaultThresholds()}

	events, err := rule.Evaluate(snap(
		acct("u1", 1000, 950),
		acct("u2", 1000, 100),
	), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Level != LevelHigh {
		t.Errorf("expected high level for 1 affected account, got %s", ev.Level)
	}
	if ev.Type != TypeUsage {
		t.Errorf("expected usage type, got %s", ev.Type)
	}
	affected := ev.Metadata["affected_accounts"].([]string)
	if len(affected) != 1 || affected[0] != "u1" {
		t.Errorf("expected affected [u1], got %v", affected)
	}
	pcts := ev.Metadata["usage_percentages"].([]float64)
	if pcts[0] != 95.0 {
		t.Errorf("expected 95.0%%, got %v", pcts[0])
	}
}

func TestQuotaRuleCriticalWithFourAffected(t *testing.T) {
	// 10 accounts, 4 with usage ratio >= 0.91: exactly one critical event
	// listing those 4.
	rule := &QuotaExhaustionRule{T: DefaultThresholds()}

	accounts := []*account.Account{
		acct("a1", 1000, 910),
		acct("a2", 1000, 950),
		acct("a3", 1000, 990),
		acct("a4", 1000, 1000),
	}
	for i := 0; i < 6; i++ {
		accounts = append(accounts, acct("ok"+string(rune('a'+i)), 1000, 100))
	}

	events, err := rule.Evaluate(snap(accounts...), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].Level != LevelCritical {
		t.Errorf("expected critical with 4 affected, got %s", events[0].Level)
	}
	affected := events[0].Metadata["affected_accounts"].([]string)
	if len(affected) != 4 {
		t.Errorf("expected 4 affected ids, got %d", len(affected))
	}
}

func TestQuotaRuleIgnoresZeroQuota(t *testing.T) {
	rule := &QuotaExhaustionRule{T: DefaultThresholds()}

	events, err := rule.Evaluate(snap(acct("broken", 0, 500)), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("zero-quota account should not trip the rule")
	}
}

func TestActivityRuleNeedsEnoughAccounts(t *testing.T) {
	rule := &UnusualActivityRule{T: DefaultThresholds()}
	now := time.Now()

	// 10 accounts all active: still skipped, threshold is > 10 accounts.
	var accounts []*account.Account
	for i := 0; i < 10; i++ {
		accounts = append(accounts, activeAt(acct("u"+string(rune('a'+i)), 1000, 0), now.Add(-time.Hour)))
	}
	events, err := rule.Evaluate(snap(accounts...), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events with only 10 accounts, got %d", len(events))
	}
}

func TestActivityRuleFlagsHighRatio(t *testing.T) {
	rule := &UnusualActivityRule{T: DefaultThresholds()}
	now := time.Now()

	// 12 accounts, 11 active in 24h: ratio ~0.917 > 0.80.
	var accounts []*account.Account
	for i := 0; i < 11; i++ {
		accounts = append(accounts, activeAt(acct("u"+string(rune('a'+i)), 1000, 0), now.Add(-2*time.Hour)))
	}
	accounts = append(accounts, acct("idle", 1000, 0))

	events, err := rule.Evaluate(snap(accounts...), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Level != LevelMedium || ev.Type != TypeSecurity {
		t.Errorf("expected medium/security, got %s/%s", ev.Level, ev.Type)
	}
	if ev.Metadata["active_accounts"].(int) != 11 {
		t.Errorf("expected 11 active, got %v", ev.Metadata["active_accounts"])
	}
}

func TestAdminRuleNoAdmins(t *testing.T) {
	rule := &AdminSecurityRule{T: DefaultThresholds()}

	events, err := rule.Evaluate(snap(acct("u1", 1000, 0)), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Level != LevelCritical {
		t.Errorf("expected critical, got %s", ev.Level)
	}
	if ev.Title != "No Administrator Accounts" {
		t.Errorf("unexpected title %q", ev.Title)
	}
	// The inactivity sub-check must not run: no metadata about inactive admins.
	if _, ok := ev.Metadata["inactive_admins"]; ok {
		t.Error("inactivity check should be skipped when no admins exist")
	}
}

func TestAdminRuleAllInactiveIsCritical(t *testing.T) {
	rule := &AdminSecurityRule{T: DefaultThresholds()}
	now := time.Now()

	a1 := acct("admin1", 1000, 0)
	a1.Role = account.RoleAdmin // never active
	a2 := activeAt(acct("admin2", 1000, 0), now.Add(-10*24*time.Hour))
	a2.Role = account.RoleAdmin

	events, err := rule.Evaluate(snap(a1, a2), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Level != LevelCritical {
		t.Errorf("all admins inactive should be critical, got %s", events[0].Level)
	}
	lastActive := events[0].Metadata["last_active_times"].([]*time.Time)
	if lastActive[0] != nil {
		t.Errorf("never-active admin should report nil last-active, got %v", lastActive[0])
	}
}

func TestAdminRuleSomeInactiveIsHigh(t *testing.T) {
	rule := &AdminSecurityRule{T: DefaultThresholds()}
	now := time.Now()

	stale := activeAt(acct("admin1", 1000, 0), now.Add(-8*24*time.Hour))
	stale.Role = account.RoleAdmin
	fresh := activeAt(acct("admin2", 1000, 0), now.Add(-time.Hour))
	fresh.Role = account.RoleAdmin

	events, err := rule.Evaluate(snap(stale, fresh), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Level != LevelHigh {
		t.Errorf("expected high, got %s", events[0].Level)
	}
}

func TestHighUsageRule(t *testing.T) {
	rule := &HighUsageRule{T: DefaultThresholds()}

	// Average 60000 > 50000.
	events, err := rule.Evaluate(snap(
		acct("u1", 100000, 70000),
		acct("u2", 100000, 50000),
	), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != TypePerformance || ev.Level != LevelMedium {
		t.Errorf("expected performance/medium, got %s/%s", ev.Type, ev.Level)
	}
	if ev.Value != 60000 {
		t.Errorf("expected value 60000, got %v", ev.Value)
	}

	// Average exactly at the threshold does not trip.
	events, err = rule.Evaluate(snap(acct("u1", 100000, 50000)), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("average equal to threshold should not trip")
	}
}

func TestRegistrationSurgeRule(t *testing.T) {
	rule := &RegistrationSurgeRule{T: DefaultThresholds()}
	now := time.Now()

	var accounts []*account.Account
	for i := 0; i < 11; i++ {
		a := acct("new"+string(rune('a'+i)), 1000, 0)
		a.CreatedAt = now.Add(-30 * time.Minute)
		a.RegistrationIP = "10.0.0.1"
		accounts = append(accounts, a)
	}

	events, err := rule.Evaluate(snap(accounts...), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Level != LevelHigh {
		t.Errorf("expected high, got %s", ev.Level)
	}
	ips := ev.Metadata["registration_ips"].([]string)
	if len(ips) != 1 || ips[0] != "10.0.0.1" {
		t.Errorf("expected distinct IP set [10.0.0.1], got %v", ips)
	}

	// Exactly 10 in the hour does not trip.
	events, err = rule.Evaluate(snap(accounts[:10]...), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("10 registrations should not trip the surge rule")
	}
}

func TestSharedIPRulePerOffendingIP(t *testing.T) {
	// IP A has 3 registrations, IP B has 2: exactly one medium event for A.
	rule := &SharedIPRule{T: DefaultThresholds()}
	now := time.Now()

	withIP := func(id, ip string) *account.Account {
		a := acct(id, 1000, 0)
		a.RegistrationIP = ip
		return a
	}

	events, err := rule.Evaluate(snap(
		withIP("u1", "192.0.2.10"),
		withIP("u2", "192.0.2.10"),
		withIP("u3", "192.0.2.10"),
		withIP("u4", "192.0.2.20"),
		withIP("u5", "192.0.2.20"),
	), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Level != LevelMedium {
		t.Errorf("expected medium, got %s", ev.Level)
	}
	if ev.Metadata["ip_address"].(string) != "192.0.2.10" {
		t.Errorf("expected event for 192.0.2.10, got %v", ev.Metadata["ip_address"])
	}
	ids := ev.Metadata["account_ids"].([]string)
	if len(ids) != 3 {
		t.Errorf("expected 3 account ids, got %d", len(ids))
	}
}

func TestSharedIPRuleMultipleOffenders(t *testing.T) {
	rule := &SharedIPRule{T: DefaultThresholds()}
	now := time.Now()

	var accounts []*account.Account
	for i := 0; i < 3; i++ {
		a := acct("a"+string(rune('1'+i)), 1000, 0)
		a.RegistrationIP = "192.0.2.30"
		accounts = append(accounts, a)
	}
	for i := 0; i < 4; i++ {
		a := acct("b"+string(rune('1'+i)), 1000, 0)
		a.RegistrationIP = "192.0.2.40"
		accounts = append(accounts, a)
	}

	events, err := rule.Evaluate(snap(accounts...), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected one event per offending IP, got %d", len(events))
	}
	// Deterministic order: sorted by IP.
	if events[0].Metadata["ip_address"].(string) != "192.0.2.30" {
		t.Errorf("expected 192.0.2.30 first, got %v", events[0].Metadata["ip_address"])
	}
}

func TestRulesTolerateEmptySnapshot(t *testing.T) {
	for _, rule := range DefaultRules(DefaultThresholds()) {
		events, err := rule.Evaluate(snap(), time.Now())
		if err != nil {
			t.Errorf("rule %s errored on empty snapshot: %v", rule.Name(), err)
		}
		if len(events) != 0 {
			t.Errorf("rule %s emitted %d events for empty snapshot", rule.Name(), len(events))
		}
	}
}
