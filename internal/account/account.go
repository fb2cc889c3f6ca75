// Package account provides read-only access to the account/usage dataset
// that risk detection evaluates. The monitoring core never writes to it.
package account

import (
	"context"
	"time"
)

// Account is one subject record in the snapshot.
type Account struct {
	ID             string     `json:"id"`
	Role           string     `json:"role"` // "admin" or "user"
	TokenQuota     int64      `json:"tokenQuota"`
	TokensUsed     int64      `json:"tokensUsed"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActiveAt   *time.Time `json:"lastActiveAt,omitempty"` // nil if never active
	RegistrationIP string     `json:"registrationIp,omitempty"`
}

// RoleAdmin is the role string that marks administrator accounts.
const RoleAdmin = "admin"

// UsageRatio returns TokensUsed/TokenQuota, or 0 when the quota is zero.
func (a *Account) UsageRatio() float64 {
	if a.TokenQuota <= 0 {
		return 0
	}
	return float64(a.TokensUsed) / float64(a.TokenQuota)
}

// Snapshot is a point-in-time view of all accounts.
type Snapshot struct {
	Accounts []*Account
	TakenAt  time.Time
}

// Source supplies account snapshots. Implementations must return data the
// caller can treat as its own; detection never mutates a snapshot.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}
