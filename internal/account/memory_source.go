package account

import (
	"context"
	"sync"
	"time"
)

// MemorySource is an in-memory Source for demo/test use.
type MemorySource struct {
	mu       sync.RWMutex
	accounts []*Account
}

// NewMemorySource creates an in-memory account source.
func NewMemorySource(accounts ...*Account) *MemorySource {
	return &MemorySource{accounts: accounts}
}

// Set replaces the full account list.
func (s *MemorySource) Set(accounts []*Account) {
	s.mu.Lock()
	s.accounts = accounts
	s.mu.Unlock()
}

// Add appends one account.
func (s *MemorySource) Add(a *Account) {
	s.mu.Lock()
	s.accounts = append(s.accounts, a)
	s.mu.Unlock()
}

func (s *MemorySource) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, len(s.accounts))
	for i, a := range s.accounts {
		cp := *a
		if a.LastActiveAt != nil {
			t := *a.LastActiveAt
			cp.LastActiveAt = &t
		}
		out[i] = &cp
	}
	return &Snapshot{Accounts: out, TakenAt: time.Now()}, nil
}
