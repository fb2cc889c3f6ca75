package alert

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zouzh14/explicandum-core/internal/detect"
)

// MemoryStore is an in-memory Store for demo/test use. Dedup is enforced
// under the store mutex, mirroring the uniqueness constraint the Postgres
// store gets from its primary key.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an in-memory risk event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func copyRecord(r *Record) *Record {
	cp := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	if r.EmailSentAt != nil {
		t := *r.EmailSentAt
		cp.EmailSentAt = &t
	}
	cp.Actions = append([]string(nil), r.Actions...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return false, nil
	}
	s.records[rec.ID] = copyRecord(rec)
	return true, nil
}

func (s *MemoryStore) GetUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if !r.Resolved {
			out = append(out, copyRecord(r))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetByLevel(ctx context.Context, level detect.Level, unresolvedOnly bool) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.Level != level {
			continue
		}
		if unresolvedOnly && r.Resolved {
			continue
		}
		out = append(out, copyRecord(r))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) GetSince(ctx context.Context, since time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if !r.Timestamp.Before(since) {
			out = append(out, copyRecord(r))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || r.Resolved {
		return false, nil
	}
	r.Resolved = true
	r.ResolvedAt = &at
	r.ResolvedBy = by
	return true, nil
}

func (s *MemoryStore) MarkEmailSent(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			r.EmailSent = true
			t := at
			r.EmailSentAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) Statistics(ctx context.Context, since time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := emptyStats(0)
	for _, r := range s.records {
		if r.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		if r.Resolved {
			continue
		}
		stats.Unresolved++
		stats.ByLevel[r.Level]++
		stats.ByType[r.Type]++
	}
	return stats, nil
}

func (s *MemoryStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, r := range s.records {
		if r.Resolved && r.ResolvedAt != nil && r.ResolvedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// Get returns a copy of one record, or nil. Test helper.
func (s *MemoryStore) Get(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[id]; ok {
		return copyRecord(r)
	}
	return nil
}

// Len returns the number of stored records. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortNewestFirst(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
