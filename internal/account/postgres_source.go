package account

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresSource reads account snapshots from the accounts table owned by
// the user-management service. Read-only: no statement here writes.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a PostgreSQL-backed account source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, token_quota, tokens_used, created_at, last_active_at, registration_ip
		FROM accounts
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load account snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := &Snapshot{TakenAt: time.Now()}
	for rows.Next() {
		var a Account
		var lastActive sql.NullTime
		var regIP sql.NullString
		if err := rows.Scan(&a.ID, &a.Role, &a.TokenQuota, &a.TokensUsed, &a.CreatedAt, &lastActive, &regIP); err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		if lastActive.Valid {
			t := lastActive.Time
			a.LastActiveAt = &t
		}
		if regIP.Valid {
			a.RegistrationIP = regIP.String
		}
		snap.Accounts = append(snap.Accounts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read account snapshot: %w", err)
	}
	return snap, nil
}
