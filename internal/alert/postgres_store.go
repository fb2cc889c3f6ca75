package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zouzh14/explicandum-core/internal/detect"
)

// PostgresStore persists risk events in PostgreSQL. The primary key on id
// gives insert-if-absent its uniqueness guarantee.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, type, level, title, description, value, threshold,
	timestamp, resolved, resolved_at, resolved_by, actions, metadata,
	email_sent, email_sent_at`

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, rec *Record) (bool, error) {
	actionsJSON, err := json.Marshal(rec.Actions)
	if err != nil {
		return false, fmt.Errorf("failed to marshal actions: %w", err)
	}
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events
			(id, type, level, title, description, value, threshold, timestamp,
			 resolved, actions, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.ID,
		string(rec.Type),
		string(rec.Level),
		rec.Title,
		rec.Description,
		rec.Value,
		rec.Threshold,
		rec.Timestamp,
		rec.Resolved,
		actionsJSON,
		metadataJSON,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert risk event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) GetUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM risk_events
		WHERE NOT resolved
		ORDER BY timestamp DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved risk events: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) GetByLevel(ctx context.Context, level detect.Level, unresolvedOnly bool) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM risk_events
		WHERE level = $1 AND (NOT $2 OR NOT resolved)
		ORDER BY timestamp DESC, id
	`, string(level), unresolvedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk events by level: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) GetSince(ctx context.Context, since time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM risk_events
		WHERE timestamp >= $1
		ORDER BY timestamp DESC, id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent risk events: %w", err)
	}
	return scanRecords(rows)
}

func (s *PostgresStore) Resolve(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_events
		SET resolved = TRUE, resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND NOT resolved
	`, id, at, by)
	if err != nil {
		return false, fmt.Errorf("failed to resolve risk event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read resolve result: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkEmailSent(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE risk_events
		SET email_sent = TRUE, email_sent_at = $1
		WHERE id = ANY($2)
	`, at, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to mark notifications sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) Statistics(ctx context.Context, since time.Time) (*Stats, error) {
	stats := emptyStats(0)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT resolved)
		FROM risk_events
		WHERE timestamp >= $1
	`, since).Scan(&stats.Total, &stats.Unresolved)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate risk totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT level, type, COUNT(*)
		FROM risk_events
		WHERE timestamp >= $1 AND NOT resolved
		GROUP BY level, type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate risk breakdown: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var level, typ string
		var count int
		if err := rows.Scan(&level, &typ, &count); err != nil {
			return nil, fmt.Errorf("failed to scan risk breakdown: %w", err)
		}
		stats.ByLevel[detect.Level(level)] += count
		stats.ByType[detect.Type(typ)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read risk breakdown: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM risk_events
		WHERE resolved AND resolved_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old risk events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cleanup result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var r Record
		var typ, level string
		var resolvedAt, emailSentAt sql.NullTime
		var resolvedBy sql.NullString
		var actionsJSON, metadataJSON []byte

		if err := rows.Scan(
			&r.ID, &typ, &level, &r.Title, &r.Description,
			&r.Value, &r.Threshold, &r.Timestamp, &r.Resolved,
			&resolvedAt, &resolvedBy, &actionsJSON, &metadataJSON,
			&r.EmailSent, &emailSentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}

		r.Type = detect.Type(typ)
		r.Level = detect.Level(level)
		if resolvedAt.Valid {
			t := resolvedAt.Time
			r.ResolvedAt = &t
		}
		if resolvedBy.Valid {
			r.ResolvedBy = resolvedBy.String
		}
		if emailSentAt.Valid {
			t := emailSentAt.Time
			r.EmailSentAt = &t
		}
		if len(actionsJSON) > 0 {
			_ = json.Unmarshal(actionsJSON, &r.Actions)
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &r.Metadata)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read risk events: %w", err)
	}
	return out, nil
}
