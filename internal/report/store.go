// Package report provides PostgreSQL-backed storage for message reports.
// Each report records who reported which message, in which room, and the
// author it was filed against so moderators can review repeat offenders.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/voyago/chat/internal/chat"
)

// foreignKeyViolation is the PostgreSQL error code raised when a report
// references a message that does not exist.
const foreignKeyViolation = "23503"

// Store manages message reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a report. The reason is validated against the accepted
// set before insertion, and ID and CreatedAt are filled in on success.
// A report against an unknown message returns chat.ErrNotFound.
func (s *Store) Create(ctx context.Context, r *chat.Report) error {
	if !r.Reason.Valid() {
		return fmt.Errorf("report: invalid reason %q", r.Reason)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	const query = `
		INSERT INTO message_reports (id, message_id, room_id, reporter_id, reported_user_id, reason, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		r.ID,
		r.MessageID,
		r.RoomID,
		r.ReporterID,
		r.ReportedUserID,
		string(r.Reason),
		r.Description,
	).Scan(&r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return chat.ErrNotFound
		}
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within
// the given time window.
func (s *Store) CountRecent(ctx context.Context, reportedUserID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM message_reports
		WHERE reported_user_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedUserID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

