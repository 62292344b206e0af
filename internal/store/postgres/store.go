package postgres

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/report"
)

const foreignKeyViolation = "23503"

// Store groups the room, message and user stores over one database handle.
type Store struct {
	db      *sql.DB
	reports *report.Store
}

// New wraps db. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db, reports: report.NewStore(db)}
}

// Rooms returns the store as a chat.RoomStore.
func (s *Store) Rooms() chat.RoomStore { return roomStore{s.db} }

// Messages returns the store as a chat.MessageStore.
func (s *Store) Messages() chat.MessageStore { return messageStore{db: s.db, reports: s.reports} }

// Users returns the store as a chat.UserStore.
func (s *Store) Users() chat.UserStore { return userStore{s.db} }

// Reports exposes the report table for moderation tooling.
func (s *Store) Reports() *report.Store { return s.reports }

// notFound maps missing rows and dangling references to chat.ErrNotFound.
func notFound(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}
