package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/voyago/chat/internal/chat"
)

type roomStore struct {
	db *sql.DB
}

const roomColumns = `id, name, type, destination, message_count, last_activity, active, created_by, created_at`

func scanRoom(row interface{ Scan(...any) error }) (*chat.Room, error) {
	var (
		r        chat.Room
		roomType string
	)
	err := row.Scan(&r.ID, &r.Name, &roomType, &r.Destination, &r.MessageCount, &r.LastActivity, &r.Active, &r.CreatedBy, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Type = chat.RoomType(roomType)
	return &r, nil
}

// Create inserts the room and its initial members in one transaction. The
// creator is recorded as an admin member.
func (s roomStore) Create(ctx context.Context, room *chat.Room) error {
	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = room.CreatedAt
	}
	if room.CreatedBy != "" && !listed(room, room.CreatedBy) {
		room.Members = append(room.Members, chat.Member{
			UserID: room.CreatedBy, Role: chat.RoleAdmin, JoinedAt: room.CreatedAt,
		})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: create room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertRoom = `
		INSERT INTO rooms (` + roomColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = tx.ExecContext(ctx, insertRoom,
		room.ID, room.Name, string(room.Type), room.Destination, room.MessageCount,
		room.LastActivity, room.Active, room.CreatedBy, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create room: %w", err)
	}

	const insertMember = `
		INSERT INTO room_members (room_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`
	for _, m := range room.Members {
		joined := m.JoinedAt
		if joined.IsZero() {
			joined = room.CreatedAt
		}
		if _, err := tx.ExecContext(ctx, insertMember, room.ID, m.UserID, string(m.Role), joined); err != nil {
			return fmt.Errorf("postgres: create room member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: create room: %w", err)
	}
	return nil
}

func listed(room *chat.Room, userID string) bool {
	for _, m := range room.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (s roomStore) FindByID(ctx context.Context, id string) (*chat.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	room, err := scanRoom(row)
	if notFound(err) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find room: %w", err)
	}
	if err := s.loadMembers(ctx, []*chat.Room{room}); err != nil {
		return nil, err
	}
	return room, nil
}

func (s roomStore) FindByType(ctx context.Context, roomType chat.RoomType, page, limit int) ([]*chat.Room, int, error) {
	const filter = `WHERE active AND ($1::text = '' OR type = $1::text)`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms `+filter, string(roomType)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count rooms: %w", err)
	}

	rooms, err := s.query(ctx, `
		SELECT `+roomColumns+` FROM rooms `+filter+`
		ORDER BY last_activity DESC, id
		LIMIT $2 OFFSET $3`,
		string(roomType), limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	return rooms, total, nil
}

func (s roomStore) FindByDestination(ctx context.Context, destination string) ([]*chat.Room, error) {
	return s.query(ctx, `
		SELECT `+roomColumns+` FROM rooms
		WHERE type = $1 AND destination = $2
		ORDER BY id`,
		string(chat.RoomTravelPartner), destination)
}

func (s roomStore) FindByMember(ctx context.Context, userID string) ([]*chat.Room, error) {
	return s.query(ctx, `
		SELECT r.id, r.name, r.type, r.destination, r.message_count, r.last_activity, r.active, r.created_by, r.created_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = $1
		ORDER BY r.id`,
		userID)
}

// query runs a room listing and loads the members of every returned room.
func (s roomStore) query(ctx context.Context, query string, args ...any) ([]*chat.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []*chat.Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query rooms: %w", err)
	}
	if err := s.loadMembers(ctx, rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (s roomStore) loadMembers(ctx context.Context, rooms []*chat.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	ids := make([]string, len(rooms))
	byID := make(map[string]*chat.Room, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
		byID[r.ID] = r
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, user_id, role, joined_at, last_read_at
		FROM room_members
		WHERE room_id = ANY($1)
		ORDER BY joined_at, user_id`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: load members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roomID, role string
			m            chat.Member
			lastRead     sql.NullTime
		)
		if err := rows.Scan(&roomID, &m.UserID, &role, &m.JoinedAt, &lastRead); err != nil {
			return fmt.Errorf("postgres: scan member: %w", err)
		}
		m.Role = chat.Role(role)
		if lastRead.Valid {
			m.LastReadAt = lastRead.Time
		}
		if r := byID[roomID]; r != nil {
			r.Members = append(r.Members, m)
		}
	}
	return rows.Err()
}

func (s roomStore) AddMember(ctx context.Context, roomID, userID string, role chat.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		roomID, userID, string(role))
	if notFound(err) {
		return chat.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: add member: %w", err)
	}
	return nil
}

func (s roomStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("postgres: remove member: %w", err)
	}
	return s.touched(ctx, res, roomID)
}

func (s roomStore) IncrementMessageCount(ctx context.Context, roomID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET message_count = message_count + 1, last_activity = now()
		WHERE id = $1`,
		roomID)
	if err != nil {
		return fmt.Errorf("postgres: increment message count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s roomStore) UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE room_members SET last_read_at = $3
		WHERE room_id = $1 AND user_id = $2`,
		roomID, userID, at)
	if err != nil {
		return fmt.Errorf("postgres: update last read: %w", err)
	}
	return s.touched(ctx, res, roomID)
}

// touched returns chat.ErrNotFound when a membership statement matched no
// rows because the room itself is missing. A missing member is not an error.
func (s roomStore) touched(ctx context.Context, res sql.Result, roomID string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: room exists: %w", err)
	}
	if !exists {
		return chat.ErrNotFound
	}
	return nil
}
