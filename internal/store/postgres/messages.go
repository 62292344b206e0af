package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/report"
)

type messageStore struct {
	db      *sql.DB
	reports *report.Store
}

const messageColumns = `id, room_id, seq, sender_id, content, type, reply_to, reactions, state, pinned,
	moderation_reason, moderated_by, deleted_by, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*chat.Message, error) {
	var (
		m              chat.Message
		msgType, state string
		replyTo        sql.NullString
		reactions      []byte
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.Content, &msgType, &replyTo, &reactions, &state, &m.Pinned,
		&m.ModerationReason, &m.ModeratedBy, &m.DeletedBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Type = chat.MessageType(msgType)
	m.State = chat.MessageState(state)
	m.ReplyTo = replyTo.String
	m.Reactions = []chat.Reaction{}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
	}
	return &m, nil
}

func (s messageStore) Create(ctx context.Context, msg *chat.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.State == "" {
		msg.State = chat.StateActive
	}
	if msg.Reactions == nil {
		msg.Reactions = []chat.Reaction{}
	}
	reactions, err := json.Marshal(msg.Reactions)
	if err != nil {
		return fmt.Errorf("postgres: encode reactions: %w", err)
	}
	var replyTo sql.NullString
	if msg.ReplyTo != "" {
		replyTo = sql.NullString{String: msg.ReplyTo, Valid: true}
	}

	const query = `
		INSERT INTO messages (id, room_id, seq, sender_id, content, type, reply_to, reactions, state, pinned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`
	err = s.db.QueryRowContext(ctx, query,
		msg.ID, msg.RoomID, msg.Seq, msg.SenderID, msg.Content, string(msg.Type),
		replyTo, string(reactions), string(msg.State), msg.Pinned,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if notFound(err) {
		return chat.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: create message: %w", err)
	}
	return nil
}

func (s messageStore) FindByID(ctx context.Context, id string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if notFound(err) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find message: %w", err)
	}
	return msg, nil
}

// FindByRoom selects the requested page newest first, then flips it so the
// page reads oldest to newest.
func (s messageStore) FindByRoom(ctx context.Context, roomID string, page, limit int) ([]*chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT * FROM messages
			WHERE room_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2 OFFSET $3
		) page
		ORDER BY created_at, seq`,
		roomID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: find messages: %w", err)
	}
	defer rows.Close()

	msgs := []*chat.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: find messages: %w", err)
	}
	return msgs, nil
}

func (s messageStore) LatestSeq(ctx context.Context, roomID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE room_id = $1`, roomID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: latest seq: %w", err)
	}
	return seq, nil
}

// update runs an UPDATE ... RETURNING statement against one message.
func (s messageStore) update(ctx context.Context, op, set string, args ...any) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE messages SET `+set+`, updated_at = now()
		WHERE id = $1
		RETURNING `+messageColumns,
		args...)
	msg, err := scanMessage(row)
	if notFound(err) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return msg, nil
}

// AddReaction appends the reaction unless the same (user, emoji) pair is
// already present. Containment is checked in the same statement.
func (s messageStore) AddReaction(ctx context.Context, messageID string, reaction chat.Reaction) (*chat.Message, error) {
	entry, err := json.Marshal([]chat.Reaction{reaction})
	if err != nil {
		return nil, fmt.Errorf("postgres: encode reaction: %w", err)
	}
	return s.update(ctx, "add reaction",
		`reactions = CASE WHEN reactions @> $2::jsonb THEN reactions ELSE reactions || $2::jsonb END`,
		messageID, string(entry))
}

func (s messageStore) SoftDelete(ctx context.Context, messageID, deletedBy string) (*chat.Message, error) {
	return s.update(ctx, "soft delete",
		`state = 'deleted', deleted_by = $2`,
		messageID, deletedBy)
}

func (s messageStore) Moderate(ctx context.Context, messageID, moderatorID, reason string) (*chat.Message, error) {
	return s.update(ctx, "moderate",
		`state = 'moderated', moderated_by = $2, moderation_reason = $3`,
		messageID, moderatorID, reason)
}

func (s messageStore) TogglePin(ctx context.Context, messageID string) (*chat.Message, error) {
	return s.update(ctx, "toggle pin", `pinned = NOT pinned`, messageID)
}

func (s messageStore) Report(ctx context.Context, r *chat.Report) error {
	return s.reports.Create(ctx, r)
}
