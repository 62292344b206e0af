package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/voyago/chat/internal/chat"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, username, display_name, avatar_url, role, subscription_expires_at`

func scanUser(row interface{ Scan(...any) error }) (*chat.User, error) {
	var (
		u       chat.User
		role    string
		expires sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &role, &expires); err != nil {
		return nil, err
	}
	u.Role = chat.PlatformRole(role)
	if expires.Valid {
		t := expires.Time
		u.SubscriptionExpiresAt = &t
	}
	return &u, nil
}

func (s userStore) FindByID(ctx context.Context, id string) (*chat.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if notFound(err) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find user: %w", err)
	}
	return u, nil
}

func (s userStore) FindByRole(ctx context.Context, role chat.PlatformRole) ([]*chat.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY id`, string(role))
	if err != nil {
		return nil, fmt.Errorf("postgres: find users by role: %w", err)
	}
	defer rows.Close()

	users := []*chat.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: find users by role: %w", err)
	}
	return users, nil
}

// PutUser inserts or replaces a user. The platform's account service owns
// identities; this keeps the local projection in sync.
func (s *Store) PutUser(ctx context.Context, u *chat.User) error {
	var expires sql.NullTime
	if u.SubscriptionExpiresAt != nil {
		expires = sql.NullTime{Time: *u.SubscriptionExpiresAt, Valid: true}
	}
	role := u.Role
	if role == "" {
		role = chat.PlatformUser
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, avatar_url, role, subscription_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			role = EXCLUDED.role,
			subscription_expires_at = EXCLUDED.subscription_expires_at`,
		u.ID, u.Username, u.DisplayName, u.AvatarURL, string(role), expires)
	if err != nil {
		return fmt.Errorf("postgres: put user: %w", err)
	}
	return nil
}
