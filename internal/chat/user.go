package chat

import "time"

// PlatformRole is a user's platform-wide role, independent of any room.
type PlatformRole string

const (
	PlatformUser  PlatformRole = "user"
	PlatformAdmin PlatformRole = "admin"
)

// SystemUserID is the sender of server-authored messages and the actor of
// automatic moderation.
const SystemUserID = "system"

// SystemSender is the display projection of SystemUserID.
var SystemSender = Sender{ID: SystemUserID, Username: SystemUserID, DisplayName: "Voyago"}

// User is the identity behind a connection.
type User struct {
	ID                    string       `json:"id"`
	Username              string       `json:"username"`
	DisplayName           string       `json:"displayName"`
	AvatarURL             string       `json:"avatarUrl,omitempty"`
	Role                  PlatformRole `json:"role"`
	SubscriptionExpiresAt *time.Time   `json:"subscriptionExpiresAt,omitempty"`
}

// HasSubscription reports whether the user's subscription is active at now.
func (u *User) HasSubscription(now time.Time) bool {
	return u.SubscriptionExpiresAt != nil && u.SubscriptionExpiresAt.After(now)
}

// Sender is the display projection of a user attached to outbound messages.
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// SenderOf projects u into its display fields.
func SenderOf(u *User) Sender {
	return Sender{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}
