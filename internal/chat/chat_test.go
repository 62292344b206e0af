package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "hello from Lisbon", false},
		{"unicode", "こんにちは 🌏", false},
		{"empty", "", true},
		{"whitespace only", "   \n\t ", true},
		{"exactly max chars", strings.Repeat("a", MaxTextChars), false},
		{"over max chars", strings.Repeat("a", MaxTextChars+1), true},
		{"over max bytes", strings.Repeat("€", 1400), true},
		{"invalid utf8", "bad \xff byte", true},
		{"surrounding whitespace trimmed", "  " + strings.Repeat("b", MaxTextChars) + "  ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateContent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && CodeOf(err) != CodeValidation {
				t.Errorf("code = %s, want %s", CodeOf(err), CodeValidation)
			}
		})
	}
}

func TestValidateEmojiAndReason(t *testing.T) {
	if err := ValidateEmoji("👍"); err != nil {
		t.Errorf("ValidateEmoji(thumbs up) = %v", err)
	}
	if err := ValidateEmoji(" "); err == nil {
		t.Error("ValidateEmoji(blank) should fail")
	}
	if err := ValidateReason("", true); err == nil {
		t.Error("required empty reason should fail")
	}
	if err := ValidateReason("", false); err != nil {
		t.Errorf("optional empty reason = %v", err)
	}
	if err := ValidateReason(strings.Repeat("x", MaxReasonChars+1), false); err == nil {
		t.Error("over-long reason should fail")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"typed", PermissionDenied("nope"), CodePermission},
		{"wrapped typed", fmt.Errorf("pipeline: send: %w", RoomInactive()), CodeRoomInactive},
		{"not found sentinel", fmt.Errorf("store: %w", ErrNotFound), CodeNotFound},
		{"deadline", fmt.Errorf("store: %w", context.DeadlineExceeded), CodeUnavailable},
		{"unknown", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsErrorHidesInternalCause(t *testing.T) {
	e := AsError(errors.New("pq: relation does not exist"))
	if e.Code != CodeInternal {
		t.Fatalf("code = %s, want %s", e.Code, CodeInternal)
	}
	if strings.Contains(e.Message, "pq") {
		t.Errorf("client message leaks cause: %q", e.Message)
	}
}

func TestStoreError(t *testing.T) {
	if err := StoreError(ErrNotFound, "message"); CodeOf(err) != CodeNotFound {
		t.Errorf("missing record code = %s", CodeOf(err))
	}
	if err := StoreError(context.DeadlineExceeded, "room"); CodeOf(err) != CodeUnavailable {
		t.Errorf("timeout code = %s", CodeOf(err))
	}
	if err := StoreError(nil, "room"); err != nil {
		t.Errorf("nil error mapped to %v", err)
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrap: %w", RateLimited(12*time.Second))
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatal("expected *Error")
	}
	if ce.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %s, want 12s", ce.RetryAfter)
	}
}

func TestRoomMemberRole(t *testing.T) {
	room := &Room{
		ID:        "r1",
		CreatedBy: "owner",
		Members: []Member{
			{UserID: "alice", Role: RoleMember},
			{UserID: "mod", Role: RoleModerator},
		},
	}

	tests := []struct {
		user     string
		wantRole Role
		wantOK   bool
	}{
		{"alice", RoleMember, true},
		{"mod", RoleModerator, true},
		{"owner", RoleAdmin, true},
		{"stranger", "", false},
	}
	for _, tt := range tests {
		role, ok := room.MemberRole(tt.user)
		if role != tt.wantRole || ok != tt.wantOK {
			t.Errorf("MemberRole(%q) = (%q, %v), want (%q, %v)", tt.user, role, ok, tt.wantRole, tt.wantOK)
		}
	}

	if RoleMember.Grants(PermDeleteMessages) {
		t.Error("member must not grant delete_messages")
	}
	if !RoleModerator.Grants(PermPinMessages) {
		t.Error("moderator must grant pin_messages")
	}
}

func TestHasSubscription(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	if (&User{}).HasSubscription(now) {
		t.Error("user without subscription reported active")
	}
	if !(&User{SubscriptionExpiresAt: &future}).HasSubscription(now) {
		t.Error("future expiry reported inactive")
	}
	if (&User{SubscriptionExpiresAt: &past}).HasSubscription(now) {
		t.Error("past expiry reported active")
	}
}
