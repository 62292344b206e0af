package chat

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxEmojiChars   = 16
	MaxReasonChars  = 500
	MaxRoomIDChars  = 128
)

// ValidateContent checks that message content meets content requirements.
// Content is checked after trimming surrounding whitespace.
func ValidateContent(text string) error {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return Validation("message content is empty")
	}
	if !utf8.ValidString(text) {
		return Validation("message contains invalid UTF-8")
	}
	if len(text) > MaxMessageBytes {
		return Validation("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return Validation("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateID checks an identifier received from a client.
func ValidateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return Validation("%s is required", field)
	}
	if len(id) > MaxRoomIDChars {
		return Validation("%s is too long", field)
	}
	return nil
}

// ValidateEmoji checks a reaction emoji.
func ValidateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return Validation("emoji is required")
	}
	if !utf8.ValidString(emoji) || utf8.RuneCountInString(emoji) > MaxEmojiChars {
		return Validation("emoji is invalid")
	}
	return nil
}

// ValidateReason checks a free-text moderation or report reason.
func ValidateReason(reason string, required bool) error {
	if required && strings.TrimSpace(reason) == "" {
		return Validation("reason is required")
	}
	if !utf8.ValidString(reason) || utf8.RuneCountInString(reason) > MaxReasonChars {
		return Validation("reason exceeds %d character limit", MaxReasonChars)
	}
	return nil
}
