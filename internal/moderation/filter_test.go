package moderation

import (
	"strings"
	"testing"
)

func TestNewFilter(t *testing.T) {
	f := NewFilter()
	if f == nil {
		t.Fatal("NewFilter returned nil")
	}
	if len(f.words) == 0 || len(f.phrases) == 0 {
		t.Fatal("NewFilter created an empty filter")
	}
}

func TestCheck_BlockedSingleWord(t *testing.T) {
	f := NewFilterWithTerms([]string{"moneygram", "scammer"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact match", "moneygram", true, "moneygram"},
		{"in sentence", "send it by moneygram today", true, "moneygram"},
		{"case insensitive", "MONEYGRAM", true, "moneygram"},
		{"with punctuation", "pay me, moneygram!", true, "moneygram"},
		{"clean message", "see you at the hostel", false, ""},
		{"longer word no block", "scammers everywhere", false, ""},
		{"substring no block", "antiscammer", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.blocked && result.Reason != ReasonKeyword {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, ReasonKeyword)
			}
		})
	}
}

func TestCheck_BlockedPhrase(t *testing.T) {
	f := NewFilterWithTerms([]string{"wire transfer", "gift card"})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact phrase", "wire transfer", true, "wire transfer"},
		{"phrase in sentence", "deposit by wire transfer only", true, "wire transfer"},
		{"case insensitive", "WIRE TRANSFER", true, "wire transfer"},
		{"punctuation between", "wire-transfer please", true, "wire transfer"},
		{"plural no match", "gift cards accepted", false, ""},
		{"words separated", "wire the transfer", false, ""},
		{"clean", "transfer from the airport is free", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
		})
	}
}

func TestCheck_Leetspeak(t *testing.T) {
	f := NewFilterWithTerms([]string{"scammer", "fake visa"})

	tests := []struct {
		input   string
		blocked bool
	}{
		{"$cammer", true},
		{"sc@mm3r", true},
		{"5c4mm3r", true},
		{"f@ke v!s@", true},
		{"f4k3 v1s4", true},
		{"v!sa office", false},
	}

	for _, tt := range tests {
		if got := f.Check(tt.input).Blocked; got != tt.blocked {
			t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, got, tt.blocked)
		}
	}
}

func TestCheck_DefaultBlocklist(t *testing.T) {
	f := NewFilter()

	blocked := []string{
		"kill yourself",
		"pay the release fee first",
		"only western union",
		"whatsapp me for a better price",
		"visa guaranteed in 24h",
		"we sell fake passport",
		"free bitcoin for travellers",
	}
	for _, msg := range blocked {
		if result := f.Check(msg); !result.Blocked {
			t.Errorf("Check(%q) was not blocked, expected blocked", msg)
		}
	}
}

func TestCheck_CleanMessages(t *testing.T) {
	f := NewFilter()

	messages := []string{
		"anyone heading to Porto next week?",
		"the hostel wifi is terrible",
		"I need to assess the weather first",
		"is the card accepted at the museum?",
		"the visa office opens at nine",
		"we can transfer to the other bus",
		"",
	}
	for _, msg := range messages {
		if result := f.Check(msg); result.Blocked {
			t.Errorf("Check(%q) was blocked (term=%q), expected clean", msg, result.Term)
		}
	}
}

func TestNewFilterWithTerms_EmptyAndWhitespace(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "  ", "valid", "two words"})

	if _, ok := f.words["valid"]; !ok {
		t.Error("expected 'valid' in words set")
	}
	if len(f.words) != 1 {
		t.Errorf("expected 1 word, got %d", len(f.words))
	}
	if len(f.phrases) != 1 {
		t.Errorf("expected 1 phrase, got %d", len(f.phrases))
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"h3ll0", "hello"},
		{"$c@m", "scam"},
		{"v!s4", "visa"},
		{"7r4v3l", "travel"},
	}
	for _, tt := range tests {
		if got := normalizeLeet(tt.input); got != tt.want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTokenize(t *testing.T) {
	plain := tokenizePlain("hello, world---again!")
	if strings.Join(plain, "|") != "hello|world|again" {
		t.Errorf("tokenizePlain = %v", plain)
	}
	if got := tokenizePlain(""); len(got) != 0 {
		t.Errorf("tokenizePlain(\"\") = %v, want empty", got)
	}

	leet := tokenizeLeet("pay $c@m fee")
	if strings.Join(leet, "|") != "pay|$c@m|fee" {
		t.Errorf("tokenizeLeet = %v", leet)
	}
}

func TestReview(t *testing.T) {
	f := NewFilter()

	res := f.Review(Request{MessageID: "m1", RoomID: "lisbon", SenderID: "alice", Text: "pay by western union"})
	if !res.Flagged || res.MessageID != "m1" || res.RoomID != "lisbon" || res.SenderID != "alice" {
		t.Errorf("Review() = %+v, want flagged m1", res)
	}

	res = f.Review(Request{MessageID: "m2", Text: "sunset at the castle?"})
	if res.Flagged {
		t.Errorf("Review() = %+v, want clean", res)
	}
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilter()
	msg := "hey is anyone going to the night market in Lisbon tomorrow? we could share a taxi from the hostel"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}

func BenchmarkCheck_LongMessage(b *testing.B) {
	f := NewFilter()
	msg := strings.Repeat("a perfectly normal message about trains and museums. ", 40)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
