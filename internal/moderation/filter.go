// Package moderation provides content filtering for asynchronous message
// review. It screens posted chat messages for abuse, travel scams and
// spam patterns; flagged messages are moderated after delivery.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in FilterResult.Reason.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// FilterResult is the outcome of a single Check.
type FilterResult struct {
	Blocked bool
	Reason  string // ReasonKeyword or ReasonSpam
	Term    string // matched term or spam check name
}

// Filter matches messages against a blocklist of single words and
// multi-word phrases, then against the spam checks. A Filter is read-only
// after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	allowed []string // link hosts that are never treated as spam
}

// defaultTerms is the built-in blocklist, grouped by category.
var defaultTerms = []string{
	// abuse
	"kill yourself", "go die", "send nudes", "bomb threat", "retard", "whore",
	// payment scams
	"western union", "moneygram", "wire transfer", "gift card", "gift cards",
	"free bitcoin", "crypto payment", "pay in crypto", "advance fee",
	"processing fee", "release fee", "guaranteed profit",
	// off-platform booking
	"whatsapp me", "telegram me", "dm me on whatsapp", "book outside",
	"pay outside", "cash only deposit", "no receipt",
	// document fraud
	"fake passport", "fake visa", "visa guaranteed", "buy passport",
}

// DefaultAllowedHosts are the platform's own link hosts.
var DefaultAllowedHosts = []string{"voyago.com", "voyago.app"}

// NewFilter creates a Filter with the default blocklist and allowed hosts.
func NewFilter() *Filter {
	f := NewFilterWithTerms(defaultTerms)
	f.allowed = DefaultAllowedHosts
	return f
}

// NewFilterWithTerms creates a Filter from terms. Terms containing spaces
// are matched as whole-token phrases; blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keywords are checked before spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if strings.TrimSpace(text) == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = strings.Trim(normalizeLeet(tok), ".,;:?\"'()[]{}-")
	}

	for _, tokens := range [][]string{plain, leet} {
		for _, tok := range tokens {
			if _, ok := f.words[tok]; ok {
				return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: tok}
			}
		}
		for _, phrase := range f.phrases {
			if containsRun(tokens, phrase) {
				return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: strings.Join(phrase, " ")}
			}
		}
	}

	return f.checkSpamPatterns(text)
}

// containsRun reports whether phrase occurs as consecutive tokens.
func containsRun(tokens, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// normalizeLeet maps common character substitutions back to letters.
func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only so substitution characters stay
// inside their word.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}
