package moderation

import (
	"net/url"
	"regexp"
	"strings"
)

// Spam check names reported in FilterResult.Term, in evaluation order.
const (
	SpamURL       = "url"
	SpamEmail     = "email"
	SpamPhone     = "phone"
	SpamCharFlood = "char_flood"
	SpamWordFlood = "word_flood"
)

const (
	charFloodRun = 5 // identical characters in a row
	wordFloodRun = 3 // identical words in a row, case-insensitive
)

var (
	// urlPattern matches scheme and www links, and bare domains on common
	// TLDs when followed by a path, so "v2.0" and "3.14" stay clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@([a-z0-9-]+\.)+[a-z]{2,}`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567 and 555.123.4567
	// when they stand alone between whitespace, not digits inside words.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// checkSpamPatterns flags the first spam check text fails. Links and contact
// details pull travellers off the platform; flooding is plain noise.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	var term string
	switch {
	case f.hasForeignLink(urlPattern, text, urlHost):
		term = SpamURL
	case f.hasForeignLink(emailPattern, text, emailHost):
		term = SpamEmail
	case phonePattern.MatchString(text):
		term = SpamPhone
	case hasCharFlood(text):
		term = SpamCharFlood
	case longestRun(strings.Fields(text), true) >= wordFloodRun:
		term = SpamWordFlood
	default:
		return FilterResult{}
	}
	return FilterResult{Blocked: true, Reason: ReasonSpam, Term: term}
}

// hasForeignLink reports whether any match of pattern resolves to a host
// outside the allowed hosts and their subdomains.
func (f *Filter) hasForeignLink(pattern *regexp.Regexp, text string, host func(string) string) bool {
	for _, match := range pattern.FindAllString(text, -1) {
		if !f.allowedHost(host(match)) {
			return true
		}
	}
	return false
}

func (f *Filter) allowedHost(host string) bool {
	if host == "" {
		return false
	}
	for _, allowed := range f.allowed {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func urlHost(link string) string {
	if !strings.Contains(link, "://") {
		link = "http://" + link
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func emailHost(addr string) string {
	_, host, _ := strings.Cut(addr, "@")
	return strings.ToLower(host)
}

// longestRun returns the length of the longest run of equal adjacent tokens.
// RE2 has no backreferences, so runs are counted by scanning.
func longestRun(tokens []string, foldCase bool) int {
	longest, run := 0, 0
	prev := ""
	for i, tok := range tokens {
		if foldCase {
			tok = strings.ToLower(tok)
		}
		if i > 0 && tok == prev {
			run++
		} else {
			run = 1
			prev = tok
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// hasCharFlood reports whether text repeats one character charFloodRun or
// more times in a row.
func hasCharFlood(text string) bool {
	return longestRun(strings.Split(text, ""), false) >= charFloodRun
}
