package moderation

import (
	"regexp"
	"strings"
)

var (
	// Bare domains need a path so version strings like "v2.0" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Anchored to whitespace so short numbers inside words pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical runes in a row
	wordFloodRun = 3 // identical words in a row
)

// spamChecks run in order; the first match wins.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpam, Term: sc.name}
		}
	}
	return FilterResult{}
}

// hasCharFlood reports a run of charFloodRun identical runes. RE2 has no
// backreferences, so this is a scan.
func hasCharFlood(text string) bool {
	run, prev := 0, rune(-1)
	for _, r := range text {
		if r != prev {
			run, prev = 0, r
		}
		run++
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

// hasWordFlood reports wordFloodRun consecutive identical words, ignoring
// case.
func hasWordFlood(text string) bool {
	run, prev := 0, ""
	for _, w := range strings.Fields(text) {
		w = strings.ToLower(w)
		if w != prev {
			run, prev = 0, w
		}
		run++
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}
