// Package moderation screens chat text before it is relayed. A Filter matches
// configured blocklist terms, including common leetspeak spellings, and can
// optionally reject spam patterns such as links and character floods.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in FilterResult.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// FilterResult describes the outcome of a Check. Term is the blocklist entry
// or spam check name that matched.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
	spam    bool
}

// NewFilter builds a Filter from blocklist terms. Terms containing a space
// are matched as whole-word phrases. When spam is true the spam pattern
// checks run after the blocklist.
func NewFilter(terms []string, spam bool) *Filter {
	f := &Filter{
		words: make(map[string]struct{}),
		spam:  spam,
	}
	for _, term := range terms {
		t := strings.ToLower(strings.Join(strings.Fields(term), " "))
		switch {
		case t == "":
		case strings.Contains(t, " "):
			f.phrases = append(f.phrases, t)
		default:
			f.words[t] = struct{}{}
		}
	}
	return f
}

// Empty reports whether the filter can never block anything.
func (f *Filter) Empty() bool {
	return len(f.words) == 0 && len(f.phrases) == 0 && !f.spam
}

// Check screens text.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}

	plain := tokenizePlain(text)
	leet := tokenizeLeet(text)
	for i := range leet {
		leet[i] = normalizeLeet(leet[i])
	}

	for _, tokens := range [][]string{plain, leet} {
		for _, tok := range tokens {
			if _, ok := f.words[tok]; ok {
				return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: tok}
			}
		}
	}

	if len(f.phrases) > 0 {
		for _, tokens := range [][]string{plain, leet} {
			joined := " " + strings.Join(tokens, " ") + " "
			for _, p := range f.phrases {
				if strings.Contains(joined, " "+p+" ") {
					return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: p}
				}
			}
		}
	}

	if f.spam {
		return f.checkSpamPatterns(text)
	}
	return FilterResult{}
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet lowercases text and splits it on whitespace, trimming
// punctuation that cannot stand in for a letter.
func tokenizeLeet(text string) []string {
	var out []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		tok := strings.TrimFunc(field, func(r rune) bool {
			_, leet := leetMap[r]
			return !leet && !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

func normalizeLeet(tok string) string {
	return strings.Map(func(r rune) rune {
		if repl, ok := leetMap[r]; ok {
			return repl
		}
		return r
	}, tok)
}
