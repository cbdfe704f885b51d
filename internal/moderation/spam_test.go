package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpamPatterns(t *testing.T) {
	f := NewFilter(nil, true)

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"http url", "check out http://evil.com", true, "url"},
		{"www url", "go to www.phishing.net", true, "url"},
		{"bare domain with path", "visit evil.com/free", true, "url"},
		{"intl phone", "+1-555-123-4567", true, "phone"},
		{"parenthesized phone", "(555) 123-4567", true, "phone"},
		{"phone in sentence", "call me at 555-123-4567 okay?", true, "phone"},
		{"char flood", "hellooooooo", true, "char_flood"},
		{"punctuation flood", "wow!!!!!", true, "char_flood"},
		{"word flood", "buy buy buy", true, "word_flood"},
		{"word flood mixed case", "BUY buy Buy", true, "word_flood"},

		{"four repeated chars", "heeeel no", false, ""},
		{"two repeated words", "yeah yeah whatever", false, ""},
		{"short number", "I have 3 cats", false, ""},
		{"version string", "upgrade to v2.0", false, ""},
		{"decimal", "pi is about 3.14", false, ""},
		{"year", "see you in 2025", false, ""},
		{"money", "it costs $5.99", false, ""},
		{"excitement", "wow!!! that's great!!", false, ""},
		{"sentence", "how are you doing today?", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.Check(tt.input)
			assert.Equal(t, tt.blocked, r.Blocked)
			if tt.blocked {
				assert.Equal(t, ReasonSpam, r.Reason)
				assert.Equal(t, tt.term, r.Term)
			}
		})
	}
}

func TestFloodThresholds(t *testing.T) {
	assert.False(t, hasCharFlood("aaaa"))
	assert.True(t, hasCharFlood("aaaaa"))
	assert.False(t, hasCharFlood(""))
	assert.False(t, hasCharFlood("hello\nworld"))

	assert.False(t, hasWordFlood("go go"))
	assert.True(t, hasWordFlood("go go go"))
	assert.False(t, hasWordFlood("go went go"))
}
