package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{"http://localhost:5173", " HTTPS://Chat.Example.com ", "not a url", ""})

	assert.True(t, p.Match("http://localhost:5173"))
	assert.True(t, p.Match("https://chat.example.com"))
	assert.True(t, p.Match("http://LOCALHOST:5173"))
	assert.False(t, p.Match("http://localhost:3000"))
	assert.False(t, p.Match("http://evil.example.com"))
	assert.False(t, p.Match(""))
	assert.False(t, p.AllowAll())
}

func TestOriginPolicyUpgrade(t *testing.T) {
	p := NewOriginPolicy([]string{"http://localhost:5173"})

	assert.True(t, p.AllowUpgrade(""), "non-browser clients send no Origin")
	assert.True(t, p.AllowUpgrade("http://localhost:5173"))
	assert.False(t, p.AllowUpgrade("http://evil.example.com"))
	assert.False(t, p.AllowUpgrade("::garbage"))
}

func TestOriginPolicyWildcard(t *testing.T) {
	p := NewOriginPolicy([]string{"*"})

	assert.True(t, p.AllowAll())
	assert.True(t, p.Match("http://anything.example"))
	assert.True(t, p.AllowUpgrade("http://anything.example"))
}
