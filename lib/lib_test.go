package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelimiter(t *testing.T) {
	fixtures := []struct {
		name             string
		currentDelimiter string
		newDelimiter     string
		expected         string
	}{
		{"name", "", "", "name"},
		{"name", "n", "", "name"},
		{"name", "", "n", "name"},
		{"name", "n", "n", "name"},
		{"name", ".", "/", "name"},
		{"name", "/", ".", "name"},
		{"folder/name", "/", ".", "folder.name"},
		{"folder.name", ".", "/", "folder/name"},
		{"folder/na.me", "/", ".", "folder.na\\.me"},
		{"folder.na/me", ".", "/", "folder/na\\/me"},
		{"folder\\.name.sub", ".", "/", "folder.name/sub"},
	}

	for _, fixture := range fixtures {
		result := VerifyDelimiter(fixture.name, fixture.currentDelimiter, fixture.newDelimiter)
		assert.Equal(t, fixture.expected, result)
	}
}

func TestAccountTag(t *testing.T) {
	tag := AccountTag("mail.example.com:993", "user@example.com")
	assert.Equal(t, "d6549d2a410fe02063abe508d42102f65b3ef71e8b68ce11b8f4e62072a2a1d8", tag)
	assert.NotEqual(t, tag, AccountTag("mail.example.com:993", "other@example.com"))
	assert.NotEqual(t, tag, AccountTag("mail.example.com:143", "user@example.com"))
}

func TestStoredFlags(t *testing.T) {
	assert.Equal(t, []string{"\\Flagged", "\\Seen"}, StoredFlags([]string{"\\Seen", "\\Recent", "\\Flagged", "\\Seen"}))
	assert.Empty(t, StoredFlags(nil))
}
