package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`---
name: PDF Tools
description: Work with PDF files
version: 2.1.0
license: MIT
---

# PDF Tools

Body text.
`))
	require.NoError(t, err)
	assert.Equal(t, "PDF Tools", m.Name)
	assert.Equal(t, "Work with PDF files", m.Description)
	assert.Equal(t, "2.1.0", m.Version)
	assert.Equal(t, "# PDF Tools\n\nBody text.\n", m.Body)
	assert.Equal(t, "MIT", m.Extra["license"])
}

func TestParseManifest_Defaults(t *testing.T) {
	m, err := ParseManifest([]byte("---\nname: bare\n---\nhello\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, m.Version)
	assert.Empty(t, m.Description)

	m, err = ParseManifest([]byte("---\nname: numeric\nversion: 3\n---\n"))
	require.NoError(t, err)
	assert.Equal(t, "3", m.Version)
}

func TestParseManifest_Errors(t *testing.T) {
	_, err := ParseManifest([]byte("# no front matter\n"))
	assert.Error(t, err)

	_, err = ParseManifest([]byte("---\ndescription: nameless\n---\n"))
	assert.Error(t, err)
}

func TestDeriveID(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"echo", "echo", false},
		{"Echo", "echo", false},
		{"PDF Tools!", "pdf-tools", false},
		{"  spaced   out  ", "spaced-out", false},
		{"skill_creator v2", "skill-creator-v2", false},
		{"---", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveID(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractBodyContent(t *testing.T) {
	assert.Equal(t, "body\n", extractBodyContent("---\nname: x\n---\n\nbody\n"))
	assert.Equal(t, "no front matter", extractBodyContent("no front matter"))
	assert.Equal(t, "---\nunterminated", extractBodyContent("---\nunterminated"))
}
