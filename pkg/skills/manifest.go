package skills

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
)

// DefaultVersion is used when the front matter omits a version.
const DefaultVersion = "1.0.0"

// Manifest is the parsed SKILL.md front matter and body.
type Manifest struct {
	Name        string
	Description string
	Version     string
	Body        string
	Extra       map[string]any
}

// ParseManifest reads the front matter of a SKILL.md document.
func ParseManifest(content []byte) (*Manifest, error) {
	md := goldmark.New(
		goldmark.WithExtensions(meta.Meta),
	)

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to parse markdown")
	}

	metaData, err := meta.TryGet(pctx)
	if err != nil {
		return nil, errors.Wrap(err, "invalid frontmatter")
	}
	if len(metaData) == 0 {
		return nil, errors.New("missing frontmatter")
	}

	m := &Manifest{
		Name:        scalar(metaData["name"]),
		Description: scalar(metaData["description"]),
		Version:     scalar(metaData["version"]),
		Body:        extractBodyContent(string(content)),
		Extra:       make(map[string]any),
	}
	if m.Name == "" {
		return nil, errors.New("skill name is required in frontmatter")
	}
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	for k, v := range metaData {
		switch k {
		case "name", "description", "version":
		default:
			m.Extra[k] = v
		}
	}
	return m, nil
}

// scalar renders a front matter value as a string; YAML may decode versions
// such as 1.0 as numbers.
func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	default:
		return fmt.Sprint(x)
	}
}

// extractBodyContent removes YAML frontmatter and returns the body
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.TrimLeft(strings.Join(lines[i+1:], "\n"), "\n")
		}
	}
	return content
}

// DeriveID turns a display name into the skill id: lower case, with runs of
// anything other than letters and digits collapsed to a single dash.
func DeriveID(name string) (string, error) {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	id := strings.TrimRight(b.String(), "-")
	if id == "" {
		return "", errors.Errorf("cannot derive a skill id from name %q", name)
	}
	return id, nil
}
