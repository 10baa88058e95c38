// Package skills stores, indexes and runs skills: bundles of a SKILL.md
// instruction document plus scripts, references and assets. Metadata lives in
// a sqlite catalogue; files live in the virtual filesystem under
// /skills/<id>.
package skills

import (
	"time"

	"github.com/jingkaihe/skillbox/pkg/vfs"
)

const (
	// ManifestFile is the instruction document every skill carries.
	ManifestFile = "SKILL.md"
	// Root is the vfs directory holding every skill namespace.
	Root = "/skills"
	// CoreSkillID is the built-in skill that can never be disabled or deleted.
	CoreSkillID = "skill-creator"

	ScriptsDir    = "scripts"
	ReferencesDir = "references"
	AssetsDir     = "assets"
)

// Metadata is the catalogue record of a skill.
type Metadata struct {
	ID          string    `db:"id" json:"id" yaml:"id"`
	Name        string    `db:"name" json:"name" yaml:"name"`
	Description string    `db:"description" json:"description" yaml:"description"`
	Version     string    `db:"version" json:"version" yaml:"version"`
	UploadedAt  time.Time `db:"uploaded_at" json:"uploadedAt" yaml:"uploadedAt"`
	Enabled     bool      `db:"enabled" json:"enabled" yaml:"enabled"`
}

// ParsedSkill joins metadata with the skill's content and file manifests.
type ParsedSkill struct {
	Metadata
	// Content is the full SKILL.md document, Body the part after front matter.
	Content    string   `json:"content" yaml:"content"`
	Body       string   `json:"body" yaml:"body"`
	Scripts    []string `json:"scripts" yaml:"scripts"`
	References []string `json:"references" yaml:"references"`
	Assets     []string `json:"assets" yaml:"assets"`
}

// Namespace returns the vfs root of a skill.
func Namespace(id string) string {
	return vfs.Join(Root, id)
}

// IsProtected reports whether id is the core built-in skill.
func IsProtected(id string) bool {
	return id == CoreSkillID
}
