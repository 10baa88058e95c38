package skills

import (
	"context"
	"sort"
	"sync"

	"github.com/jingkaihe/skillbox/pkg/logger"
)

// Registry is the in-memory index of skills. Enabled skills carry their
// parsed content; disabled skills carry metadata only. It mirrors storage
// and is only updated after storage succeeds.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	meta  Metadata
	skill *ParsedSkill
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Build replaces the registry contents from storage.
func (r *Registry) Build(ctx context.Context, s *Storage) error {
	metas, err := s.Catalogue().List(ctx)
	if err != nil {
		return err
	}
	entries := make(map[string]*registryEntry, len(metas))
	for _, m := range metas {
		e := &registryEntry{meta: m}
		if m.Enabled {
			skill, err := s.LoadSkill(ctx, m.ID)
			if err != nil {
				logger.G(ctx).WithError(err).WithField("skill_id", m.ID).Warn("failed to load skill content")
			} else {
				e.skill = skill
			}
		}
		entries[m.ID] = e
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	logger.G(ctx).WithField("skills", len(entries)).Debug("skill registry built")
	return nil
}

// Put stores metadata and, when non-nil, parsed content.
func (r *Registry) Put(meta Metadata, skill *ParsedSkill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[meta.ID] = &registryEntry{meta: meta, skill: skill}
}

// Remove drops a skill.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns metadata and content (nil when not loaded).
func (r *Registry) Get(id string) (Metadata, *ParsedSkill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Metadata{}, nil, false
	}
	return e.meta, e.skill, true
}

// FindByName resolves a skill by id first, then by display name.
func (r *Registry) FindByName(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.meta, true
	}
	for _, e := range r.entries {
		if e.meta.Name == name {
			return e.meta, true
		}
	}
	return Metadata{}, false
}

// Loaded reports whether content for id is resident.
func (r *Registry) Loaded(id string) bool {
	_, skill, ok := r.Get(id)
	return ok && skill != nil
}

// List returns all metadata ordered by name.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
