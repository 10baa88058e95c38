package skills

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/skillbox/pkg/bridge"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/telemetry"
)

// Executor runs sandboxed scripts.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (any, error)
}

// Manager orchestrates storage, the registry, script execution and the
// lifecycle event bus.
type Manager struct {
	storage    *Storage
	registry   *Registry
	executor   Executor
	bus        *EventBus
	bridgeOpts []bridge.Option

	toolsMu sync.RWMutex
	tools   map[string]bridge.ToolDefinition
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBridgeOptions adds options applied to every per-invocation bridge.
func WithBridgeOptions(opts ...bridge.Option) ManagerOption {
	return func(m *Manager) { m.bridgeOpts = append(m.bridgeOpts, opts...) }
}

// WithEventBus shares an existing event bus.
func WithEventBus(b *EventBus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// NewManager creates a Manager. Call Initialize before use.
func NewManager(storage *Storage, executor Executor, opts ...ManagerOption) *Manager {
	m := &Manager{
		storage:  storage,
		registry: NewRegistry(),
		executor: executor,
		tools:    make(map[string]bridge.ToolDefinition),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = NewEventBus()
	}
	return m
}

// Storage returns the underlying storage.
func (m *Manager) Storage() *Storage { return m.storage }

// Registry returns the in-memory index.
func (m *Manager) Registry() *Registry { return m.registry }

// Initialize bootstraps built-in skills and builds the registry.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.storage.BootstrapBuiltins(ctx); err != nil {
		return err
	}
	return m.registry.Build(ctx, m.storage)
}

// Subscribe registers cb for an event type and returns an unsubscribe func.
func (m *Manager) Subscribe(t EventType, cb func(Event)) func() {
	return m.bus.Subscribe(t, cb)
}

// UploadSkill stores an archive, loads it into the registry and emits
// skill_loaded.
func (m *Manager) UploadSkill(ctx context.Context, archive []byte, replace bool) (*Metadata, error) {
	meta, err := m.storage.SaveSkill(ctx, archive, replace)
	if err != nil {
		return nil, err
	}
	_, _, existed := m.registry.Get(meta.ID)
	skill, err := m.storage.LoadSkill(ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	m.registry.Put(*meta, skill)
	m.dropTools(meta.ID)
	m.bus.Emit(ctx, Event{Type: EventSkillLoaded, SkillID: meta.ID, Metadata: meta, Replaced: existed})
	return meta, nil
}

// EnableSkill enables a skill and loads its content.
func (m *Manager) EnableSkill(ctx context.Context, id string) error {
	if err := m.storage.SetEnabled(ctx, id, true); err != nil {
		return err
	}
	skill, err := m.storage.LoadSkill(ctx, id)
	if err != nil {
		return err
	}
	m.registry.Put(skill.Metadata, skill)
	m.bus.Emit(ctx, Event{Type: EventSkillEnabled, SkillID: id, Metadata: &skill.Metadata})
	return nil
}

// DisableSkill disables a skill and drops its content from the registry.
func (m *Manager) DisableSkill(ctx context.Context, id string) error {
	if IsProtected(id) {
		return &ProtectedError{ID: id, Op: "disable"}
	}
	if err := m.storage.SetEnabled(ctx, id, false); err != nil {
		return err
	}
	meta, err := m.storage.GetSkill(ctx, id)
	if err != nil {
		return err
	}
	m.registry.Put(*meta, nil)
	m.dropTools(id)
	m.bus.Emit(ctx, Event{Type: EventSkillDisabled, SkillID: id, Metadata: meta})
	return nil
}

// DeleteSkill removes a skill's metadata and files.
func (m *Manager) DeleteSkill(ctx context.Context, id string) error {
	if IsProtected(id) {
		return &ProtectedError{ID: id, Op: "delete"}
	}
	if err := m.storage.DeleteSkill(ctx, id); err != nil {
		return err
	}
	m.registry.Remove(id)
	m.dropTools(id)
	m.bus.Emit(ctx, Event{Type: EventSkillUnloaded, SkillID: id})
	return nil
}

// UpdateSkill edits catalogue metadata.
func (m *Manager) UpdateSkill(ctx context.Context, id string, u Update) (*Metadata, error) {
	meta, err := m.storage.UpdateSkill(ctx, id, u)
	if err != nil {
		return nil, err
	}
	_, skill, _ := m.registry.Get(id)
	if skill != nil {
		skill.Metadata = *meta
	}
	m.registry.Put(*meta, skill)
	m.bus.Emit(ctx, Event{Type: EventSkillUpdated, SkillID: id, Metadata: meta})
	return meta, nil
}

// GetAllSkills lists every skill. Skills found on the filesystem by
// reconciliation are added to the registry.
func (m *Manager) GetAllSkills(ctx context.Context) ([]Metadata, error) {
	metas, err := m.storage.ListSkills(ctx)
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		if _, _, ok := m.registry.Get(meta.ID); ok {
			continue
		}
		m.registry.Put(meta, nil)
		meta := meta
		m.bus.Emit(ctx, Event{Type: EventSkillLoaded, SkillID: meta.ID, Metadata: &meta})
	}
	return metas, nil
}

// GetSkill returns a skill with content. Content of skills not resident in
// the registry is read from storage.
func (m *Manager) GetSkill(ctx context.Context, id string) (*ParsedSkill, error) {
	if _, skill, ok := m.registry.Get(id); ok && skill != nil {
		return skill, nil
	}
	return m.storage.LoadSkill(ctx, id)
}

func (m *Manager) resolve(ctx context.Context, name string) (*Metadata, error) {
	if meta, ok := m.registry.FindByName(name); ok {
		return &meta, nil
	}
	meta, err := m.storage.GetSkill(ctx, name)
	if err == nil {
		return meta, nil
	}
	if id, derr := DeriveID(name); derr == nil && id != name {
		return m.storage.GetSkill(ctx, id)
	}
	return nil, err
}

// ExecuteSkillScript runs a script of an enabled skill with args.
func (m *Manager) ExecuteSkillScript(ctx context.Context, name, scriptPath string, args any) (any, error) {
	meta, err := m.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if !meta.Enabled {
		return nil, &DisabledError{ID: meta.ID}
	}

	ctx, end := telemetry.Start(ctx, "skills.execute",
		attribute.String("skill.id", meta.ID),
		attribute.String("script.path", scriptPath),
	)
	result, err := m.execute(ctx, meta, scriptPath, args)
	end(err)
	return result, err
}

func (m *Manager) execute(ctx context.Context, meta *Metadata, scriptPath string, args any) (any, error) {
	if m.executor == nil {
		return nil, errors.New("script execution is not configured")
	}
	src, err := m.storage.ReadScript(ctx, meta.ID, scriptPath)
	if err != nil {
		return nil, err
	}

	ctx = logger.ForSkill(ctx, meta.ID)
	opts := append([]bridge.Option{
		bridge.WithFS(m.storage.FS()),
	}, m.bridgeOpts...)
	opts = append(opts, bridge.WithContext(ctx), bridge.WithToolRegistrar(m))
	b := bridge.New(meta.ID, opts...)
	defer b.Close()

	ns := Namespace(meta.ID)
	full, _ := resolveInNamespace(meta.ID, ScriptsDir, scriptPath)
	return m.executor.Execute(ctx, sandbox.Request{
		SkillID:    meta.ID,
		WorkingDir: ns,
		ScriptPath: strings.TrimPrefix(full, ns+"/"),
		Script:     src,
		Args:       args,
		Globals:    b.Globals(),
	})
}

func toolKey(skillID, name string) string { return skillID + "/" + name }

// RegisterTool records a tool registered by a skill script.
func (m *Manager) RegisterTool(ctx context.Context, def bridge.ToolDefinition) error {
	if def.SkillID == "" {
		return errors.New("tool definition has no owning skill")
	}
	m.toolsMu.Lock()
	m.tools[toolKey(def.SkillID, def.Name)] = def
	m.toolsMu.Unlock()

	m.bus.Emit(ctx, Event{Type: EventToolRegistered, SkillID: def.SkillID, Tool: &def})
	return nil
}

// RegisteredTools returns every registered tool ordered by skill and name.
func (m *Manager) RegisteredTools() []bridge.ToolDefinition {
	m.toolsMu.RLock()
	defer m.toolsMu.RUnlock()
	out := make([]bridge.ToolDefinition, 0, len(m.tools))
	for _, def := range m.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		return toolKey(out[i].SkillID, out[i].Name) < toolKey(out[j].SkillID, out[j].Name)
	})
	return out
}

func (m *Manager) dropTools(skillID string) {
	m.toolsMu.Lock()
	defer m.toolsMu.Unlock()
	for k, def := range m.tools {
		if def.SkillID == skillID {
			delete(m.tools, k)
		}
	}
}
