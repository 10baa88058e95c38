package skills

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillbox/pkg/sandbox"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func TestManager_UploadAndExecute(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)

	meta, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", nil), false)
	require.NoError(t, err)
	assert.True(t, m.Registry().Loaded(meta.ID))

	out, err := m.ExecuteSkillScript(ctx, "echo", "scripts/echo.js", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	out, err = m.ExecuteSkillScript(ctx, "echo", "echo.js", map[string]any{"text": "short"})
	require.NoError(t, err)
	assert.Equal(t, "short", out)
}

func TestManager_ConflictThenReplace(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)
	log := &eventLog{}
	m.Subscribe(EventSkillLoaded, log.record)

	_, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", nil), false)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = m.UploadSkill(ctx, echoArchive(t, "1.1.0", nil), false)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
	}

	meta, err := m.UploadSkill(ctx, echoArchive(t, "2.0.0", nil), true)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", meta.Version)

	all, err := m.GetAllSkills(ctx)
	require.NoError(t, err)
	count := 0
	for _, s := range all {
		if s.ID == "echo" {
			count++
			assert.Equal(t, "2.0.0", s.Version)
		}
	}
	assert.Equal(t, 1, count)

	require.Len(t, log.events, 2)
	assert.False(t, log.events[0].Replaced)
	assert.True(t, log.events[1].Replaced)
}

func TestManager_DisableEnablePreservesFiles(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)
	_, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", nil), false)
	require.NoError(t, err)
	before, err := m.Storage().FS().ReadFile("/skills/echo/scripts/echo.js")
	require.NoError(t, err)

	require.NoError(t, m.DisableSkill(ctx, "echo"))
	assert.False(t, m.Registry().Loaded("echo"))

	_, err = m.ExecuteSkillScript(ctx, "echo", "echo.js", map[string]any{"text": "x"})
	var disabled *DisabledError
	require.ErrorAs(t, err, &disabled)
	assert.Equal(t, "echo", disabled.ID)

	skill, err := m.GetSkill(ctx, "echo")
	require.NoError(t, err)
	assert.False(t, skill.Enabled)
	assert.Equal(t, []string{"scripts/echo.js"}, skill.Scripts)

	require.NoError(t, m.EnableSkill(ctx, "echo"))
	assert.True(t, m.Registry().Loaded("echo"))
	after, err := m.Storage().FS().ReadFile("/skills/echo/scripts/echo.js")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	out, err := m.ExecuteSkillScript(ctx, "echo", "echo.js", map[string]any{"text": "back"})
	require.NoError(t, err)
	assert.Equal(t, "back", out)
}

func TestManager_ProtectedSkill(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)

	var protected *ProtectedError
	require.ErrorAs(t, m.DisableSkill(ctx, CoreSkillID), &protected)
	assert.Equal(t, "disable", protected.Op)
	require.ErrorAs(t, m.DeleteSkill(ctx, CoreSkillID), &protected)
	assert.Equal(t, "delete", protected.Op)

	replacement := buildZip(t, map[string]string{"SKILL.md": manifest(CoreSkillID, "9.9.9")})
	_, err := m.UploadSkill(ctx, replacement, true)
	require.ErrorAs(t, err, &protected)
	assert.Equal(t, "replace", protected.Op)

	meta, err := m.Storage().GetSkill(ctx, CoreSkillID)
	require.NoError(t, err)
	assert.True(t, meta.Enabled)
	assert.Equal(t, "1.0.0", meta.Version)
}

func TestManager_DeleteSkill(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)
	log := &eventLog{}
	m.Subscribe(EventSkillUnloaded, log.record)

	_, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", nil), false)
	require.NoError(t, err)
	require.NoError(t, m.DeleteSkill(ctx, "echo"))

	_, _, ok := m.Registry().Get("echo")
	assert.False(t, ok)
	_, err = m.GetSkill(ctx, "echo")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []EventType{EventSkillUnloaded}, log.types())

	_, err = m.ExecuteSkillScript(ctx, "echo", "echo.js", nil)
	require.ErrorAs(t, err, &nf)
}

func TestManager_UpdateSkill(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)
	log := &eventLog{}
	m.Subscribe(EventAll, log.record)

	_, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", nil), false)
	require.NoError(t, err)
	version := "1.0.1"
	meta, err := m.UpdateSkill(ctx, "echo", Update{Version: &version})
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", meta.Version)

	skill, err := m.GetSkill(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", skill.Version)
	assert.Equal(t, []EventType{EventSkillLoaded, EventSkillUpdated}, log.types())
}

func TestManager_TimeoutThenSuccess(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 200*time.Millisecond)
	_, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", map[string]string{
		"echo/scripts/hang.js": "export async function main() { await new Promise(() => {}); }",
	}), false)
	require.NoError(t, err)

	_, err = m.ExecuteSkillScript(ctx, "echo", "hang.js", nil)
	var timeout *sandbox.TimeoutError
	require.ErrorAs(t, err, &timeout)

	out, err := m.ExecuteSkillScript(ctx, "echo", "echo.js", map[string]any{"text": "alive"})
	require.NoError(t, err)
	assert.Equal(t, "alive", out)
}

func TestManager_ScriptSeesItsNamespace(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)
	_, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", map[string]string{
		"echo/scripts/where.js": `export async function main(args, ctx) {
			const doc = await fs.readFile(ctx.workingDir + "/SKILL.md");
			return { dir: __dirname, file: __filename, sid: ctx.skillId, wd: ctx.workingDir, named: doc.includes("name: echo") };
		}`,
	}), false)
	require.NoError(t, err)

	out, err := m.ExecuteSkillScript(ctx, "echo", "where.js", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"dir":   "/skills/echo",
		"file":  "/skills/echo/scripts/where.js",
		"sid":   "echo",
		"wd":    "/skills/echo",
		"named": true,
	}, out)
}

func TestManager_ScriptErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)
	_, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", map[string]string{
		"echo/scripts/fail.js": "export function main() { throw new Error('boom'); }",
	}), false)
	require.NoError(t, err)

	_, err = m.ExecuteSkillScript(ctx, "echo", "fail.js", nil)
	var execErr *sandbox.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "boom")
}

func TestManager_RegisterToolFromScript(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second)
	log := &eventLog{}
	m.Subscribe(EventToolRegistered, log.record)

	_, err := m.UploadSkill(ctx, echoArchive(t, "1.0.0", map[string]string{
		"echo/scripts/tools.js": `export function main() {
  return registerTool({
    name: "shout",
    description: "Upper-cases text",
    script: "scripts/shout.js",
    inputSchema: { type: "object", properties: { text: { type: "string" } } },
  });
}`,
	}), false)
	require.NoError(t, err)

	out, err := m.ExecuteSkillScript(ctx, "echo", "tools.js", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": true, "name": "shout"}, out)

	tools := m.RegisteredTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "shout", tools[0].Name)
	assert.Equal(t, "echo", tools[0].SkillID)
	require.NotNil(t, tools[0].InputSchema)
	assert.Equal(t, "object", tools[0].InputSchema.Type)

	require.Len(t, log.events, 1)
	assert.Equal(t, "shout", log.events[0].Tool.Name)

	require.NoError(t, m.DisableSkill(ctx, "echo"))
	assert.Empty(t, m.RegisteredTools())
}

func TestManager_ScaffoldCreatesReconciledSkill(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 2*time.Second, WithSyncTTL(0))
	log := &eventLog{}
	m.Subscribe(EventSkillLoaded, log.record)

	out, err := m.ExecuteSkillScript(ctx, CoreSkillID, "scaffold.js", map[string]any{
		"name":        "Greeter",
		"description": "Says hello",
		"script":      "export function main(args) { return 'hello ' + args.who; }",
	})
	require.NoError(t, err)
	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "greeter", result["id"])
	assert.Equal(t, []any{"SKILL.md", "scripts/main.js"}, result["files"])

	all, err := m.GetAllSkills(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, "greeter")
	require.Len(t, log.events, 1)
	assert.Equal(t, "greeter", log.events[0].SkillID)

	greeting, err := m.ExecuteSkillScript(ctx, "Greeter", "main.js", map[string]any{"who": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", greeting)
}

func TestManager_BuiltinBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.BootstrapBuiltins(ctx))
	require.NoError(t, s.BootstrapBuiltins(ctx))
	list, err := s.Catalogue().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, CoreSkillID, list[0].ID)

	require.NoError(t, s.Catalogue().Delete(ctx, CoreSkillID))
	require.NoError(t, s.BootstrapBuiltins(ctx))
	_, err = s.GetSkill(ctx, CoreSkillID)
	require.NoError(t, err)

	require.NoError(t, s.FS().Rm(Namespace(CoreSkillID), true))
	require.NoError(t, s.BootstrapBuiltins(ctx))
	assert.True(t, s.FS().Exists("/skills/skill-creator/scripts/scaffold.js"))
	assert.True(t, s.FS().Exists("/skills/skill-creator/references/script-api.md"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Put(Metadata{ID: "b", Name: "Beta"}, nil)
	r.Put(Metadata{ID: "a", Name: "Alpha", Enabled: true}, &ParsedSkill{})

	assert.True(t, r.Loaded("a"))
	assert.False(t, r.Loaded("b"))
	assert.False(t, r.Loaded("c"))

	meta, ok := r.FindByName("Beta")
	require.True(t, ok)
	assert.Equal(t, "b", meta.ID)
	_, ok = r.FindByName("Gamma")
	assert.False(t, ok)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Name)

	r.Remove("a")
	_, _, ok = r.Get("a")
	assert.False(t, ok)
}

func TestEventBus_PanickingSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()
	var got []EventType
	bus.Subscribe(EventSkillEnabled, func(Event) { panic("boom") })
	bus.Subscribe(EventSkillEnabled, func(e Event) { got = append(got, e.Type) })
	bus.Subscribe(EventAll, func(e Event) { got = append(got, e.Type) })

	assert.NotPanics(t, func() {
		bus.Emit(ctx, Event{Type: EventSkillEnabled, SkillID: "x"})
	})
	assert.Equal(t, []EventType{EventSkillEnabled, EventSkillEnabled}, got)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()
	calls := 0
	unsubscribe := bus.Subscribe(EventSkillDisabled, func(Event) { calls++ })

	bus.Emit(ctx, Event{Type: EventSkillDisabled})
	unsubscribe()
	unsubscribe()
	bus.Emit(ctx, Event{Type: EventSkillDisabled})
	assert.Equal(t, 1, calls)
}
