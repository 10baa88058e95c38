package skills

import (
	"context"
	"sync"
	"time"

	"github.com/jingkaihe/skillbox/pkg/bridge"
	"github.com/jingkaihe/skillbox/pkg/logger"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventSkillLoaded    EventType = "skill_loaded"
	EventSkillUnloaded  EventType = "skill_unloaded"
	EventSkillEnabled   EventType = "skill_enabled"
	EventSkillDisabled  EventType = "skill_disabled"
	EventSkillUpdated   EventType = "skill_updated"
	EventToolRegistered EventType = "tool_registered"

	// EventAll subscribes to every event type.
	EventAll EventType = "*"
)

// Event is delivered to subscribers.
type Event struct {
	Type     EventType              `json:"type"`
	SkillID  string                 `json:"skillId"`
	Metadata *Metadata              `json:"metadata,omitempty"`
	Tool     *bridge.ToolDefinition `json:"tool,omitempty"`
	Replaced bool                   `json:"replaced,omitempty"`
	Time     time.Time              `json:"time"`
}

// EventBus fans events out to subscribers.
type EventBus struct {
	mu   sync.RWMutex
	next int
	subs map[EventType]map[int]func(Event)
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType]map[int]func(Event))}
}

// Subscribe registers cb for t and returns a function removing it.
func (b *EventBus) Subscribe(t EventType, cb func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]func(Event))
	}
	b.subs[t][id] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[t], id)
		})
	}
}

// Emit delivers e synchronously. A panicking subscriber is logged and the
// remaining subscribers still run.
func (b *EventBus) Emit(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	var cbs []func(Event)
	for _, t := range []EventType{e.Type, EventAll} {
		for _, cb := range b.subs[t] {
			cbs = append(cbs, cb)
		}
	}
	b.mu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.G(ctx).WithField("event", e.Type).WithField("panic", r).Error("event subscriber panicked")
				}
			}()
			cb(e)
		}()
	}
}
