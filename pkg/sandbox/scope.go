package sandbox

import (
	"sync"

	"github.com/dop251/goja"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Handle is an engine-side resource owned by a Scope.
type Handle interface {
	Release() error
}

// HandleFunc adapts a plain function to the Handle interface.
type HandleFunc func() error

// Release calls f.
func (f HandleFunc) Release() error { return f() }

// Scope is the per-invocation arena. Every engine value, host function and
// pending promise created while marshaling is registered here and released
// exactly once when the scope closes, on every exit path. Host settlements
// are queued through Post so that only the owning goroutine touches the
// engine.
type Scope struct {
	mu      sync.Mutex
	handles []*tracked
	closed  bool
	queue   []func()
	notify  chan struct{}
}

type tracked struct {
	h        Handle
	released bool
}

func newScope() *Scope {
	return &Scope{notify: make(chan struct{}, 1)}
}

// Manage registers h with the scope. Registering into a closed scope
// releases h immediately.
func (s *Scope) Manage(h Handle) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return h.Release()
	}
	s.handles = append(s.handles, &tracked{h: h})
	s.mu.Unlock()
	return nil
}

// Value tracks an engine value. Engine constants are shared singletons and
// never tracked.
func (s *Scope) Value(v goja.Value) goja.Value {
	if isConstant(v) {
		return v
	}
	_ = s.Manage(&valueHandle{v: v})
	return v
}

// Live returns the number of handles not yet released.
func (s *Scope) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.handles {
		if !t.released {
			n++
		}
	}
	return n
}

// Post queues fn to run on the goroutine draining the scope. It reports false
// when the scope has already closed, in which case fn is dropped.
func (s *Scope) Post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled whenever work has been posted.
func (s *Scope) Ready() <-chan struct{} {
	return s.notify
}

func (s *Scope) takeQueued() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// Close releases every tracked handle in reverse registration order. It is
// safe to call more than once; only the first call releases anything.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	handles := s.handles
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(handles) - 1; i >= 0; i-- {
		t := handles[i]
		if t.released {
			continue
		}
		t.released = true
		if err := t.h.Release(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to release handle"))
		}
	}
	return result.ErrorOrNil()
}

func isConstant(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return true
	}
	if _, ok := v.(*goja.Object); ok {
		return false
	}
	_, ok := v.Export().(bool)
	return ok
}

type valueHandle struct {
	mu sync.Mutex
	v  goja.Value
}

func (h *valueHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.v == nil {
		return errors.New("value handle released twice")
	}
	h.v = nil
	return nil
}

// funcHandle guards a host function exposed to the engine; calls after
// release throw instead of reaching the host.
type funcHandle struct {
	mu       sync.Mutex
	name     string
	released bool
}

func (h *funcHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errors.Errorf("host function %s released twice", h.name)
	}
	h.released = true
	return nil
}

func (h *funcHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// promiseHandle tracks a pending host promise. Settlements arriving after
// release are dropped.
type promiseHandle struct {
	mu      sync.Mutex
	settled bool
	dropped bool
}

func (h *promiseHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.settled {
		h.dropped = true
	}
	return nil
}

// settle marks the promise settled and reports whether the settlement may
// still be delivered.
func (h *promiseHandle) settle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled || h.dropped {
		return false
	}
	h.settled = true
	return true
}
