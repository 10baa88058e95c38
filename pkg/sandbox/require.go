package sandbox

import (
	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

// linker instantiates preloaded modules inside one invocation context.
// Each module body runs at most once per context.
type linker struct {
	vm        *goja.Runtime
	conv      *converter
	cache     *ModuleCache
	instances map[string]*goja.Object
}

func newLinker(vm *goja.Runtime, conv *converter, cache *ModuleCache) *linker {
	return &linker{vm: vm, conv: conv, cache: cache, instances: make(map[string]*goja.Object)}
}

// requireFor returns a require function resolving specifiers through lookup.
func (l *linker) requireFor(lookup func(spec string) (*Module, bool)) goja.Value {
	return l.conv.scope.Value(l.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0).String()
		m, ok := lookup(spec)
		if !ok {
			l.conv.throw(&ImportError{Specifier: spec, Reason: "module was not preloaded"})
		}
		exports, err := l.instantiate(m)
		if err != nil {
			var ex *goja.Exception
			if errors.As(err, &ex) {
				panic(ex)
			}
			l.conv.throw(err)
		}
		return exports
	}))
}

// userRequire resolves bare names imported by the top-level script.
func (l *linker) userRequire(deps map[string]*Module) goja.Value {
	return l.requireFor(func(spec string) (*Module, bool) {
		if m, ok := deps[spec]; ok {
			return m, true
		}
		return l.cache.ByName(spec)
	})
}

func (l *linker) moduleRequire(m *Module) goja.Value {
	return l.requireFor(func(spec string) (*Module, bool) {
		u, ok := m.Imports[spec]
		if !ok {
			return nil, false
		}
		return l.cache.ByURL(u)
	})
}

func (l *linker) instantiate(m *Module) (goja.Value, error) {
	if inst, ok := l.instances[m.URL]; ok {
		return inst.Get("exports"), nil
	}
	prog, err := m.Program()
	if err != nil {
		return nil, err
	}

	module := l.vm.NewObject()
	exports := l.vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, errors.Wrap(err, "failed to initialise module object")
	}
	l.conv.scope.Value(module)
	l.conv.scope.Value(exports)
	l.instances[m.URL] = module

	fnVal, err := l.vm.RunProgram(prog)
	if err != nil {
		delete(l.instances, m.URL)
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		delete(l.instances, m.URL)
		return nil, errors.Errorf("module %s did not evaluate to a function", m.URL)
	}
	if _, err := fn(goja.Undefined(), exports, l.moduleRequire(m), module, l.vm.ToValue(m.URL), l.vm.ToValue(m.URL)); err != nil {
		delete(l.instances, m.URL)
		return nil, err
	}
	return module.Get("exports"), nil
}
