package sandbox

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

const maxExportDepth = 64

// converter moves values across the host/engine boundary. Every engine value
// it creates is registered with the invocation scope.
type converter struct {
	vm       *goja.Runtime
	scope    *Scope
	maxItems int

	// zero until the invocation starts its budget
	deadline time.Time
	budget   time.Duration
}

func newConverter(vm *goja.Runtime, scope *Scope, maxItems int) *converter {
	return &converter{vm: vm, scope: scope, maxItems: maxItems}
}

// bound makes every later conversion out of the engine fail once deadline
// passes.
func (c *converter) bound(deadline time.Time, budget time.Duration) {
	c.deadline = deadline
	c.budget = budget
}

// toValue converts a host value into an engine value.
func (c *converter) toValue(v any) (goja.Value, error) {
	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case goja.Value:
		return x, nil
	case bool:
		return c.vm.ToValue(x), nil
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return c.scope.Value(c.vm.ToValue(x)), nil
	case []byte:
		return c.bytesValue(x)
	case time.Time:
		d, err := c.vm.New(c.vm.Get("Date"), c.vm.ToValue(x.UnixMilli()))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create date")
		}
		return c.scope.Value(d), nil
	case Func:
		return c.wrapFunc("anonymous", x), nil
	case func(args []any) (any, error):
		return c.wrapFunc("anonymous", Func(x)), nil
	case Thenable:
		return c.promiseFor(x), nil
	case []any:
		arr := c.scope.Value(c.vm.NewArray()).(*goja.Object)
		for i, item := range x {
			iv, err := c.toValue(item)
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			if err := arr.Set(strconv.Itoa(i), iv); err != nil {
				return nil, errors.Wrapf(err, "failed to set index %d", i)
			}
		}
		return arr, nil
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return c.toValue(items)
	case map[string]any:
		obj := c.scope.Value(c.vm.NewObject()).(*goja.Object)
		for k, item := range x {
			iv, err := c.toValue(item)
			if err != nil {
				return nil, errors.Wrapf(err, "property %q", k)
			}
			if err := obj.Set(k, iv); err != nil {
				return nil, errors.Wrapf(err, "failed to set property %q", k)
			}
		}
		return obj, nil
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return c.toValue(m)
	case error:
		return c.errorValue(x), nil
	}

	// Structs and other composite host values travel as their JSON form.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return goja.Null(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot marshal %T into the sandbox", v)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, errors.Wrap(err, "failed to decode marshaled value")
	}
	return c.toValue(generic)
}

func (c *converter) bytesValue(b []byte) (goja.Value, error) {
	buf := c.vm.NewArrayBuffer(append([]byte(nil), b...))
	arr, err := c.vm.New(c.vm.Get("Uint8Array"), c.vm.ToValue(buf))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Uint8Array")
	}
	return c.scope.Value(arr), nil
}

// errorValue builds an engine Error for a host error, exposing its code when
// it has one.
func (c *converter) errorValue(err error) *goja.Object {
	obj := c.vm.NewGoError(err)
	var coder Coder
	if errors.As(err, &coder) {
		_ = obj.Set("code", coder.Code())
	}
	c.scope.Value(obj)
	return obj
}

// throw raises err inside the engine. It never returns.
func (c *converter) throw(err error) {
	panic(c.errorValue(err))
}

// wrapFunc exposes fn as an engine function owned by the scope.
func (c *converter) wrapFunc(name string, fn Func) goja.Value {
	h := &funcHandle{name: name}
	_ = c.scope.Manage(h)

	return c.scope.Value(c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if h.isReleased() {
			panic(c.vm.NewTypeError("host function %s called after its scope was released", name))
		}
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			arg, err := c.fromValue(a)
			if err != nil {
				c.throw(err)
			}
			args[i] = arg
		}
		out, err := fn(args)
		if err != nil {
			c.throw(err)
		}
		if t, ok := out.(Thenable); ok {
			return c.promiseFor(t)
		}
		v, err := c.toValue(out)
		if err != nil {
			c.throw(err)
		}
		return v
	}))
}

// promiseFor turns a host Thenable into an engine promise. The settlement is
// posted to the scope and applied by the draining goroutine.
func (c *converter) promiseFor(t Thenable) goja.Value {
	p, resolve, reject := c.vm.NewPromise()
	h := &promiseHandle{}
	_ = c.scope.Manage(h)

	t.Then(func(v any) {
		c.scope.Post(func() {
			if !h.settle() {
				return
			}
			jv, err := c.toValue(v)
			if err != nil {
				reject(c.errorValue(err))
				return
			}
			resolve(jv)
		})
	}, func(err error) {
		c.scope.Post(func() {
			if !h.settle() {
				return
			}
			reject(c.errorValue(err))
		})
	})

	return c.scope.Value(c.vm.ToValue(p))
}

// fromValue converts an engine value into a plain host value. Functions are
// dropped; undefined and null both become nil. The walk is limited to
// maxItems elements and properties and stops at the invocation deadline.
func (c *converter) fromValue(v goja.Value) (any, error) {
	e := &exporter{c: c}
	return e.export(v, 0)
}

// exportCheckEvery is how many visited items pass between deadline checks.
const exportCheckEvery = 1024

type exporter struct {
	c     *converter
	items int
}

// reserve accounts for n more items about to be converted.
func (e *exporter) reserve(n int64) error {
	if n > int64(e.c.maxItems-e.items) {
		return &ExecutionError{Message: fmt.Sprintf("value exceeds the limit of %d elements", e.c.maxItems)}
	}
	before := e.items
	e.items += int(n)
	if e.items/exportCheckEvery != before/exportCheckEvery && e.expired() {
		return &TimeoutError{Budget: e.c.budget}
	}
	return nil
}

func (e *exporter) expired() bool {
	return !e.c.deadline.IsZero() && time.Now().After(e.c.deadline)
}

func (e *exporter) export(v goja.Value, depth int) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export(), nil
	}
	if depth > maxExportDepth {
		return nil, nil
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return nil, nil
	}
	if b, ok := e.c.bytesOf(obj); ok {
		return b, nil
	}

	switch obj.ClassName() {
	case "Array":
		n := obj.Get("length").ToInteger()
		if err := e.reserve(n); err != nil {
			return nil, err
		}
		out := make([]any, 0, n)
		for i := int64(0); i < n; i++ {
			if i%exportCheckEvery == exportCheckEvery-1 && e.expired() {
				return nil, &TimeoutError{Budget: e.c.budget}
			}
			item, err := e.export(obj.Get(strconv.FormatInt(i, 10)), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case "Date":
		return obj.Export(), nil
	case "Error":
		return map[string]any{
			"name":    obj.Get("name").String(),
			"message": obj.Get("message").String(),
		}, nil
	}

	keys := obj.Keys()
	if err := e.reserve(int64(len(keys))); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		pv := obj.Get(k)
		if pobj, ok := pv.(*goja.Object); ok {
			if _, isFn := goja.AssertFunction(pobj); isFn {
				continue
			}
		}
		item, err := e.export(pv, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = item
	}
	return out, nil
}

// bytesOf copies the contents of an ArrayBuffer or typed-array view.
func (c *converter) bytesOf(obj *goja.Object) ([]byte, bool) {
	if ab, ok := obj.Export().(goja.ArrayBuffer); ok {
		return append([]byte(nil), ab.Bytes()...), true
	}
	if !c.isView(obj) {
		return nil, false
	}
	ab, ok := obj.Get("buffer").Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	off := obj.Get("byteOffset").ToInteger()
	n := obj.Get("byteLength").ToInteger()
	data := ab.Bytes()
	if off < 0 || n < 0 || off+n > int64(len(data)) {
		return nil, false
	}
	return append([]byte(nil), data[off:off+n]...), true
}

func (c *converter) isView(obj *goja.Object) bool {
	isView, ok := goja.AssertFunction(c.vm.Get("ArrayBuffer").ToObject(c.vm).Get("isView"))
	if !ok {
		return false
	}
	res, err := isView(goja.Undefined(), obj)
	return err == nil && res.ToBoolean()
}
