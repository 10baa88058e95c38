// Package sandbox runs skill scripts inside an embedded JavaScript engine.
// One Engine lives for the whole process; every invocation gets a fresh
// context, a scope that owns all values created for it, and a bounded drain
// loop that waits for the script's promise to settle.
package sandbox

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/telemetry"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
	DefaultCDNURL       = "https://esm.sh"
	DefaultMaxCallStack = 1024
	DefaultFetchRetries = 3

	DefaultMaxResultItems = 1 << 20
)

// Config tunes the engine.
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	CDNURL       string        `mapstructure:"cdn_url"`
	MaxCallStack int           `mapstructure:"max_call_stack"`
	FetchRetries uint          `mapstructure:"fetch_retries"`
	// MaxResultItems caps the elements and properties converted out of
	// the engine for a single value.
	MaxResultItems int `mapstructure:"max_result_items"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CDNURL == "" {
		c.CDNURL = DefaultCDNURL
	}
	if c.MaxCallStack <= 0 {
		c.MaxCallStack = DefaultMaxCallStack
	}
	if c.FetchRetries == 0 {
		c.FetchRetries = DefaultFetchRetries
	}
	if c.MaxResultItems <= 0 {
		c.MaxResultItems = DefaultMaxResultItems
	}
	return c
}

// State is the lifecycle stage of an invocation.
type State string

const (
	StateCreated          State = "created"
	StateModulesPreloaded State = "modules_preloaded"
	StateExecuting        State = "executing"
	StateResolved         State = "resolved"
	StateRejected         State = "rejected"
	StateTimedOut         State = "timed_out"
)

// Request describes one script invocation.
type Request struct {
	SkillID string
	// WorkingDir is the skill's namespace root. Scripts see it as __dirname
	// and as context.workingDir.
	WorkingDir string
	ScriptPath string
	Script     string
	Args       any
	// Globals are installed on the context's global object before the
	// script runs.
	Globals map[string]any
	// Timeout overrides the engine default when positive.
	Timeout time.Duration
}

// Result is the detailed outcome of an invocation.
type Result struct {
	ID          string
	Value       any
	State       State
	Transitions []State
	Duration    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithFetcher replaces the HTTP module fetcher.
func WithFetcher(f Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithModuleCache shares an existing module cache.
func WithModuleCache(c *ModuleCache) Option {
	return func(e *Engine) { e.modules = c }
}

// Engine is the process-wide script engine.
type Engine struct {
	cfg     Config
	modules *ModuleCache
	fetcher Fetcher
	loader  *Loader

	initGroup singleflight.Group
	initMu    sync.Mutex
	ready     bool
	inits     atomic.Int32
	prelude   *goja.Program
	noop      *goja.Program

	// one invocation drives the engine at a time
	execMu sync.Mutex
}

// New creates an engine. It is initialised lazily on first use.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(e)
	}
	if e.modules == nil {
		e.modules = NewModuleCache()
	}
	if e.fetcher == nil {
		e.fetcher = NewHTTPFetcher(nil, e.cfg.FetchRetries)
	}
	e.loader = NewLoader(e.cfg.CDNURL, e.fetcher, e.modules)
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Initialisations reports how many times the engine actually initialised.
func (e *Engine) Initialisations() int { return int(e.inits.Load()) }

// Modules exposes the module cache.
func (e *Engine) Modules() *ModuleCache { return e.modules }

// Init prepares the engine. Concurrent callers share a single
// initialisation and later calls return immediately.
func (e *Engine) Init(ctx context.Context) error {
	e.initMu.Lock()
	ready := e.ready
	e.initMu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := e.initGroup.Do("init", func() (any, error) {
		e.initMu.Lock()
		defer e.initMu.Unlock()
		if e.ready {
			return nil, nil
		}
		prelude, err := goja.Compile("prelude.js", preludeSource, false)
		if err != nil {
			return nil, errors.Wrap(err, "failed to compile prelude")
		}
		noop, err := goja.Compile("noop.js", noopSource, false)
		if err != nil {
			return nil, errors.Wrap(err, "failed to compile job runner")
		}
		e.prelude = prelude
		e.noop = noop
		e.ready = true
		e.inits.Add(1)
		logger.G(ctx).WithField("cdn", e.cfg.CDNURL).Debug("sandbox engine initialised")
		return nil, nil
	})
	return err
}

// Execute runs a script and returns the value its entry point produced.
func (e *Engine) Execute(ctx context.Context, req Request) (any, error) {
	res, err := e.ExecuteDetailed(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// ExecuteDetailed runs a script and reports its lifecycle alongside the value.
func (e *Engine) ExecuteDetailed(ctx context.Context, req Request) (*Result, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}

	inv := &invocation{
		id:      uuid.NewString(),
		started: time.Now(),
		log: logger.G(ctx).WithFields(logrus.Fields{
			"skill_id": req.SkillID,
			"script":   req.ScriptPath,
		}),
	}
	ctx = logger.WithLogger(ctx, inv.log)
	ctx, end := telemetry.Start(ctx, "sandbox.execute",
		attribute.String("skill.id", req.SkillID),
		attribute.String("script.path", req.ScriptPath),
	)
	inv.transition(StateCreated)

	value, err := e.execute(ctx, inv, req)
	end(err)

	res := &Result{
		ID:          inv.id,
		Value:       value,
		State:       inv.state,
		Transitions: inv.history,
		Duration:    time.Since(inv.started),
	}
	return res, err
}

func (e *Engine) execute(ctx context.Context, inv *invocation, req Request) (any, error) {
	sourcefile := req.ScriptPath
	if sourcefile == "" {
		sourcefile = "script.js"
	}

	specs, err := ScanImports(req.Script, sourcefile)
	if err != nil {
		return nil, &ExecutionError{Message: err.Error()}
	}
	if err := CheckSpecifiers(specs); err != nil {
		return nil, err
	}
	deps, err := e.loader.Preload(ctx, specs)
	if err != nil {
		return nil, err
	}
	inv.transition(StateModulesPreloaded)

	code, err := Transform(req.Script, sourcefile)
	if err != nil {
		return nil, &ExecutionError{Message: err.Error()}
	}

	budget := e.cfg.Timeout
	if req.Timeout > 0 {
		budget = req.Timeout
	}

	e.execMu.Lock()
	defer e.execMu.Unlock()

	scope := newScope()
	defer func() {
		if err := scope.Close(); err != nil {
			inv.log.WithError(err).Warn("failed to release sandbox scope")
		}
	}()

	vm := goja.New()
	vm.SetMaxCallStackSize(e.cfg.MaxCallStack)
	// released last: any host callback still holding the context is cut off
	_ = scope.Manage(HandleFunc(func() error {
		vm.Interrupt(errScopeClosed)
		return nil
	}))

	x := &execution{
		engine: e,
		vm:     vm,
		scope:  scope,
		conv:   newConverter(vm, scope, e.cfg.MaxResultItems),
		inv:    inv,
		budget: budget,
	}
	inv.transition(StateExecuting)
	value, err := x.run(ctx, req, code, deps, sourcefile)
	switch {
	case err == nil:
		inv.transition(StateResolved)
	case isTimeout(err):
		inv.transition(StateTimedOut)
	default:
		inv.transition(StateRejected)
	}
	return value, err
}

var errScopeClosed = errors.New("sandbox scope closed")

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

type invocation struct {
	id      string
	state   State
	history []State
	started time.Time
	log     *logrus.Entry
}

func (i *invocation) transition(s State) {
	i.log.WithFields(logrus.Fields{
		"invocation": i.id,
		"from":       string(i.state),
		"to":         string(s),
		"elapsed":    time.Since(i.started).String(),
	}).Debug("sandbox state transition")
	i.state = s
	i.history = append(i.history, s)
}

// execution holds the per-invocation engine context.
type execution struct {
	engine *Engine
	vm     *goja.Runtime
	scope  *Scope
	conv   *converter
	inv    *invocation
	budget time.Duration
	hooks  *goja.Object
}

func (x *execution) run(ctx context.Context, req Request, code string, deps map[string]*Module, sourcefile string) (any, error) {
	vm := x.vm

	for name, v := range req.Globals {
		jv, err := x.conv.toValue(v)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to install global %s", name)
		}
		if err := vm.Set(name, jv); err != nil {
			return nil, errors.Wrapf(err, "failed to install global %s", name)
		}
	}

	argsJSON, err := json.Marshal(req.Args)
	if err != nil {
		return nil, errors.Wrap(err, "arguments are not JSON serialisable")
	}
	args, err := vm.RunString("(" + string(argsJSON) + ")")
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode arguments")
	}

	hooks, err := vm.RunProgram(x.engine.prelude)
	if err != nil {
		return nil, errors.Wrap(err, "failed to install prelude")
	}
	x.hooks = hooks.ToObject(vm)

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = "/"
	}
	filename := path.Join(workingDir, sourcefile)
	if path.IsAbs(sourcefile) {
		filename = path.Clean(sourcefile)
	}
	execCtx, err := x.conv.toValue(map[string]any{
		"skillId":    req.SkillID,
		"workingDir": workingDir,
		"scriptPath": filename,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build execution context")
	}

	timer := time.AfterFunc(x.budget, func() {
		vm.Interrupt(&TimeoutError{Budget: x.budget})
	})
	defer timer.Stop()
	deadline := time.Now().Add(x.budget)
	x.conv.bound(deadline, x.budget)

	link := newLinker(vm, x.conv, x.engine.modules)
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, errors.Wrap(err, "failed to initialise module object")
	}
	x.scope.Value(module)
	x.scope.Value(exports)

	wrapper := "(function (exports, require, module, __filename, __dirname) {" + code +
		"\nreturn typeof main === \"function\" ? main : undefined;\n})"
	fnVal, err := vm.RunScript(sourcefile, wrapper)
	if err != nil {
		return nil, x.translate(err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, &ExecutionError{Message: "script did not compile to a module"}
	}
	localMain, err := fn(goja.Undefined(), exports, link.userRequire(deps), module, vm.ToValue(filename), vm.ToValue(workingDir))
	if err != nil {
		return nil, x.translate(err)
	}

	entryFn, _ := goja.AssertFunction(x.hooks.Get("entry"))
	entry, err := entryFn(goja.Undefined(), module, localMain)
	if err != nil {
		return nil, x.translate(err)
	}
	if goja.IsUndefined(entry) {
		return nil, &ExecutionError{Message: "script does not export a main function"}
	}

	runFn, _ := goja.AssertFunction(x.hooks.Get("run"))
	out, err := runFn(goja.Undefined(), entry, args, execCtx)
	if err != nil {
		return nil, x.translate(err)
	}
	outObj := out.ToObject(vm)
	if !outObj.Get("pending").ToBoolean() {
		return x.conv.fromValue(outObj.Get("value"))
	}
	return x.drain(ctx, deadline)
}

// drain pumps pending jobs until the script's promise settles, applying host
// completions as they arrive. It never waits past the deadline.
func (x *execution) drain(ctx context.Context, deadline time.Time) (any, error) {
	ticker := time.NewTicker(x.engine.cfg.PollInterval)
	defer ticker.Stop()
	budget := time.NewTimer(time.Until(deadline))
	defer budget.Stop()

	for {
		if value, done, err := x.settled(); done {
			return value, err
		}

		select {
		case <-x.scope.Ready():
			for _, fn := range x.scope.takeQueued() {
				fn()
			}
			if err := x.runJobs(); err != nil {
				return nil, err
			}
		case <-ticker.C:
			if err := x.runJobs(); err != nil {
				return nil, err
			}
		case <-budget.C:
			if value, done, err := x.settled(); done {
				return value, err
			}
			return nil, &TimeoutError{Budget: x.budget}
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "script execution cancelled")
		}
	}
}

// runJobs drains the engine's job queue.
func (x *execution) runJobs() error {
	if _, err := x.vm.RunProgram(x.engine.noop); err != nil {
		return x.translate(err)
	}
	return nil
}

func (x *execution) settled() (any, bool, error) {
	settledFn, _ := goja.AssertFunction(x.hooks.Get("settled"))
	res, err := settledFn(goja.Undefined())
	if err != nil {
		return nil, true, x.translate(err)
	}
	if goja.IsUndefined(res) {
		return nil, false, nil
	}
	obj := res.ToObject(x.vm)
	if obj.Get("resolved").ToBoolean() {
		value, err := x.conv.fromValue(obj.Get("value"))
		return value, true, err
	}
	return nil, true, &ExecutionError{
		Message: obj.Get("message").String(),
		Stack:   obj.Get("stack").String(),
	}
}

// translate maps engine errors to sandbox errors.
func (x *execution) translate(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if te, ok := interrupted.Value().(*TimeoutError); ok {
			return te
		}
		return errors.Wrap(err, "script interrupted")
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		msg := ex.Error()
		stack := ex.String()
		if obj, ok := ex.Value().(*goja.Object); ok {
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				msg = m.String()
			}
			if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) {
				stack = s.String()
			}
		} else if v := ex.Value(); v != nil {
			msg = v.String()
		}
		return &ExecutionError{Message: msg, Stack: stack}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ExecutionError{Message: syntax.Error()}
	}
	return err
}
