package sandbox

import (
	"context"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/logger"
)

// Module is a fetched CDN module, transformed to CommonJS and ready to be
// instantiated in any invocation context.
type Module struct {
	URL     string
	Source  string
	Imports map[string]string

	once    sync.Once
	program *goja.Program
	err     error
}

// Program compiles the module wrapper once and caches it.
func (m *Module) Program() (*goja.Program, error) {
	m.once.Do(func() {
		m.program, m.err = goja.Compile(m.URL, wrapCommonJS(m.Source), false)
		if m.err != nil {
			m.err = errors.Wrapf(m.err, "failed to compile module %s", m.URL)
		}
	})
	return m.program, m.err
}

func wrapCommonJS(src string) string {
	return "(function (exports, require, module, __filename, __dirname) {" + src + "\n})"
}

// ModuleCache is the process-wide store of preloaded modules, keyed both by
// the bare name a script imported and by resolved URL.
type ModuleCache struct {
	mu     sync.RWMutex
	byName map[string]*Module
	byURL  map[string]*Module
}

// NewModuleCache returns an empty cache.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{
		byName: make(map[string]*Module),
		byURL:  make(map[string]*Module),
	}
}

// ByName looks up a module by the bare specifier it was imported under.
func (c *ModuleCache) ByName(name string) (*Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byName[name]
	return m, ok
}

// ByURL looks up a module by resolved URL.
func (c *ModuleCache) ByURL(u string) (*Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byURL[u]
	return m, ok
}

func (c *ModuleCache) putName(name string, m *Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = m
}

func (c *ModuleCache) putURL(m *Module, urls ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range urls {
		c.byURL[u] = m
	}
}

func (c *ModuleCache) forget(m *Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.byURL {
		if v == m {
			delete(c.byURL, k)
		}
	}
	for k, v := range c.byName {
		if v == m {
			delete(c.byName, k)
		}
	}
}

// Names lists the bare specifiers currently cached.
func (c *ModuleCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	return names
}

// Len returns the number of distinct cached modules.
func (c *ModuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[*Module]bool)
	for _, m := range c.byURL {
		seen[m] = true
	}
	return len(seen)
}

// Clear drops every cached module.
func (c *ModuleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = make(map[string]*Module)
	c.byURL = make(map[string]*Module)
}

// Fetcher retrieves module source. It returns the final URL after redirects,
// which becomes the base for the module's own relative imports.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (src string, finalURL string, err error)
}

type httpFetcher struct {
	client  *resty.Client
	retries uint
}

// NewHTTPFetcher returns a Fetcher backed by resty. Server errors and
// transport failures are retried; client errors are not.
func NewHTTPFetcher(client *resty.Client, retries uint) Fetcher {
	if client == nil {
		client = resty.New().SetTimeout(30 * time.Second)
	}
	if retries == 0 {
		retries = 1
	}
	return &httpFetcher{client: client, retries: retries}
}

func (f *httpFetcher) Fetch(ctx context.Context, rawURL string) (string, string, error) {
	var src, final string
	err := retry.Do(
		func() error {
			resp, err := f.client.R().SetContext(ctx).Get(rawURL)
			if err != nil {
				return errors.Wrapf(err, "failed to fetch %s", rawURL)
			}
			if resp.StatusCode() >= 500 {
				return errors.Errorf("fetch %s: %s", rawURL, resp.Status())
			}
			if resp.StatusCode() >= 400 {
				return retry.Unrecoverable(errors.Errorf("fetch %s: %s", rawURL, resp.Status()))
			}
			src = resp.String()
			final = rawURL
			if resp.RawResponse != nil && resp.RawResponse.Request != nil && resp.RawResponse.Request.URL != nil {
				final = resp.RawResponse.Request.URL.String()
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(f.retries),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", "", err
	}
	return src, final, nil
}

// Loader resolves, fetches and transforms modules and their transitive
// dependencies into a ModuleCache.
type Loader struct {
	cdn     string
	fetcher Fetcher
	cache   *ModuleCache
}

// NewLoader creates a Loader resolving bare names against cdnURL.
func NewLoader(cdnURL string, fetcher Fetcher, cache *ModuleCache) *Loader {
	return &Loader{cdn: strings.TrimRight(cdnURL, "/"), fetcher: fetcher, cache: cache}
}

// Preload makes every bare name available in the cache, fetching what is
// missing. Names already cached cost nothing.
func (l *Loader) Preload(ctx context.Context, names []string) (map[string]*Module, error) {
	out := make(map[string]*Module, len(names))
	for _, name := range names {
		if m, ok := l.cache.ByName(name); ok {
			out[name] = m
			continue
		}
		m, err := l.load(ctx, l.cdn+"/"+name)
		if err != nil {
			return nil, &ImportError{Specifier: name, Reason: err.Error()}
		}
		l.cache.putName(name, m)
		out[name] = m
		logger.G(ctx).WithField("module", name).WithField("url", m.URL).Debug("preloaded module")
	}
	return out, nil
}

func (l *Loader) load(ctx context.Context, rawURL string) (*Module, error) {
	if m, ok := l.cache.ByURL(rawURL); ok {
		return m, nil
	}
	src, final, err := l.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if m, ok := l.cache.ByURL(final); ok {
		l.cache.putURL(m, rawURL)
		return m, nil
	}

	specs, err := ScanImports(src, final)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse module %s", final)
	}
	cjs, err := Transform(src, final)
	if err != nil {
		return nil, err
	}
	m := &Module{URL: final, Source: cjs, Imports: make(map[string]string, len(specs))}
	// registered before recursing so import cycles terminate
	l.cache.putURL(m, rawURL, final)

	for _, spec := range specs {
		depURL, err := l.resolve(final, spec)
		if err != nil {
			l.cache.forget(m)
			return nil, err
		}
		m.Imports[spec] = depURL
		if _, err := l.load(ctx, depURL); err != nil {
			l.cache.forget(m)
			return nil, errors.Wrapf(err, "dependency %q of %s", spec, final)
		}
	}
	return m, nil
}

// resolve maps a specifier found in the module at base to an absolute URL.
func (l *Loader) resolve(base, spec string) (string, error) {
	switch {
	case strings.HasPrefix(spec, "http://") || strings.HasPrefix(spec, "https://"):
		return spec, nil
	case strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || strings.HasPrefix(spec, "/"):
		b, err := url.Parse(base)
		if err != nil {
			return "", errors.Wrapf(err, "invalid module URL %s", base)
		}
		ref, err := url.Parse(spec)
		if err != nil {
			return "", errors.Wrapf(err, "invalid specifier %q", spec)
		}
		return b.ResolveReference(ref).String(), nil
	default:
		return l.cdn + "/" + spec, nil
	}
}

// Transform rewrites ES module source into CommonJS so it can run inside the
// module wrapper. TypeScript is accepted when sourcefile ends in .ts.
func Transform(src, sourcefile string) (string, error) {
	res := api.Transform(src, api.TransformOptions{
		Loader:     loaderFor(sourcefile),
		Format:     api.FormatCommonJS,
		Target:     api.ES2017,
		Sourcefile: sourcefile,
		LogLevel:   api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		return "", buildError(res.Errors[0])
	}
	return string(res.Code), nil
}

func loaderFor(sourcefile string) api.Loader {
	switch path.Ext(strings.SplitN(sourcefile, "?", 2)[0]) {
	case ".ts", ".mts":
		return api.LoaderTS
	}
	return api.LoaderJS
}

func buildError(msg api.Message) error {
	if msg.Location != nil {
		return errors.Errorf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text)
	}
	return errors.New(msg.Text)
}
