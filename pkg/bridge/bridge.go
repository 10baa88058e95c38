// Package bridge builds the capability surface exposed to sandboxed skill
// scripts. A Bridge is created per skill and per invocation; the globals it
// returns are the only host operations a script can reach.
package bridge

import (
	"context"

	"github.com/go-resty/resty/v2"

	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

// Bridge holds the host collaborators for one skill.
type Bridge struct {
	ctx        context.Context
	cancel     context.CancelFunc
	skillID    string
	fs         *vfs.FS
	client     *resty.Client
	filter     *DomainFilter
	downloader Downloader
	registrar  ToolRegistrar
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithContext sets the context used for logging and outbound requests.
func WithContext(ctx context.Context) Option {
	return func(b *Bridge) { b.ctx = ctx }
}

// WithFS sets the filesystem exposed as `fs`.
func WithFS(f *vfs.FS) Option {
	return func(b *Bridge) { b.fs = f }
}

// WithHTTPClient sets the client used by `fetch`.
func WithHTTPClient(c *resty.Client) Option {
	return func(b *Bridge) { b.client = c }
}

// WithDomainFilter restricts the hosts `fetch` may reach.
func WithDomainFilter(f *DomainFilter) Option {
	return func(b *Bridge) { b.filter = f }
}

// WithDownloader sets the sink for `downloadFile`.
func WithDownloader(d Downloader) Option {
	return func(b *Bridge) { b.downloader = d }
}

// WithToolRegistrar sets the callback behind `registerTool`.
func WithToolRegistrar(r ToolRegistrar) Option {
	return func(b *Bridge) { b.registrar = r }
}

// New creates a bridge for skillID.
func New(skillID string, opts ...Option) *Bridge {
	b := &Bridge{ctx: context.Background(), skillID: skillID}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = resty.New()
	}
	b.ctx, b.cancel = context.WithCancel(b.ctx)
	return b
}

// Close cancels outbound work still in flight for the invocation.
func (b *Bridge) Close() {
	b.cancel()
}

// SkillID returns the skill the bridge was created for.
func (b *Bridge) SkillID() string { return b.skillID }

// Globals returns the sandbox globals: console, fs, fetch, downloadFile and
// registerTool. `fs` is omitted when no filesystem is configured.
func (b *Bridge) Globals() map[string]any {
	g := map[string]any{
		"console":      b.console(),
		"fetch":        sandbox.Func(b.fetch),
		"downloadFile": sandbox.Func(b.downloadFile),
		"registerTool": sandbox.Func(b.registerTool),
	}
	if b.fs != nil {
		g["fs"] = b.fsGlobals()
	}
	return g
}
