package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

func newTestFS(t *testing.T) *vfs.FS {
	t.Helper()
	f, err := vfs.Open(filepath.Join(t.TempDir(), "files.db"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func run(t *testing.T, b *Bridge, script string) (any, error) {
	t.Helper()
	e := sandbox.New(sandbox.Config{Timeout: 5 * time.Second, PollInterval: 5 * time.Millisecond})
	return e.Execute(context.Background(), sandbox.Request{
		SkillID: b.SkillID(),
		Script:  script,
		Globals: b.Globals(),
	})
}

type memDownloader struct {
	mu    sync.Mutex
	saved []*Download
	err   error
}

func (m *memDownloader) Save(_ context.Context, d *Download) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, d)
	return nil
}

func TestGlobals_ExposesOnlyCapabilities(t *testing.T) {
	b := New("demo", WithFS(newTestFS(t)))
	g := b.Globals()

	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"console", "fs", "fetch", "downloadFile", "registerTool"}, keys)

	assert.NotContains(t, New("demo").Globals(), "fs")
}

func TestFS_AsyncAndSyncRoundTrip(t *testing.T) {
	fsys := newTestFS(t)
	b := New("demo", WithFS(fsys))

	v, err := run(t, b, `export async function main() {
		await fs.writeFile("/skills/demo/out/notes.txt", "hello");
		fs.writeFileSync("/skills/demo/out/raw.bin", new Uint8Array([0, 1, 2]));
		const text = await fs.readFile("/skills/demo/out/notes.txt");
		const raw = fs.readFileSync("/skills/demo/out/raw.bin", { encoding: "buffer" });
		const names = await fs.list("/skills/demo/out");
		const st = await fs.stat("/skills/demo/out/notes.txt");
		await fs.rename("/skills/demo/out/notes.txt", "/skills/demo/out/moved.txt");
		const moved = fs.existsSync("/skills/demo/out/moved.txt");
		const gone = await fs.exists("/skills/demo/out/notes.txt");
		return { text, rawLen: raw.length, names, size: st.size, isFile: st.isFile, moved, gone };
	}`)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"text":   "hello",
		"rawLen": int64(3),
		"names":  []any{"notes.txt", "raw.bin"},
		"size":   int64(5),
		"isFile": true,
		"moved":  true,
		"gone":   false,
	}, v)

	data, err := fsys.ReadFile("/skills/demo/out/raw.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)
}

func TestFS_ErrorsCarryCode(t *testing.T) {
	b := New("demo", WithFS(newTestFS(t)))

	v, err := run(t, b, `export async function main() {
		const codes = [];
		try { await fs.readFile("/missing.txt"); } catch (e) { codes.push(e.code); }
		try { fs.rmSync("/missing"); } catch (e) { codes.push(e.code); }
		fs.mkdirSync("/skills/demo/dir", { recursive: true });
		fs.writeFileSync("/skills/demo/dir/a.txt", "a");
		try { await fs.rm("/skills/demo/dir"); } catch (e) { codes.push(e.code); }
		await fs.rm("/skills/demo/dir", { recursive: true });
		return codes;
	}`)
	require.NoError(t, err)
	assert.Equal(t, []any{"ENOENT", "ENOENT", "ENOTEMPTY"}, v)
}

func TestFS_Base64Encoding(t *testing.T) {
	fsys := newTestFS(t)
	b := New("demo", WithFS(fsys))

	v, err := run(t, b, `export function main() {
		fs.writeFileSync("/a.bin", "AAEC", "base64");
		return fs.readFileSync("/a.bin", "base64");
	}`)
	require.NoError(t, err)
	assert.Equal(t, "AAEC", v)
}

func TestConsole_ForwardsToLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	ctx := logger.WithLogger(context.Background(), logrus.NewEntry(log))

	b := New("demo", WithContext(ctx))
	_, err := run(t, b, `export function main() {
		console.log("hello", 42, { a: 1 });
		console.warn("careful");
	}`)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"hello 42 {\"a\":1}"`)
	assert.Contains(t, out, `"skill_id":"demo"`)
	assert.Contains(t, out, `"source":"console"`)
	assert.Contains(t, out, `"level":"warning"`)
}

func TestFetch_ReturnsPlainResponse(t *testing.T) {
	type seen struct{ method, header, body string }
	var mu sync.Mutex
	var posted seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			buf := new(bytes.Buffer)
			_, _ = buf.ReadFrom(r.Body)
			mu.Lock()
			posted = seen{method: r.Method, header: r.Header.Get("X-Test"), body: buf.String()}
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[1,2]}`))
		case "/text":
			_, _ = w.Write([]byte("plain text"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := New("demo")
	v, err := run(t, b, `export async function main() {
		const a = await fetch("`+srv.URL+`/json", { method: "post", headers: { "X-Test": "yes" }, body: { q: 1 } });
		const b = await fetch("`+srv.URL+`/text");
		const c = await fetch("`+srv.URL+`/missing");
		return { aOk: a.ok, items: a.body.items, ctype: a.headers["content-type"], text: b.body, cStatus: c.status, cOk: c.ok, cText: c.statusText };
	}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"aOk":     true,
		"items":   []any{int64(1), int64(2)},
		"ctype":   "application/json",
		"text":    "plain text",
		"cStatus": int64(404),
		"cOk":     false,
		"cText":   "Not Found",
	}, v)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPost, posted.method)
	assert.Equal(t, "yes", posted.header)
	assert.JSONEq(t, `{"q":1}`, posted.body)
}

func TestFetch_BlockedHostRejects(t *testing.T) {
	b := New("demo", WithDomainFilter(NewDomainFilter("", "api.example.com")))

	_, err := run(t, b, `export async function main() {
		await fetch("https://evil.example.org/x");
	}`)
	var execErr *sandbox.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "not allowed")
}

func TestDownloadFile(t *testing.T) {
	dl := &memDownloader{}
	b := New("demo", WithDownloader(dl))

	payload := base64.StdEncoding.EncodeToString([]byte("binary\x00data"))
	v, err := run(t, b, `export function main() {
		const ok = downloadFile("# Report", { filename: "report.md" });
		const bin = downloadFile("`+payload+`", { filename: "data.bin", encoding: "base64", saveAs: true });
		const bad = downloadFile("x", { filename: "x.txt", encoding: "latin1" });
		const nameless = downloadFile("x", {});
		return { ok: ok.success, id: ok.downloadId, bin: bin.success, bad: bad.success, badErr: bad.error, nameless: nameless.success };
	}`)
	require.NoError(t, err)

	res := v.(map[string]any)
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, true, res["bin"])
	assert.Equal(t, false, res["bad"])
	assert.Contains(t, res["badErr"], "unsupported encoding")
	assert.Equal(t, false, res["nameless"])

	require.Len(t, dl.saved, 2)
	assert.Equal(t, res["id"], dl.saved[0].ID)
	assert.Equal(t, "text/markdown", dl.saved[0].MimeType)
	assert.Equal(t, []byte("# Report"), dl.saved[0].Data)
	assert.Equal(t, []byte("binary\x00data"), dl.saved[1].Data)
	assert.True(t, dl.saved[1].SaveAs)
}

func TestDownloadFile_NeverThrows(t *testing.T) {
	b := New("demo", WithDownloader(&memDownloader{err: os.ErrPermission}))

	v, err := run(t, b, `export function main() {
		return downloadFile("x", { filename: "a.txt" });
	}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": false, "error": os.ErrPermission.Error()}, v)
}

func TestDirDownloader(t *testing.T) {
	dir := t.TempDir()
	d := NewDirDownloader(dir)
	require.NoError(t, d.Save(context.Background(), &Download{ID: "abc", Filename: "../escape.txt", Data: []byte("x")}))

	data, err := os.ReadFile(filepath.Join(dir, "abc-escape.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestRegisterTool(t *testing.T) {
	var got []ToolDefinition
	b := New("demo", WithToolRegistrar(ToolRegistrarFunc(func(_ context.Context, def ToolDefinition) error {
		got = append(got, def)
		return nil
	})))

	v, err := run(t, b, `export function main() {
		return registerTool({
			name: "word_count",
			description: "Counts words",
			script: "scripts/count.js",
			inputSchema: { type: "object", properties: { text: { type: "string" } }, required: ["text"] },
		});
	}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": true, "name": "word_count"}, v)

	require.Len(t, got, 1)
	assert.Equal(t, "demo", got[0].SkillID)
	assert.Equal(t, "scripts/count.js", got[0].Script)
	require.NotNil(t, got[0].InputSchema)
	assert.Equal(t, "object", got[0].InputSchema.Type)
	assert.Equal(t, []string{"text"}, got[0].InputSchema.Required)
}

func TestRegisterTool_WithoutRegistrarIsNoop(t *testing.T) {
	b := New("demo")
	v, err := run(t, b, `export function main() { return registerTool({ name: "t" }); }`)
	require.NoError(t, err)
	assert.Equal(t, false, v.(map[string]any)["success"])
}

func TestDecodeToolDefinition_RequiresName(t *testing.T) {
	_, err := DecodeToolDefinition(map[string]any{"description": "x"})
	assert.Error(t, err)
}

func TestMimeTypeFor(t *testing.T) {
	tests := map[string]string{
		"a.json":    "application/json",
		"b.PNG":     "image/png",
		"notes.md":  "text/markdown",
		"data.csv":  "text/csv",
		"blob":      "application/octet-stream",
		"x.nope123": "application/octet-stream",
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Contains(t, MimeTypeFor(name), want)
		})
	}
}

func TestDomainFilter(t *testing.T) {
	file := filepath.Join(t.TempDir(), "domains.txt")
	require.NoError(t, os.WriteFile(file, []byte("# allowed\nhttps://docs.example.com/path\n*.cdn.example.net\n"), 0o644))

	df := NewDomainFilter(file, "api.example.com")
	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://api.example.com/v1", true},
		{"https://docs.example.com/", true},
		{"https://img.cdn.example.net/a.png", true},
		{"https://example.com", false},
		{"http://localhost:8080/x", true},
		{"http://127.0.0.1/x", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			ok, err := df.IsAllowed(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, ok)
		})
	}
	assert.ElementsMatch(t, []string{"api.example.com", "docs.example.com", "*.cdn.example.net"}, df.Patterns())

	open := NewDomainFilter(filepath.Join(t.TempDir(), "missing.txt"))
	ok, err := open.IsAllowed("https://anything.example")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFetch_CancelledOnClose(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	b := New("demo")
	out, err := b.fetch([]any{srv.URL + "/slow"})
	require.NoError(t, err)
	f, ok := out.(sandbox.Thenable)
	require.True(t, ok)

	<-started
	b.Close()

	done := make(chan error, 1)
	f.Then(func(any) { done <- nil }, func(err error) { done <- err })
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not cancelled")
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the request aborted")
	}
}
