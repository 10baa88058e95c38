package bridge

import (
	"bufio"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/logger"
)

// DomainRefreshInterval defines how often the allowlist file is re-read.
const DomainRefreshInterval = 30 * time.Second

// DomainFilter decides which hosts `fetch` may contact. Patterns come from
// an optional file (one host or glob per line, # comments) and from static
// entries. An empty allowlist allows every host.
type DomainFilter struct {
	mu       sync.RWMutex
	filePath string
	static   []string
	exact    map[string]bool
	globs    []glob.Glob
	raw      []string
	loadedAt time.Time
}

// NewDomainFilter creates a filter reading filePath (may be empty) plus the
// given static patterns.
func NewDomainFilter(filePath string, patterns ...string) *DomainFilter {
	if strings.HasPrefix(filePath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			filePath = filepath.Join(home, filePath[2:])
		}
	}
	df := &DomainFilter{filePath: filePath, static: patterns}
	df.load()
	return df
}

func (df *DomainFilter) load() {
	lines := append([]string(nil), df.static...)
	if df.filePath != "" {
		fileLines, err := readPatternFile(df.filePath)
		if err != nil && !os.IsNotExist(errors.Cause(err)) {
			logger.L.WithError(err).WithField("path", df.filePath).Warn("failed to read allowed domains file")
		}
		lines = append(lines, fileLines...)
	}

	exact := make(map[string]bool)
	var globs []glob.Glob
	var raw []string
	for _, line := range lines {
		host := normalizeHost(line)
		if host == "" {
			continue
		}
		if strings.ContainsAny(host, "*?") {
			g, err := glob.Compile(host)
			if err != nil {
				logger.L.WithError(err).WithField("pattern", host).Warn("ignoring invalid domain pattern")
				continue
			}
			globs = append(globs, g)
			raw = append(raw, host)
			continue
		}
		exact[host] = true
	}

	df.mu.Lock()
	df.exact, df.globs, df.raw = exact, globs, raw
	df.loadedAt = time.Now()
	df.mu.Unlock()
}

func readPatternFile(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open allowed domains file")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, errors.Wrap(scanner.Err(), "failed to scan allowed domains file")
}

// normalizeHost reduces a URL, host:port or bare host to a lower-case host.
func normalizeHost(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	if u, err := url.Parse(s); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	s = s[strings.Index(s, "://")+3:]
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		s = s[:i]
	}
	return s
}

// IsAllowed reports whether rawURL may be fetched. Loopback hosts are always
// allowed.
func (df *DomainFilter) IsAllowed(rawURL string) (bool, error) {
	if df.filePath != "" {
		df.mu.RLock()
		stale := time.Since(df.loadedAt) > DomainRefreshInterval
		df.mu.RUnlock()
		if stale {
			df.load()
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false, errors.Wrapf(err, "invalid URL %q", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if isLoopback(host) {
		return true, nil
	}

	df.mu.RLock()
	defer df.mu.RUnlock()
	if len(df.exact) == 0 && len(df.globs) == 0 {
		return true, nil
	}
	if df.exact[host] {
		return true, nil
	}
	for _, g := range df.globs {
		if g.Match(host) {
			return true, nil
		}
	}
	return false, nil
}

// Patterns returns the active exact hosts and glob patterns.
func (df *DomainFilter) Patterns() []string {
	df.mu.RLock()
	defer df.mu.RUnlock()
	out := make([]string, 0, len(df.exact)+len(df.raw))
	for h := range df.exact {
		out = append(out, h)
	}
	return append(out, df.raw...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}
