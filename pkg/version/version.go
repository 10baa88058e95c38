// Package version reports build information of the skillbox binary.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Version is the release version, set with -ldflags at build time.
	Version = "dev"
	// GitCommit is the commit SHA that was built. When left unset it is read
	// from the vcs stamp of the build.
	GitCommit = "unknown"
	// BuildTime is when the binary was built.
	BuildTime = "unknown"
)

// engineModules are the dependencies whose versions decide how skill
// scripts are transformed and run.
var engineModules = map[string]string{
	"github.com/dop251/goja":   "goja",
	"github.com/evanw/esbuild": "esbuild",
	"go.etcd.io/bbolt":         "bbolt",
}

// Info represents version information
type Info struct {
	Version   string            `json:"version" yaml:"version"`
	GitCommit string            `json:"gitCommit" yaml:"gitCommit"`
	BuildTime string            `json:"buildTime" yaml:"buildTime"`
	GoVersion string            `json:"goVersion" yaml:"goVersion"`
	Platform  string            `json:"platform" yaml:"platform"`
	Engine    map[string]string `json:"engine,omitempty" yaml:"engine,omitempty"`
}

// Get returns the version information
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fromBuildInfo(bi)
	}
	return info
}

func (i *Info) fromBuildInfo(bi *debug.BuildInfo) {
	for _, dep := range bi.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		if name, ok := engineModules[dep.Path]; ok {
			if i.Engine == nil {
				i.Engine = make(map[string]string)
			}
			i.Engine[name] = dep.Version
		}
	}
	if i.GitCommit != "unknown" {
		return
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			i.GitCommit = s.Value
		}
	}
}

// String returns the one-line form printed by `skillbox version --short`.
func (i Info) String() string {
	s := fmt.Sprintf("skillbox %s (%s) %s %s", i.Version, shortCommit(i.GitCommit), i.GoVersion, i.Platform)
	if i.BuildTime != "unknown" && i.BuildTime != "" {
		s += " built " + i.BuildTime
	}
	return s
}

func shortCommit(c string) string {
	if len(c) > 12 && !strings.Contains(c, " ") {
		return c[:12]
	}
	return c
}

// JSON returns the JSON representation of version info
func (i Info) JSON() (string, error) {
	bytes, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
