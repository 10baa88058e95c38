package sandbox

import (
	"encoding/json"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/pkg/errors"
)

// ScanImports parses src and returns the distinct module specifiers it
// references, in the order esbuild records them. Static, side-effect,
// dynamic, re-export and require forms are recognised; text inside comments
// and string literals is not.
func ScanImports(src, sourcefile string) ([]string, error) {
	res := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   src,
			Sourcefile: sourcefile,
			Loader:     loaderFor(sourcefile),
		},
		Bundle:   true,
		Write:    false,
		Metafile: true,
		Format:   api.FormatESModule,
		Platform: api.PlatformNeutral,
		LogLevel: api.LogLevelSilent,
		Plugins:  []api.Plugin{externalizeAll},
	})
	if len(res.Errors) > 0 {
		return nil, buildError(res.Errors[0])
	}

	var meta struct {
		Inputs map[string]struct {
			Imports []struct {
				Path string `json:"path"`
			} `json:"imports"`
		} `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(res.Metafile), &meta); err != nil {
		return nil, errors.Wrap(err, "failed to read import metadata")
	}

	seen := make(map[string]bool)
	var specs []string
	for _, in := range meta.Inputs {
		for _, imp := range in.Imports {
			if seen[imp.Path] {
				continue
			}
			seen[imp.Path] = true
			specs = append(specs, imp.Path)
		}
	}
	return specs, nil
}

// externalizeAll records every import as external without resolving it.
var externalizeAll = api.Plugin{
	Name: "externalize-all",
	Setup: func(build api.PluginBuild) {
		build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
			return api.OnResolveResult{Path: args.Path, External: true}, nil
		})
	},
}

// isLocalSpecifier reports whether spec refers to a relative or absolute path
// or a full URL rather than a bare package name.
func isLocalSpecifier(spec string) bool {
	return strings.HasPrefix(spec, "./") ||
		strings.HasPrefix(spec, "../") ||
		strings.HasPrefix(spec, "/") ||
		spec == "." || spec == ".." ||
		strings.Contains(spec, "://")
}

// CheckSpecifiers rejects any specifier a user script may not import.
func CheckSpecifiers(specs []string) error {
	for _, s := range specs {
		if isLocalSpecifier(s) {
			return &ImportError{Specifier: s, Reason: "only bare package specifiers may be imported"}
		}
		if strings.TrimSpace(s) == "" {
			return &ImportError{Specifier: s, Reason: "empty specifier"}
		}
	}
	return nil
}
