// Package environ resolves everything the audit subprocess needs from the
// host: the external CLI executable, a working directory, and a sanitized
// environment.
package environ

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/danshapiro/ganaudit/internal/diag"
)

// preserveList is the baseline set of environment variables propagated to
// the child. Everything not on the list (or in operator additions) is
// dropped, so secrets-bearing variables never leak into the subprocess.
var preserveList = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TMPDIR",
	"LANG",
	"LC_ALL",
	"TERM",
	"CODEX_HOME",
	"XDG_CONFIG_HOME",
	"XDG_STATE_HOME",
}

// repoMarkers identify a repository root while walking upward from the
// process CWD.
var repoMarkers = []string{".git", "go.mod", "package.json"}

type Resolver struct {
	candidates []string
	extraEnv   []string

	exeOnce sync.Once
	exePath string
	exeErr  error
}

// NewResolver builds a Resolver. candidates are tried in order before PATH
// lookup; extraEnv names are appended to the preserve-list.
func NewResolver(candidates []string, extraEnv []string) *Resolver {
	return &Resolver{candidates: candidates, extraEnv: extraEnv}
}

// ResolveExecutable locates the external CLI. The result is cached for the
// process lifetime.
func (r *Resolver) ResolveExecutable() (string, error) {
	r.exeOnce.Do(func() {
		r.exePath, r.exeErr = r.resolveExecutable()
	})
	return r.exePath, r.exeErr
}

func (r *Resolver) resolveExecutable() (string, error) {
	tried := []string{}
	for _, cand := range r.candidates {
		cand = strings.TrimSpace(cand)
		if cand == "" {
			continue
		}
		if strings.ContainsRune(cand, os.PathSeparator) {
			abs, err := filepath.Abs(cand)
			if err != nil {
				continue
			}
			if isExecutableFile(abs) {
				return abs, nil
			}
			tried = append(tried, abs)
			continue
		}
		if p, err := exec.LookPath(cand); err == nil {
			return p, nil
		}
		tried = append(tried, cand+" (PATH)")
	}
	d := diag.Newf(diag.CategoryInstallation, "external audit CLI not found (tried: %s)", strings.Join(tried, ", ")).
		WithSeverity(diag.SeverityCritical).
		WithSuggestions(
			"install the external audit CLI and ensure it is on PATH",
			"or set audit.executable_candidates in the config file",
		)
	return "", d
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// ResolveWorkingDirectory picks the working directory for an audit. A hint
// must be an existing directory inside (or equal to) the process CWD tree;
// symlink escapes are rejected. Without a hint the nearest repository root
// above CWD wins, falling back to CWD itself.
func (r *Resolver) ResolveWorkingDirectory(hint string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", diag.Newf(diag.CategoryEnvironment, "cannot determine working directory: %v", err)
	}
	cwdResolved, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		cwdResolved = cwd
	}

	hint = strings.TrimSpace(hint)
	if hint != "" {
		abs := hint
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, hint)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", diag.Newf(diag.CategoryEnvironment, "working directory hint %q is not usable: %v", hint, err)
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			return "", diag.Newf(diag.CategoryEnvironment, "working directory hint %q is not a directory", hint)
		}
		if !pathWithin(cwdResolved, resolved) {
			return "", diag.Newf(diag.CategoryEnvironment, "working directory hint %q escapes the process working tree", hint).
				WithSuggestions("pass a directory inside the current workspace")
		}
		return resolved, nil
	}

	if root := findRepoRoot(cwd); root != "" {
		return root, nil
	}
	return cwd, nil
}

// pathWithin reports whether target is base or a descendant of base.
func pathWithin(base string, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

func findRepoRoot(start string) string {
	dir := start
	for {
		for _, marker := range repoMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// BuildEnvironment returns the sanitized child environment as a sorted
// KEY=VALUE slice.
func (r *Resolver) BuildEnvironment() []string {
	keep := make(map[string]bool, len(preserveList)+len(r.extraEnv))
	for _, k := range preserveList {
		keep[k] = true
	}
	for _, k := range r.extraEnv {
		if k = strings.TrimSpace(k); k != "" {
			keep[k] = true
		}
	}
	out := []string{}
	for _, entry := range os.Environ() {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || !keep[key] {
			continue
		}
		out = append(out, entry)
	}
	sort.Strings(out)
	return out
}

// EnvValue extracts a key from a KEY=VALUE env slice, for tests and
// diagnostics.
func EnvValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return entry[len(prefix):], true
		}
	}
	return "", false
}
