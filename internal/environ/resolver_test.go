package environ

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danshapiro/ganaudit/internal/diag"
)

// chdir stands in for t.Chdir, which requires Go 1.24+.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func writeFakeExe(t *testing.T, dir string, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake exe: %v", err)
	}
	return path
}

func TestResolveExecutable_AbsoluteCandidateWins(t *testing.T) {
	dir := t.TempDir()
	exe := writeFakeExe(t, dir, "codex")

	r := NewResolver([]string{exe}, nil)
	got, err := r.ResolveExecutable()
	if err != nil {
		t.Fatalf("ResolveExecutable: %v", err)
	}
	if got != exe {
		t.Fatalf("got %q want %q", got, exe)
	}
}

func TestResolveExecutable_SkipsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "codex")
	if err := os.WriteFile(plain, []byte("not executable"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	good := writeFakeExe(t, dir, "codex2")

	r := NewResolver([]string{plain, good}, nil)
	got, err := r.ResolveExecutable()
	if err != nil {
		t.Fatalf("ResolveExecutable: %v", err)
	}
	if got != good {
		t.Fatalf("got %q want %q", got, good)
	}
}

func TestResolveExecutable_MissingYieldsInstallationDiagnostic(t *testing.T) {
	r := NewResolver([]string{filepath.Join(t.TempDir(), "nope")}, nil)
	_, err := r.ResolveExecutable()
	if err == nil {
		t.Fatalf("expected error")
	}
	var d *diag.Diagnostic
	if !errors.As(err, &d) {
		t.Fatalf("expected Diagnostic, got %T", err)
	}
	if d.Category != diag.CategoryInstallation {
		t.Fatalf("category: got %s want installation", d.Category)
	}
	if len(d.Suggestions) == 0 {
		t.Fatalf("expected actionable suggestions")
	}
}

func TestResolveExecutable_Cached(t *testing.T) {
	dir := t.TempDir()
	exe := writeFakeExe(t, dir, "codex")
	r := NewResolver([]string{exe}, nil)
	first, err := r.ResolveExecutable()
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// Removing the file must not invalidate the cached result.
	if err := os.Remove(exe); err != nil {
		t.Fatalf("remove: %v", err)
	}
	second, err := r.ResolveExecutable()
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("cache miss: %q vs %q", first, second)
	}
}

func TestResolveWorkingDirectory_HintInsideTree(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "pkg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	chdir(t, root)

	r := NewResolver(nil, nil)
	got, err := r.ResolveWorkingDirectory("pkg")
	if err != nil {
		t.Fatalf("ResolveWorkingDirectory: %v", err)
	}
	resolved, _ := filepath.EvalSymlinks(sub)
	if got != resolved {
		t.Fatalf("got %q want %q", got, resolved)
	}
}

func TestResolveWorkingDirectory_TraversalRejected(t *testing.T) {
	root := t.TempDir()
	inner := filepath.Join(root, "inner")
	if err := os.MkdirAll(inner, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	chdir(t, inner)

	r := NewResolver(nil, nil)
	_, err := r.ResolveWorkingDirectory("..")
	if err == nil {
		t.Fatalf("expected traversal rejection")
	}
	var d *diag.Diagnostic
	if !errors.As(err, &d) || d.Category != diag.CategoryEnvironment {
		t.Fatalf("expected environment diagnostic, got %v", err)
	}
}

func TestResolveWorkingDirectory_SymlinkEscapeRejected(t *testing.T) {
	outside := t.TempDir()
	root := t.TempDir()
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	chdir(t, root)

	r := NewResolver(nil, nil)
	if _, err := r.ResolveWorkingDirectory("escape"); err == nil {
		t.Fatalf("expected symlink escape rejection")
	}
}

func TestResolveWorkingDirectory_RepoRootDiscovery(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	deep := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	chdir(t, deep)

	r := NewResolver(nil, nil)
	got, err := r.ResolveWorkingDirectory("")
	if err != nil {
		t.Fatalf("ResolveWorkingDirectory: %v", err)
	}
	want, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Fatalf("got %q want repo root %q", gotResolved, want)
	}
}

func TestBuildEnvironment_PreserveListOnly(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SUPER_SECRET_TOKEN", "hunter2")
	t.Setenv("GAN_EXTRA", "kept")

	r := NewResolver(nil, []string{"GAN_EXTRA"})
	env := r.BuildEnvironment()

	if _, ok := EnvValue(env, "SUPER_SECRET_TOKEN"); ok {
		t.Fatalf("secret leaked into child environment")
	}
	if v, ok := EnvValue(env, "PATH"); !ok || v != "/usr/bin" {
		t.Fatalf("PATH missing or wrong: %q %v", v, ok)
	}
	if v, ok := EnvValue(env, "GAN_EXTRA"); !ok || v != "kept" {
		t.Fatalf("operator addition missing: %q %v", v, ok)
	}
}
