package isolation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kingrea/sleuth/internal/logging"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []Command
	err   error
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	return nil, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T, runner Runner, tools ...string) *Manager {
	t.Helper()
	m, err := New(Options{
		Root:        t.TempDir(),
		Version:     "1",
		SharedTools: tools,
		Runner:      runner,
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestEnsureCreatesRuntimeOnce(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner, "example.com/tool@v1.0.0")
	if m.Present() {
		t.Fatalf("runtime should not exist before Ensure")
	}
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !m.Present() {
		t.Fatalf("runtime marker missing after Ensure")
	}
	if runner.count() != 1 {
		t.Fatalf("expected one install, got %d", runner.count())
	}
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if runner.count() != 1 {
		t.Fatalf("second Ensure must not reinstall, got %d calls", runner.count())
	}
	call := runner.calls[0]
	if call.Name != "go" || strings.Join(call.Args, " ") != "install example.com/tool@v1.0.0" {
		t.Fatalf("unexpected install command: %s", call)
	}
	if !containsEnv(call.Env, "GOBIN="+m.BinDir()) {
		t.Fatalf("install must target runtime bin dir")
	}
}

func TestEnsureInstallsNewlyConfiguredTools(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	first, err := New(Options{Root: root, Runner: runner, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := New(Options{Root: root, Runner: runner, Logger: logging.Discard(), SharedTools: []string{"example.com/extra"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure with new tool: %v", err)
	}
	if runner.count() != 1 {
		t.Fatalf("expected the new tool to be installed once, got %d", runner.count())
	}
}

func TestEnsureFailureLeavesRuntimeAbsent(t *testing.T) {
	runner := &fakeRunner{err: errors.New("network down")}
	m := newTestManager(t, runner, "example.com/tool")
	if err := m.Ensure(context.Background()); err == nil {
		t.Fatalf("expected install failure")
	}
	if m.Present() {
		t.Fatalf("failed Ensure must not write the marker")
	}
	if err := m.Activate(); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("expected ErrRuntimeUnavailable, got %v", err)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", "/usr/bin")
	t.Setenv(EnvRuntimeRoot, "")
	for _, key := range []string{"GOBIN", "GOPATH", "GOMODCACHE"} {
		t.Setenv(key, "")
	}
	for i := 0; i < 3; i++ {
		if err := m.Activate(); err != nil {
			t.Fatalf("activate %d: %v", i, err)
		}
	}
	entries := filepath.SplitList(os.Getenv("PATH"))
	occurrences := 0
	for _, entry := range entries {
		if entry == m.BinDir() {
			occurrences++
		}
	}
	if occurrences != 1 {
		t.Fatalf("expected runtime bin once on PATH, got %d in %q", occurrences, os.Getenv("PATH"))
	}
	if entries[0] != m.BinDir() {
		t.Fatalf("runtime bin must come first, got %q", entries[0])
	}
	if os.Getenv(EnvRuntimeRoot) != m.Root() {
		t.Fatalf("runtime root not exported")
	}
	if os.Getenv("GOBIN") != m.BinDir() {
		t.Fatalf("GOBIN = %q, want %q", os.Getenv("GOBIN"), m.BinDir())
	}
	gopath := os.Getenv("GOPATH")
	if !strings.HasPrefix(gopath, m.Root()) {
		t.Fatalf("GOPATH %q outside runtime %q", gopath, m.Root())
	}
	if os.Getenv("GOMODCACHE") != filepath.Join(gopath, "pkg", "mod") {
		t.Fatalf("unexpected GOMODCACHE %q", os.Getenv("GOMODCACHE"))
	}
	if !m.Active() {
		t.Fatalf("expected Active after Activate")
	}
}

func TestBringUpReportsOnce(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	done := m.BringUp(context.Background())
	if err := <-done; err != nil {
		t.Fatalf("bring up: %v", err)
	}
	if _, open := <-done; open {
		t.Fatalf("channel should be closed after the result")
	}
	if !m.Present() {
		t.Fatalf("runtime missing after bring up")
	}
}

func TestEnvironPointsAtRuntime(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	t.Setenv("PATH", "/bin")
	env := m.Environ("SLEUTH_MODULE=demo")
	if !containsEnv(env, "SLEUTH_MODULE=demo") {
		t.Fatalf("extra variable missing")
	}
	if !containsEnv(env, "PATH="+m.BinDir()+string(os.PathListSeparator)+"/bin") {
		t.Fatalf("PATH must start with runtime bin: %v", env)
	}
	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected a single PATH entry, got %d", count)
	}
}

func TestInstallPackagesRequiresRuntime(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner)
	reqs := []Requirement{{Path: "example.com/pkg", Version: "latest"}}
	if err := m.InstallPackages(context.Background(), reqs); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("expected ErrRuntimeUnavailable, got %v", err)
	}
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.InstallPackages(context.Background(), reqs); err != nil {
		t.Fatalf("install: %v", err)
	}
	if runner.count() != 1 {
		t.Fatalf("expected one install, got %d", runner.count())
	}
}

func TestLookPathPrefersRuntime(t *testing.T) {
	m := newTestManager(t, &fakeRunner{})
	if err := m.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	tool := m.Executable("dig")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := m.LookPath("dig")
	if err != nil || got != tool {
		t.Fatalf("LookPath = %q, %v", got, err)
	}
	t.Setenv("PATH", "")
	if _, err := m.LookPath("definitely-missing"); err == nil {
		t.Fatalf("expected missing executable error")
	}
}

func TestParseRequirements(t *testing.T) {
	input := strings.NewReader(`
# scanners
github.com/example/whois@v1.2.3
github.com/example/whois@v1.2.3
github.com/example/dig   # trailing comment
`)
	reqs, err := ParseRequirements(input)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requirements, got %v", reqs)
	}
	if reqs[1].Version != "latest" {
		t.Fatalf("missing version should default to latest, got %q", reqs[1].Version)
	}
	if _, err := ParseRequirements(strings.NewReader("github.com/example/x@notaversion")); err == nil {
		t.Fatalf("expected invalid version error")
	}
	if _, err := ParseRequirements(strings.NewReader("not a path")); err == nil {
		t.Fatalf("expected invalid path error")
	}
}

func containsEnv(env []string, kv string) bool {
	for _, entry := range env {
		if entry == kv {
			return true
		}
	}
	return false
}
