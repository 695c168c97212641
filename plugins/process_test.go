package plugins

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/sleuth/resolution"
)

func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell plugins need a POSIX shell")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
	return path
}

func newProcessUnit(t *testing.T, body string, timeout time.Duration) *processUnit {
	t.Helper()
	dir := t.TempDir()
	writeExecutable(t, dir, "unit.sh", body)
	return &processUnit{
		desc:      resolution.Descriptor{Name: "shell-unit", OriginTypes: []string{"Domain"}},
		module:    "shell",
		moduleDir: dir,
		entry:     CommandEntry{Path: "./unit.sh", Timeout: timeout},
		extraEnv:  func() []string { return []string{"SLEUTH_BRIDGE_URL=http://127.0.0.1:1"} },
	}
}

func domain(name string) []resolution.Entity {
	e := resolution.NewEntity("Domain", resolution.Attr("Domain Name", name))
	e.UID = "d1"
	return []resolution.Entity{e}
}

func TestProcessUnitDecodesResult(t *testing.T) {
	unit := newProcessUnit(t, `cat >/dev/null
printf '{"result":[{"entity":{"Entity Type":"Website","URL":"https://%s"},"links":[{"parent":"d1","label":"%s"}]}]}' "$SLEUTH_UNIT" "$SLEUTH_MODULE"
`, 0)
	outcome, err := unit.Resolve(context.Background(), domain("example.com"), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	result, ok := outcome.(resolution.Result)
	if !ok || len(result) != 1 {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
	if url, _ := result[0].Entity.Get("URL"); url != "https://shell-unit" {
		t.Fatalf("environment not passed, got %q", url)
	}
	if len(result[0].Links) != 1 || result[0].Links[0].Label != "shell" {
		t.Fatalf("unexpected links %+v", result[0].Links)
	}
}

func TestProcessUnitReceivesRequest(t *testing.T) {
	unit := newProcessUnit(t, `if grep -q '"Domain Name":"example.com"'; then
  echo '{"result":[]}'
else
  echo '{"error":"request missing entity"}'
fi
`, 0)
	outcome, err := unit.Resolve(context.Background(), domain("example.com"), resolution.Arguments{"Depth": int64(2)})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := outcome.(resolution.Result); !ok {
		t.Fatalf("expected empty result, got %#v", outcome)
	}
}

func TestProcessUnitFailure(t *testing.T) {
	unit := newProcessUnit(t, `cat >/dev/null
echo '{"error":"lookup refused"}'
`, 0)
	outcome, err := unit.Resolve(context.Background(), domain("example.com"), nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if failure, ok := outcome.(resolution.Failure); !ok || string(failure) != "lookup refused" {
		t.Fatalf("expected failure, got %#v", outcome)
	}
}

func TestProcessUnitExitIncludesStderr(t *testing.T) {
	unit := newProcessUnit(t, `cat >/dev/null
echo "resolver crashed" >&2
exit 3
`, 0)
	_, err := unit.Resolve(context.Background(), domain("example.com"), nil)
	if err == nil || !strings.Contains(err.Error(), "resolver crashed") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestProcessUnitTimeout(t *testing.T) {
	unit := newProcessUnit(t, `exec sleep 5
`, 100*time.Millisecond)
	start := time.Now()
	_, err := unit.Resolve(context.Background(), domain("example.com"), nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestProcessUnitMissingExecutable(t *testing.T) {
	unit := &processUnit{
		desc:      resolution.Descriptor{Name: "ghost"},
		moduleDir: t.TempDir(),
		entry:     CommandEntry{Path: "./missing"},
	}
	if _, err := unit.Resolve(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected missing executable error")
	}
}
