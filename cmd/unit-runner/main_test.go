package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/sleuth/internal/isolation"
	"github.com/kingrea/sleuth/internal/logging"
	"github.com/kingrea/sleuth/internal/session"
	"github.com/kingrea/sleuth/resolution"
)

func TestEntityFlagParsesFields(t *testing.T) {
	var f entityFlag
	if err := f.Set("Domain:Domain Name=example.com,Registrar=acme"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(f) != 1 || f[0].Type != "Domain" || len(f[0].Fields) != 2 {
		t.Fatalf("unexpected entities %+v", f)
	}
	if got := f.String(); got != "Domain:Domain Name=example.com" {
		t.Fatalf("unexpected string %q", got)
	}
	if err := f.Set("example.com"); err == nil {
		t.Fatalf("expected error without type")
	}
	if err := f.Set("Domain:broken"); err == nil {
		t.Fatalf("expected error without field separator")
	}
}

func TestBuildParametersMergesFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(path, []byte("Minimum Labels: 3\nAddress Family: ipv4\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sets := keyValueFlag{}
	for _, v := range []string{"Address Family=ipv6", "Tags=a", "Tags=b"} {
		if err := sets.Set(v); err != nil {
			t.Fatalf("set %s: %v", v, err)
		}
	}
	params, err := buildParameters(path, sets)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if params["Minimum Labels"] != 3 {
		t.Fatalf("expected file value, got %#v", params["Minimum Labels"])
	}
	if params["Address Family"] != "ipv6" {
		t.Fatalf("override should win, got %#v", params["Address Family"])
	}
	if tags, ok := params["Tags"].([]string); !ok || len(tags) != 2 {
		t.Fatalf("expected repeated values as list, got %#v", params["Tags"])
	}
	if params, err := buildParameters("", nil); err != nil || params != nil {
		t.Fatalf("expected no parameters, got %v %v", params, err)
	}
}

func TestReadEntitiesFromStdin(t *testing.T) {
	in := strings.NewReader(`[{"Entity Type":"Domain","Domain Name":"example.com"}]`)
	entities, err := readEntities("-", in)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entities) != 1 || entities[0].Type != "Domain" {
		t.Fatalf("unexpected entities %+v", entities)
	}
}

func TestRunDetachedLeavesGraphUntouched(t *testing.T) {
	t.Setenv("SLEUTH_BRIDGE_ENABLED", "false")
	t.Setenv(isolation.EnvRuntimeRoot, "")
	s, err := session.Open(t.TempDir(), session.Options{Logger: logging.Discard(), Ephemeral: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	origin := resolution.NewEntity("Domain", resolution.Attr("Domain Name", "a.b.example.com"))
	origin.UID = "origin"
	resp, err := runDetached(ctx, s, "domain-parents", []resolution.Entity{origin}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Error != "" || resp.Result == nil || len(*resp.Result) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	entities, err := s.Graph.Entities(ctx)
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	if len(entities) != 0 {
		t.Fatalf("detached run must not merge, graph has %d entities", len(entities))
	}
	if _, err := runDetached(ctx, s, "domain-parents", []resolution.Entity{resolution.NewEntity("Website", resolution.Attr("URL", "https://x"))}, nil); err == nil {
		t.Fatalf("expected no eligible entities")
	}
}
