package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/sleuth/internal/dispatch"
	"github.com/kingrea/sleuth/internal/graph"
	"github.com/kingrea/sleuth/internal/isolation"
	"github.com/kingrea/sleuth/internal/logbook"
	"github.com/kingrea/sleuth/resolution"
)

func init() {
	color.NoColor = true
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	projectDir, logLevel, ephemeral = "", "info", false
	resolveEntities, resolveSets, resolveOrigin, unitsType, exportPath = nil, nil, "", "", ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func cliProject(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"PATH", "GOBIN", "GOPATH", "GOMODCACHE"} {
		t.Setenv(key, os.Getenv(key))
	}
	t.Setenv(isolation.EnvRuntimeRoot, "")
	t.Setenv("SLEUTH_BRIDGE_ENABLED", "false")
	return t.TempDir()
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"Domain Name=example.com", "Registrar= acme=co"})
	require.NoError(t, err)
	require.Equal(t, []resolution.Field{
		{Name: "Domain Name", Value: "example.com"},
		{Name: "Registrar", Value: " acme=co"},
	}, fields)

	_, err = parseFields([]string{"no-separator"})
	require.Error(t, err)
	_, err = parseFields([]string{"=value"})
	require.Error(t, err)
}

func TestParseParametersGroupsRepeatedNames(t *testing.T) {
	params, err := parseParameters([]string{"Minimum Labels=3", "Tags=a", "Tags=b"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"Minimum Labels": "3",
		"Tags":           []string{"a", "b"},
	}, params)

	params, err = parseParameters(nil)
	require.NoError(t, err)
	require.Nil(t, params)

	_, err = parseParameters([]string{"broken"})
	require.Error(t, err)
}

func TestFormatEntry(t *testing.T) {
	line := formatEntry(logbook.Entry{Level: logbook.LevelWarn, Source: "dns/whois", Message: "rate limited"})
	require.Equal(t, "WARN     dns/whois rate limited", line)
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, dispatch.Report{Unit: "domain-parents", Eligible: 1, Skipped: 2, Merge: &graph.Merge{
		Created: []resolution.Entity{{UID: "u1", Type: "Domain", Fields: []resolution.Field{{Name: "Domain Name", Value: "example.com"}}}},
		Reused:  1,
	}})
	text := out.String()
	require.Contains(t, text, "domain-parents: 1 entities in, 1 created, 1 reused")
	require.Contains(t, text, "u1 Domain example.com")
	require.Contains(t, text, "2 entities skipped")

	out.Reset()
	printReport(&out, dispatch.Report{Unit: "domain-to-ip", Failure: "no addresses found"})
	require.Contains(t, out.String(), "domain-to-ip: no addresses found")
}

func TestAddResolveAndExport(t *testing.T) {
	dir := cliProject(t)

	out, err := execute(t, "--project", dir, "graph", "add", "Domain", "Domain Name=mail.corp.example.com")
	require.NoError(t, err, out)
	uid := strings.TrimSpace(out)
	require.NotEmpty(t, uid)

	out, err = execute(t, "--project", dir, "resolve", "domain-parents", "--entity", uid)
	require.NoError(t, err, out)
	require.Contains(t, out, "domain-parents: 1 entities in, 2 created")

	out, err = execute(t, "--project", dir, "graph", "export")
	require.NoError(t, err, out)
	var snapshot graph.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snapshot))
	require.Len(t, snapshot.Entities, 3)
	require.Len(t, snapshot.Edges, 2)
}

func TestParamsSetAndShow(t *testing.T) {
	dir := cliProject(t)

	out, err := execute(t, "--project", dir, "params", "set", "domain-parents", "Minimum Labels", "3")
	require.NoError(t, err, out)

	out, err = execute(t, "--project", dir, "params", "show", "domain-parents")
	require.NoError(t, err, out)
	require.Contains(t, out, "Minimum Labels = 3  stored")

	_, err = execute(t, "--project", dir, "params", "set", "no-such-unit", "x", "1")
	require.ErrorIs(t, err, dispatch.ErrUnknownUnit)
}

func TestModuleListShowsBuiltins(t *testing.T) {
	dir := cliProject(t)
	out, err := execute(t, "--project", dir, "module", "list")
	require.NoError(t, err, out)
	for _, name := range []string{"core", "dns", "web"} {
		require.Contains(t, out, name+" (built-in)")
	}
}
