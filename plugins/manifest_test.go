package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleManifest = `Author: Jane Analyst
Version: 1.2.0
Module Name: DNS Toolkit
Notes: Resolvers for domains and addresses.
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Name != "DNS Toolkit" || m.Version != "1.2.0" {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestParseManifestReportsMissingFields(t *testing.T) {
	_, err := ParseManifest([]byte("Author: someone\nVersion: \"\"\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, field := range []string{"Version", "Module Name", "Notes"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error should name %s: %v", field, err)
		}
	}
}

func TestLoadManifestAcceptsBothExtensions(t *testing.T) {
	for _, name := range ManifestNames {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(sampleManifest), 0644); err != nil {
			t.Fatal(err)
		}
		if _, path, err := LoadManifest(dir); err != nil || filepath.Base(path) != name {
			t.Fatalf("%s: got %q %v", name, path, err)
		}
	}
	if _, _, err := LoadManifest(t.TempDir()); !errors.Is(err, ErrManifestMissing) {
		t.Fatalf("expected ErrManifestMissing, got %v", err)
	}
}
