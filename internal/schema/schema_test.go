package schema

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirParsesYamlAndYml(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "domain.yaml"), "name: Domain\nfields:\n  - name: Domain Name\n  - name: Registrar\n")
	writeFile(t, filepath.Join(dir, "site.yml"), "name: Website\nfields:\n  - name: URL\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	types, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("expected 2 types, got %d", len(types))
	}
	if types[0].Primary() != "Domain Name" {
		t.Fatalf("unexpected primary field %q", types[0].Primary())
	}
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	types, err := LoadDir(filepath.Join(t.TempDir(), "Entities"))
	if err != nil || len(types) != 0 {
		t.Fatalf("expected no types and no error, got %v %v", types, err)
	}
}

func TestParseFileRequiresFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "name: Empty\n")
	if _, err := ParseFile(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRegistryOwnership(t *testing.T) {
	reg := NewRegistry()
	domain := EntityType{Name: "Domain", Fields: []FieldDef{{Name: "Domain Name"}}}
	if err := reg.RegisterModule("dns", []EntityType{domain}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterModule("other", []EntityType{domain}); err == nil {
		t.Fatalf("expected conflict with another module")
	}
	if err := reg.RegisterModule("dns", []EntityType{domain}); err != nil {
		t.Fatalf("re-registering from the owning module should succeed: %v", err)
	}
	if field, ok := reg.PrimaryField("Domain"); !ok || field != "Domain Name" {
		t.Fatalf("primary field lookup failed: %q %v", field, ok)
	}
	if removed := reg.RemoveModule("dns"); len(removed) != 1 {
		t.Fatalf("expected one removed type, got %v", removed)
	}
	if _, ok := reg.Lookup("Domain"); ok {
		t.Fatalf("type should be gone")
	}
}
