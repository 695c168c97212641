package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestModuleForEvent(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		rel      string
		module   string
		relevant bool
	}{
		{"dns", "dns", true},
		{"dns/manifest.yml", "dns", true},
		{"dns/Resolutions/a.yaml", "dns", true},
		{"dns/Entities/domain.yml", "dns", true},
		{"dns/assets/logo.png", "dns", false},
		{"dns/requirements.txt", "dns", false},
		{".tmp", "", false},
		{"dns/assets/deep/file", "", false},
	}
	for _, tc := range cases {
		name, ok := env.loader.moduleForEvent(filepath.Join(env.dir, tc.rel))
		if ok != tc.relevant || (ok && name != tc.module) {
			t.Fatalf("%s: got (%q, %v)", tc.rel, name, ok)
		}
	}
	if _, ok := env.loader.moduleForEvent(filepath.Join(t.TempDir(), "elsewhere")); ok {
		t.Fatalf("paths outside storage must be ignored")
	}
}

func TestWatchReportsChangedModule(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.loader.Install(context.Background(), "dns", writeSource(t, validSource())); err != nil {
		t.Fatalf("install: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := env.loader.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	def := filepath.Join(env.dir, "dns", ResolutionsDir, "extra.yaml")
	if err := os.WriteFile(def, []byte("name: extra\nscript: scripts/to_website.go\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case change := <-changes:
		if len(change.Modules) != 1 || change.Modules[0] != "dns" {
			t.Fatalf("unexpected change %+v", change)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no change reported")
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			// a trailing batch may still arrive; the channel must close after it
			<-changes
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}
