package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kingrea/sleuth/internal/graph"
	"github.com/kingrea/sleuth/resolution"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMergePersistsEntitiesAndEdges(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	origin := resolution.NewEntity("Domain", resolution.Attr("Domain Name", "example.com"), resolution.Attr("Registrar", "IANA"))
	origin.UID = "origin"
	if err := s.Seed(ctx, origin); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := graph.NewBuilder(s)
	var result resolution.Result
	result.Add(resolution.NewEntity("IPv4 Address", resolution.Attr("IPv4 Address", "93.184.216.34")), resolution.LinkTo(resolution.ByUID("origin"), "A"))
	result.Add(resolution.NewEntity("Domain", resolution.Attr("Domain Name", "example.com")), resolution.LinkTo(resolution.ByIndex(0), "PTR"))
	merge, err := b.Merge(ctx, result, "origin")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merge.UIDs[1] != "origin" {
		t.Fatalf("expected the existing domain to be reused, got %s", merge.UIDs[1])
	}

	got, ok, err := s.Entity(ctx, "origin")
	if err != nil || !ok {
		t.Fatalf("load origin: %v %v", ok, err)
	}
	if got.Fields[0].Name != "Domain Name" || got.Fields[1].Name != "Registrar" {
		t.Fatalf("attribute order lost: %+v", got.Fields)
	}
	entities, err := s.Entities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	edges, err := s.Edges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %+v", edges)
	}
}

func TestRejectedMergeRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	b := graph.NewBuilder(s)
	var result resolution.Result
	result.Add(resolution.NewEntity("Domain", resolution.Attr("Domain Name", "a.example.com")))
	result.Add(resolution.NewEntity("Domain", resolution.Attr("Domain Name", "b.example.com")), resolution.LinkTo(resolution.ByIndex(0), "x"))
	result.Add(resolution.NewEntity("Domain", resolution.Attr("Domain Name", "c.example.com")), resolution.LinkTo(resolution.ByIndex(5), "y"))
	_, err := b.Merge(ctx, result, "")
	var perr *graph.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	entities, err := s.Entities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 0 {
		t.Fatalf("expected empty graph, got %d entities", len(entities))
	}
}

func TestUpdateErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx graph.Tx) error {
		e := resolution.NewEntity("Domain", resolution.Attr("Domain Name", "x.example.com"))
		e.UID = "x"
		if err := tx.PutEntity(e); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok, _ := s.Entity(ctx, "x"); ok {
		t.Fatalf("write survived a failed update")
	}
}

func TestReopenKeepsGraph(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	e := resolution.NewEntity("Website", resolution.Attr("URL", "https://example.com"))
	e.UID = "site"
	if err := s.Seed(ctx, e); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	snap, err := graph.Export(ctx, reopened)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Entities) != 1 || snap.Entities[0].UID != "site" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAddRefusesTakenUID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	origin := resolution.NewEntity("Domain", resolution.Attr("Domain Name", "example.com"))
	origin.UID = "origin"
	if err := s.Seed(ctx, origin); err != nil {
		t.Fatalf("seed: %v", err)
	}
	intruder := resolution.NewEntity("Domain", resolution.Attr("Domain Name", "evil.example"))
	intruder.UID = "origin"
	if _, err := graph.NewBuilder(s).Add(ctx, intruder); !errors.Is(err, graph.ErrEntityExists) {
		t.Fatalf("expected ErrEntityExists, got %v", err)
	}
	err := s.Update(ctx, func(tx graph.Tx) error { return tx.PutEntity(intruder) })
	if !errors.Is(err, graph.ErrEntityExists) {
		t.Fatalf("expected store to refuse the uid, got %v", err)
	}
	got, _, err := s.Entity(ctx, "origin")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields[0].Value != "example.com" {
		t.Fatalf("existing entity changed: %+v", got.Fields)
	}
}
