package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kingrea/sleuth/resolution"
)

func sequentialUIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("uid-%d", n)
	}
}

func seededGraph(t *testing.T) (*MemoryGraph, resolution.Entity) {
	t.Helper()
	g := NewMemoryGraph()
	origin := resolution.NewEntity("Domain", resolution.Attr("Domain Name", "example.com"))
	origin.UID = "origin"
	g.Seed(origin)
	return g, origin
}

func domain(name string) resolution.Entity {
	return resolution.NewEntity("Domain", resolution.Attr("Domain Name", name))
}

func findEdge(edges []Edge, source, target string) (Edge, bool) {
	for _, e := range edges {
		if e.Source == source && e.Target == target {
			return e, true
		}
	}
	return Edge{}, false
}

func TestMergeIndexSelectorLinksToEarlierItem(t *testing.T) {
	g, _ := seededGraph(t)
	b := NewBuilder(g, WithUIDGenerator(sequentialUIDs()))
	var result resolution.Result
	result.Add(domain("a.example.com"), resolution.LinkTo(resolution.ByUID("origin"), "subdomain"))
	result.Add(domain("b.example.com"), resolution.LinkTo(resolution.ByUID("origin"), "subdomain"))
	result.Add(domain("c.a.example.com"), resolution.LinkTo(resolution.ByIndex(0), "child"))

	merge, err := b.Merge(context.Background(), result, "origin")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merge.Created) != 3 {
		t.Fatalf("expected 3 created entities, got %d", len(merge.Created))
	}
	edges, _ := g.Edges(context.Background())
	edge, ok := findEdge(edges, merge.UIDs[2], merge.UIDs[0])
	if !ok {
		t.Fatalf("expected edge item2 -> item0, got %+v", edges)
	}
	if edge.Label != "child" {
		t.Fatalf("unexpected label %q", edge.Label)
	}
	if _, ok := findEdge(edges, merge.UIDs[2], merge.UIDs[1]); ok {
		t.Fatalf("item2 must not link to item1")
	}
}

func TestMergeDeferredSelectorLinksToNextItem(t *testing.T) {
	g, _ := seededGraph(t)
	b := NewBuilder(g, WithUIDGenerator(sequentialUIDs()))
	result := resolution.Result{
		{Entity: domain("a.example.com"), Links: []resolution.Link{resolution.LinkTo(resolution.Deferred(), "L1")}},
		{Entity: domain("b.example.com"), Links: []resolution.Link{resolution.LinkTo(resolution.ByUID("origin"), "L2")}},
	}
	merge, err := b.Merge(context.Background(), result, "")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	a, bb := merge.UIDs[0], merge.UIDs[1]
	edges, _ := g.Edges(context.Background())
	if e, ok := findEdge(edges, a, bb); !ok || e.Label != "L1" {
		t.Fatalf("expected A->B labelled L1, got %+v", edges)
	}
	if e, ok := findEdge(edges, bb, "origin"); !ok || e.Label != "L2" {
		t.Fatalf("expected B->origin labelled L2, got %+v", edges)
	}
	if len(edges) != 2 {
		t.Fatalf("expected exactly two edges, got %d", len(edges))
	}
}

func TestMergeDeferredSelectorSharedParent(t *testing.T) {
	g, _ := seededGraph(t)
	b := NewBuilder(g, WithUIDGenerator(sequentialUIDs()))
	var result resolution.Result
	// Children are emitted before their parent is complete; each one chains
	// to the following item until the parent closes the run.
	result.Add(domain("mx1.example.com"), resolution.LinkTo(resolution.Deferred(), "mx"))
	result.Add(domain("mx2.example.com"), resolution.LinkTo(resolution.Deferred(), "mx"))
	result.Add(domain("mail.example.com"), resolution.LinkTo(resolution.ByUID("origin"), "mail"))
	merge, err := b.Merge(context.Background(), result, "origin")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	edges, _ := g.Edges(context.Background())
	if _, ok := findEdge(edges, merge.UIDs[0], merge.UIDs[1]); !ok {
		t.Fatalf("expected item0 -> item1")
	}
	if _, ok := findEdge(edges, merge.UIDs[1], merge.UIDs[2]); !ok {
		t.Fatalf("expected item1 -> item2")
	}
}

func TestMergeRejectsOutOfRangeIndexAtomically(t *testing.T) {
	g, _ := seededGraph(t)
	b := NewBuilder(g, WithUIDGenerator(sequentialUIDs()))
	var result resolution.Result
	result.Add(domain("a.example.com"), resolution.LinkTo(resolution.ByUID("origin"), "x"))
	result.Add(domain("b.example.com"), resolution.LinkTo(resolution.ByIndex(0), "y"))
	result.Add(domain("c.example.com"), resolution.LinkTo(resolution.ByIndex(5), "z"))

	_, err := b.Merge(context.Background(), result, "origin")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Item != 2 {
		t.Fatalf("expected item 2 to be blamed, got %d", perr.Item)
	}
	entities, _ := g.Entities(context.Background())
	if len(entities) != 1 {
		t.Fatalf("graph must be unchanged, got %d entities", len(entities))
	}
	edges, _ := g.Edges(context.Background())
	if len(edges) != 0 {
		t.Fatalf("graph must have no edges, got %d", len(edges))
	}
}

func TestMergeProtocolViolations(t *testing.T) {
	cases := []struct {
		name   string
		result resolution.Result
		item   int
	}{
		{
			name: "missing type",
			result: resolution.Result{
				{Entity: domain("ok.example.com")},
				{Entity: resolution.Entity{Fields: []resolution.Field{{Name: "Name", Value: "x"}}}},
			},
			item: 1,
		},
		{
			name: "unknown uid",
			result: resolution.Result{
				{Entity: domain("a.example.com"), Links: []resolution.Link{resolution.LinkTo(resolution.ByUID("nope"), "x")}},
			},
			item: 0,
		},
		{
			name: "forward index",
			result: resolution.Result{
				{Entity: domain("a.example.com"), Links: []resolution.Link{resolution.LinkTo(resolution.ByIndex(1), "x")}},
				{Entity: domain("b.example.com")},
			},
			item: 0,
		},
		{
			name: "self index",
			result: resolution.Result{
				{Entity: domain("a.example.com"), Links: []resolution.Link{resolution.LinkTo(resolution.ByIndex(0), "x")}},
			},
			item: 0,
		},
		{
			name: "deferred on last item",
			result: resolution.Result{
				{Entity: domain("a.example.com")},
				{Entity: domain("b.example.com"), Links: []resolution.Link{resolution.LinkTo(resolution.Deferred(), "x")}},
			},
			item: 1,
		},
		{
			name: "unset selector",
			result: resolution.Result{
				{Entity: domain("a.example.com"), Links: []resolution.Link{{Label: "x"}}},
			},
			item: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _ := seededGraph(t)
			b := NewBuilder(g)
			_, err := b.Merge(context.Background(), tc.result, "origin")
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
			if perr.Item != tc.item {
				t.Fatalf("expected item %d, got %d (%s)", tc.item, perr.Item, perr.Reason)
			}
			entities, _ := g.Entities(context.Background())
			if len(entities) != 1 {
				t.Fatalf("graph changed after rejected merge")
			}
		})
	}
}

func TestMergeAttachesUnlinkedItemsToOrigin(t *testing.T) {
	g, _ := seededGraph(t)
	b := NewBuilder(g)
	var result resolution.Result
	result.Add(resolution.NewEntity("IPv4 Address", resolution.Attr("IPv4 Address", "93.184.216.34")))
	merge, err := b.Merge(context.Background(), result, "origin")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	edges, _ := g.Edges(context.Background())
	if _, ok := findEdge(edges, merge.UIDs[0], "origin"); !ok {
		t.Fatalf("expected unlinked item to attach to origin, got %+v", edges)
	}
	if _, err := b.Merge(context.Background(), result, "missing"); !errors.Is(err, ErrUnknownOrigin) {
		t.Fatalf("expected ErrUnknownOrigin, got %v", err)
	}
}

type staticSchema map[string]string

func (s staticSchema) PrimaryField(entityType string) (string, bool) {
	f, ok := s[entityType]
	return f, ok
}

func TestMergeReusesExistingEntities(t *testing.T) {
	g, _ := seededGraph(t)
	b := NewBuilder(g, WithSchema(staticSchema{"Domain": "Domain Name"}))
	var result resolution.Result
	// Attribute order differs from the schema; the registered primary field
	// still identifies the entity.
	dup := resolution.NewEntity("Domain", resolution.Attr("Registrar", "IANA"), resolution.Attr("Domain Name", "example.com"))
	result.Add(dup, resolution.LinkTo(resolution.ByUID("origin"), "self"))
	result.Add(domain("www.example.com"), resolution.LinkTo(resolution.ByIndex(0), "sub"))
	result.Add(domain("www.example.com"), resolution.LinkTo(resolution.ByIndex(0), "sub"))

	merge, err := b.Merge(context.Background(), result, "")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merge.UIDs[0] != "origin" {
		t.Fatalf("expected item 0 to reuse the origin entity, got %s", merge.UIDs[0])
	}
	if merge.UIDs[1] != merge.UIDs[2] {
		t.Fatalf("duplicate items in one result must share a uid")
	}
	if len(merge.Created) != 1 || merge.Reused != 2 {
		t.Fatalf("unexpected counts created=%d reused=%d", len(merge.Created), merge.Reused)
	}
	edges, _ := g.Edges(context.Background())
	if len(edges) != 1 {
		t.Fatalf("self edges and duplicates must be dropped, got %+v", edges)
	}
}

func TestConcurrentMergesAreSerialized(t *testing.T) {
	g, _ := seededGraph(t)
	b := NewBuilder(g)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var result resolution.Result
			parent := result.Add(domain(fmt.Sprintf("p%d.example.com", i)), resolution.LinkTo(resolution.ByUID("origin"), "p"))
			result.Add(domain(fmt.Sprintf("c%d.example.com", i)), resolution.LinkTo(resolution.ByIndex(parent), "c"))
			_, err := b.Merge(context.Background(), result, "origin")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	entities, _ := g.Entities(context.Background())
	if len(entities) != 41 {
		t.Fatalf("expected 41 entities, got %d", len(entities))
	}
	edges, _ := g.Edges(context.Background())
	byUID := map[string]resolution.Entity{}
	for _, e := range entities {
		byUID[e.UID] = e
	}
	for _, e := range edges {
		if e.Label != "c" {
			continue
		}
		child, _ := byUID[e.Source].Get("Domain Name")
		parent, _ := byUID[e.Target].Get("Domain Name")
		if child[1:] != parent[1:] {
			t.Fatalf("child %s linked to wrong parent %s", child, parent)
		}
	}
}

func TestAddSeedsAndReusesEntities(t *testing.T) {
	g := NewMemoryGraph()
	b := NewBuilder(g)
	uids, err := b.Add(context.Background(),
		resolution.NewEntity("Domain", resolution.Attr("Domain Name", "example.com")),
		resolution.NewEntity("Domain", resolution.Attr("Domain Name", "example.org")),
	)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(uids) != 2 || uids[0] == "" || uids[0] == uids[1] {
		t.Fatalf("unexpected uids %v", uids)
	}
	again, err := b.Add(context.Background(), resolution.NewEntity("Domain", resolution.Attr("Domain Name", "example.com")))
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if again[0] != uids[0] {
		t.Fatalf("expected reuse of %s, got %s", uids[0], again[0])
	}
	if _, err := b.Add(context.Background(), resolution.Entity{}); err == nil {
		t.Fatalf("expected invalid entity to be rejected")
	}
	entities, _ := g.Entities(context.Background())
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
}

func TestAddRefusesTakenUID(t *testing.T) {
	ctx := context.Background()
	g, origin := seededGraph(t)
	b := NewBuilder(g)
	intruder := domain("evil.example")
	intruder.UID = origin.UID
	if _, err := b.Add(ctx, intruder); !errors.Is(err, ErrEntityExists) {
		t.Fatalf("expected ErrEntityExists, got %v", err)
	}
	got, _, _ := g.Entity(ctx, origin.UID)
	if got.Fields[0].Value != "example.com" {
		t.Fatalf("existing entity changed: %+v", got.Fields)
	}
	entities, _ := g.Entities(ctx)
	if len(entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(entities))
	}

	err := g.Update(ctx, func(tx Tx) error {
		fresh := domain("a.example.com")
		fresh.UID = "fresh"
		if err := tx.PutEntity(fresh); err != nil {
			return err
		}
		return tx.PutEntity(fresh)
	})
	if !errors.Is(err, ErrEntityExists) {
		t.Fatalf("expected staged uid to be refused, got %v", err)
	}
}
