package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/kingrea/sleuth/resolution"
)

// MemoryGraph is an in-process Store. Writes of an Update are staged and
// only become visible when the update function succeeds.
type MemoryGraph struct {
	mu       sync.Mutex
	entities map[string]resolution.Entity
	order    []string
	edges    []Edge
}

// NewMemoryGraph returns an empty graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{entities: map[string]resolution.Entity{}}
}

// Seed adds entities outside of a merge, e.g. the user's starting nodes.
func (g *MemoryGraph) Seed(entities ...resolution.Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range entities {
		if _, exists := g.entities[e.UID]; !exists {
			g.order = append(g.order, e.UID)
		}
		g.entities[e.UID] = e.Clone()
	}
}

func (g *MemoryGraph) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	tx := &memoryTx{graph: g, staged: map[string]resolution.Entity{}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, uid := range tx.order {
		g.entities[uid] = tx.staged[uid]
		g.order = append(g.order, uid)
	}
	g.edges = append(g.edges, tx.edges...)
	return nil
}

func (g *MemoryGraph) Entity(_ context.Context, uid string) (resolution.Entity, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entities[uid]
	if !ok {
		return resolution.Entity{}, false, nil
	}
	return e.Clone(), true, nil
}

func (g *MemoryGraph) Entities(context.Context) ([]resolution.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]resolution.Entity, 0, len(g.order))
	for _, uid := range g.order {
		out = append(out, g.entities[uid].Clone())
	}
	return out, nil
}

func (g *MemoryGraph) Edges(context.Context) ([]Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Edge(nil), g.edges...), nil
}

func (g *MemoryGraph) Close() error { return nil }

type memoryTx struct {
	graph  *MemoryGraph
	staged map[string]resolution.Entity
	order  []string
	edges  []Edge
}

func (tx *memoryTx) Entity(uid string) (resolution.Entity, bool, error) {
	if e, ok := tx.staged[uid]; ok {
		return e.Clone(), true, nil
	}
	e, ok := tx.graph.entities[uid]
	if !ok {
		return resolution.Entity{}, false, nil
	}
	return e.Clone(), true, nil
}

func (tx *memoryTx) FindByField(entityType, field, value string) (string, bool, error) {
	for _, uid := range tx.graph.order {
		if matches(tx.graph.entities[uid], entityType, field, value) {
			return uid, true, nil
		}
	}
	for _, uid := range tx.order {
		if matches(tx.staged[uid], entityType, field, value) {
			return uid, true, nil
		}
	}
	return "", false, nil
}

func (tx *memoryTx) HasEdge(source, target, label string) (bool, error) {
	for _, list := range [][]Edge{tx.graph.edges, tx.edges} {
		for _, e := range list {
			if e.Source == source && e.Target == target && e.Label == label {
				return true, nil
			}
		}
	}
	return false, nil
}

func (tx *memoryTx) PutEntity(e resolution.Entity) error {
	_, staged := tx.staged[e.UID]
	_, stored := tx.graph.entities[e.UID]
	if staged || stored {
		return fmt.Errorf("%w: %s", ErrEntityExists, e.UID)
	}
	tx.order = append(tx.order, e.UID)
	tx.staged[e.UID] = e.Clone()
	return nil
}

func (tx *memoryTx) PutEdge(e Edge) error {
	tx.edges = append(tx.edges, e)
	return nil
}

func matches(e resolution.Entity, entityType, field, value string) bool {
	if e.Type != entityType {
		return false
	}
	v, ok := e.Get(field)
	return ok && v == value
}
