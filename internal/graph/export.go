package graph

import (
	"context"

	"github.com/kingrea/sleuth/resolution"
)

// Snapshot is a full copy of a graph.
type Snapshot struct {
	Entities []resolution.Entity `json:"entities"`
	Edges    []Edge              `json:"edges"`
}

// Export reads every entity and edge of store.
func Export(ctx context.Context, store Store) (Snapshot, error) {
	entities, err := store.Entities(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	edges, err := store.Edges(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Entities: entities, Edges: edges}, nil
}
