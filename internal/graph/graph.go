// Package graph merges resolution results into the project graph.
//
// A merge runs in two phases inside one store transaction: the plan phase
// assigns uids, resolves every parent selector (deferred ones included) and
// validates the whole result without writing anything; the apply phase then
// writes the planned entities and edges. A result that violates the output
// protocol is rejected as a whole.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/sleuth/resolution"
)

// ErrUnknownOrigin is returned when the origin uid of a merge is not in the
// graph.
var ErrUnknownOrigin = errors.New("graph: origin entity not found")

// ErrEntityExists is returned when an entity is written under a uid the
// graph already holds. Entities never change once created.
var ErrEntityExists = errors.New("graph: entity already exists")

// Edge is a provenance link from a new entity (Source) to its parent
// (Target).
type Edge struct {
	Source  string    `json:"source"`
	Target  string    `json:"target"`
	Label   string    `json:"label,omitempty"`
	Notes   string    `json:"notes,omitempty"`
	Created time.Time `json:"created"`
}

// Tx is the view of the graph a merge works against.
type Tx interface {
	Entity(uid string) (resolution.Entity, bool, error)
	// FindByField returns the uid of an entity of the given type whose
	// attribute field has value.
	FindByField(entityType, field, value string) (string, bool, error)
	HasEdge(source, target, label string) (bool, error)
	// PutEntity stores a new entity. It fails with ErrEntityExists when the
	// uid is taken.
	PutEntity(e resolution.Entity) error
	PutEdge(e Edge) error
}

// Store is a project graph. Update runs fn atomically: when fn returns an
// error nothing it wrote is kept. Updates are serialized.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	Entity(ctx context.Context, uid string) (resolution.Entity, bool, error)
	Entities(ctx context.Context) ([]resolution.Entity, error)
	Edges(ctx context.Context) ([]Edge, error)
	Close() error
}

// ProtocolError reports a result that violates the output contract. Item is
// the zero-based position of the offending item.
type ProtocolError struct {
	Item   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("graph: result item %d: %s", e.Item, e.Reason)
}

func protocolErrorf(item int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Item: item, Reason: fmt.Sprintf(format, args...)}
}
