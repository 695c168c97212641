package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/sleuth/resolution"
)

// PrimaryFields resolves the primary field of an entity type. The schema
// registry implements it.
type PrimaryFields interface {
	PrimaryField(entityType string) (string, bool)
}

// Option customises a Builder.
type Option func(*Builder)

// WithSchema makes deduplication use the registered primary field of a type
// instead of the first attribute of the entity.
func WithSchema(schema PrimaryFields) Option {
	return func(b *Builder) { b.schema = schema }
}

// WithUIDGenerator replaces uuid generation.
func WithUIDGenerator(fn func() string) Option {
	return func(b *Builder) { b.newUID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(b *Builder) { b.now = fn }
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// Builder converts results into graph mutations.
type Builder struct {
	store  Store
	schema PrimaryFields
	newUID func() string
	now    func() time.Time
	logger *slog.Logger
}

// NewBuilder returns a builder writing into store.
func NewBuilder(store Store, opts ...Option) *Builder {
	b := &Builder{
		store:  store,
		newUID: func() string { return uuid.NewString() },
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store returns the graph the builder writes into.
func (b *Builder) Store() Store { return b.store }

// Merge is what one merged result added to the graph.
type Merge struct {
	// UIDs holds the uid each result item resolved to, by position.
	UIDs []string
	// Created lists the entities that did not exist before.
	Created []resolution.Entity
	// Reused counts items that matched an existing entity.
	Reused int
	Edges  []Edge
}

type plannedItem struct {
	uid    string
	entity resolution.Entity
	fresh  bool
}

type plan struct {
	items []plannedItem
	edges []Edge
}

// Merge plans and applies result atomically. Items without links attach to
// originUID when it is set.
func (b *Builder) Merge(ctx context.Context, result resolution.Result, originUID string) (*Merge, error) {
	var out *Merge
	err := b.store.Update(ctx, func(tx Tx) error {
		p, err := b.plan(tx, result, strings.TrimSpace(originUID))
		if err != nil {
			return err
		}
		if err := b.apply(tx, p); err != nil {
			return err
		}
		out = p.merge()
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("merged result", "items", len(result), "created", len(out.Created), "edges", len(out.Edges))
	return out, nil
}

func (b *Builder) plan(tx Tx, result resolution.Result, originUID string) (*plan, error) {
	now := b.now().UTC()
	if originUID != "" && needsOrigin(result) {
		if _, ok, err := tx.Entity(originUID); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrUnknownOrigin
		}
	}

	p := &plan{items: make([]plannedItem, len(result))}
	seen := map[string]string{}

	// Pass one: every item gets a uid, so index and deferred selectors can
	// be resolved in either direction afterwards.
	for i, item := range result {
		entity := item.Entity.Clone()
		entity.Type = strings.TrimSpace(entity.Type)
		if err := entity.Validate(); err != nil {
			return nil, protocolErrorf(i, "%v", err)
		}
		key, field, value := b.identity(entity)
		if key != "" {
			if uid, ok := seen[key]; ok {
				p.items[i] = plannedItem{uid: uid, entity: entity}
				continue
			}
			uid, ok, err := tx.FindByField(entity.Type, field, value)
			if err != nil {
				return nil, err
			}
			if ok {
				seen[key] = uid
				p.items[i] = plannedItem{uid: uid, entity: entity}
				continue
			}
		}
		entity.UID = b.newUID()
		if entity.Created.IsZero() {
			entity.Created = now
		}
		if key != "" {
			seen[key] = entity.UID
		}
		p.items[i] = plannedItem{uid: entity.UID, entity: entity, fresh: true}
	}

	// Pass two: resolve selectors against the planned uids.
	edgeSeen := map[[3]string]struct{}{}
	addEdge := func(e Edge) error {
		if e.Source == e.Target {
			return nil
		}
		k := [3]string{e.Source, e.Target, e.Label}
		if _, dup := edgeSeen[k]; dup {
			return nil
		}
		edgeSeen[k] = struct{}{}
		exists, err := tx.HasEdge(e.Source, e.Target, e.Label)
		if err != nil {
			return err
		}
		if !exists {
			p.edges = append(p.edges, e)
		}
		return nil
	}
	for i, item := range result {
		source := p.items[i].uid
		if len(item.Links) == 0 {
			if originUID != "" {
				if err := addEdge(Edge{Source: source, Target: originUID, Created: now}); err != nil {
					return nil, err
				}
			}
			continue
		}
		for _, link := range item.Links {
			var target string
			switch link.Parent.Kind() {
			case resolution.SelectUID:
				uid := link.Parent.UID()
				if uid == "" {
					return nil, protocolErrorf(i, "parent uid is empty")
				}
				if _, ok, err := tx.Entity(uid); err != nil {
					return nil, err
				} else if !ok {
					return nil, protocolErrorf(i, "parent uid %s is not in the graph", uid)
				}
				target = uid
			case resolution.SelectIndex:
				idx := link.Parent.Index()
				if idx < 0 || idx >= len(result) {
					return nil, protocolErrorf(i, "parent index %d is out of range for %d items", idx, len(result))
				}
				if idx >= i {
					return nil, protocolErrorf(i, "parent index %d does not point to an earlier item", idx)
				}
				target = p.items[idx].uid
			case resolution.SelectDeferred:
				if i+1 >= len(result) {
					return nil, protocolErrorf(i, "deferred parent on the last item has nothing to attach to")
				}
				target = p.items[i+1].uid
			default:
				return nil, protocolErrorf(i, "link has no parent selector")
			}
			created := now
			if link.Created != nil && !link.Created.IsZero() {
				created = link.Created.UTC()
			}
			edge := Edge{
				Source:  source,
				Target:  target,
				Label:   strings.TrimSpace(link.Label),
				Notes:   link.Notes,
				Created: created,
			}
			if err := addEdge(edge); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (b *Builder) apply(tx Tx, p *plan) error {
	for _, item := range p.items {
		if !item.fresh {
			continue
		}
		if err := tx.PutEntity(item.entity); err != nil {
			return err
		}
	}
	for _, edge := range p.edges {
		if err := tx.PutEdge(edge); err != nil {
			return err
		}
	}
	return nil
}

// identity returns the dedup key of an entity: its type plus primary field
// value. Entities without a primary value are never deduplicated.
func (b *Builder) identity(e resolution.Entity) (key, field, value string) {
	if b.schema != nil {
		if name, ok := b.schema.PrimaryField(e.Type); ok && name != "" {
			field = name
		}
	}
	if field == "" {
		primary, ok := e.PrimaryField()
		if !ok {
			return "", "", ""
		}
		field = primary.Name
	}
	value, ok := e.Get(field)
	if !ok || strings.TrimSpace(value) == "" {
		return "", "", ""
	}
	return e.Type + "\x00" + field + "\x00" + value, field, value
}

func (p *plan) merge() *Merge {
	m := &Merge{UIDs: make([]string, len(p.items)), Edges: p.edges}
	for i, item := range p.items {
		m.UIDs[i] = item.uid
		if item.fresh {
			m.Created = append(m.Created, item.entity)
		} else {
			m.Reused++
		}
	}
	return m
}

func needsOrigin(result resolution.Result) bool {
	for _, item := range result {
		if len(item.Links) == 0 {
			return true
		}
	}
	return false
}

// Add places entities in the graph without links, e.g. the starting points
// of an investigation. Entities matching an existing one by type and
// primary field reuse its uid. A caller-supplied uid that is already taken
// by another entity fails with ErrEntityExists. The returned uids follow
// the input order.
func (b *Builder) Add(ctx context.Context, entities ...resolution.Entity) ([]string, error) {
	uids := make([]string, len(entities))
	err := b.store.Update(ctx, func(tx Tx) error {
		now := b.now().UTC()
		for i, e := range entities {
			entity := e.Clone()
			entity.Type = strings.TrimSpace(entity.Type)
			if err := entity.Validate(); err != nil {
				return fmt.Errorf("graph: entity %d: %w", i, err)
			}
			if key, field, value := b.identity(entity); key != "" {
				uid, ok, err := tx.FindByField(entity.Type, field, value)
				if err != nil {
					return err
				}
				if ok {
					uids[i] = uid
					continue
				}
			}
			entity.UID = strings.TrimSpace(entity.UID)
			if entity.UID == "" {
				entity.UID = b.newUID()
			} else if _, exists, err := tx.Entity(entity.UID); err != nil {
				return err
			} else if exists {
				return fmt.Errorf("graph: entity %d: %w: %s", i, ErrEntityExists, entity.UID)
			}
			if entity.Created.IsZero() {
				entity.Created = now
			}
			if err := tx.PutEntity(entity); err != nil {
				return err
			}
			uids[i] = entity.UID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}
