// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
//
// Entities are kept as serialized JSON, so callers never share memory
// with the store and every read returns an independent copy.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/id"
	"github.com/craterlabs/tract/store"
)

// Repository is an in-memory store.Repository implementation.
type Repository[T tract.Entity] struct {
	mu       sync.Mutex
	entities map[string][]byte
	subs     map[*subscription[T]]store.Filter
	newID    func() string
}

var _ store.Repository[*testEntity] = (*Repository[*testEntity])(nil)

// testEntity exists only to anchor the compile-time interface check.
type testEntity struct{ tract.Meta }

// Option configures a Repository.
type Option[T tract.Entity] func(*Repository[T])

// WithIDFunc overrides how IDs are generated for entities inserted
// without one.
func WithIDFunc[T tract.Entity](fn func() string) Option[T] {
	return func(r *Repository[T]) { r.newID = fn }
}

// NewRepository returns a new empty Repository.
func NewRepository[T tract.Entity](opts ...Option[T]) *Repository[T] {
	r := &Repository[T]{
		entities: make(map[string][]byte),
		subs:     make(map[*subscription[T]]store.Filter),
		newID:    func() string { return id.New("doc") },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Count returns the number of entities matching filter.
func (r *Repository[T]) Count(_ context.Context, filter store.Filter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, data := range r.entities {
		if filter.Matches(r.decode(data)) {
			n++
		}
	}
	return n, nil
}

// Get returns the first entity matching filter.
func (r *Repository[T]) Get(_ context.Context, filter store.Filter) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	e, ok := r.firstMatch(filter)
	if !ok {
		return zero, tract.ErrNotFound
	}
	return e, nil
}

// GetAll returns every entity matching filter, ordered by id.
func (r *Repository[T]) GetAll(_ context.Context, filter store.Filter) ([]T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []T
	for _, key := range r.sortedIDs() {
		e := r.decode(r.entities[key])
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// Exists reports whether any entity matches filter.
func (r *Repository[T]) Exists(_ context.Context, filter store.Filter) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.firstMatch(filter)
	return ok, nil
}

// Insert persists a new entity with revision 1.
func (r *Repository[T]) Insert(_ context.Context, entity T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(entity)
}

// InsertAll persists a batch of new entities.
func (r *Repository[T]) InsertAll(_ context.Context, entities []T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entities {
		if err := r.insertLocked(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository[T]) insertLocked(entity T) error {
	if entity.EntityID() == "" {
		entity.SetEntityID(r.newID())
	}
	if _, exists := r.entities[entity.EntityID()]; exists {
		return tract.ErrAlreadyExists
	}
	entity.SetEntityRevision(1)
	r.entities[entity.EntityID()] = r.encode(entity)
	r.notify(store.ChangeInsert, entity)
	return nil
}

// Update atomically applies update to the first entity matching filter and
// increments its revision.
func (r *Repository[T]) Update(
	_ context.Context,
	filter store.Filter,
	update *store.Update,
	opts ...store.UpdateOption,
) (T, error) {
	o := store.ResolveUpdateOptions(opts)

	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	original, ok := r.firstMatch(filter)
	if !ok {
		if !o.Upsert {
			return zero, tract.ErrNotFound
		}
		inserted, err := r.upsertLocked(filter, update)
		if err != nil {
			return zero, err
		}
		if o.ReturnOriginal {
			return zero, nil
		}
		return inserted, nil
	}

	updated := r.decode(r.entities[original.EntityID()])
	if err := update.Apply(updated, false); err != nil {
		return zero, err
	}
	updated.SetEntityRevision(original.EntityRevision() + 1)
	r.entities[updated.EntityID()] = r.encode(updated)
	r.notify(store.ChangeUpdate, updated)

	if o.ReturnOriginal {
		return original, nil
	}
	return updated, nil
}

// upsertLocked creates a new entity from the filter's equality conditions
// plus the update, the way a native document upsert composes one.
func (r *Repository[T]) upsertLocked(filter store.Filter, update *store.Update) (T, error) {
	var zero T
	entity := newEntity[T]()
	for _, c := range filter.Conditions() {
		if c.Op != store.OpEq {
			continue
		}
		if c.Field == "_id" {
			entity.SetEntityID(c.Value.(string))
			continue
		}
		seed := store.NewUpdate().Set(c.Field, c.Value)
		if err := seed.Apply(entity, true); err != nil {
			return zero, err
		}
	}
	if err := update.Apply(entity, true); err != nil {
		return zero, err
	}
	if entity.EntityID() == "" {
		entity.SetEntityID(r.newID())
	}
	entity.SetEntityRevision(1)
	r.entities[entity.EntityID()] = r.encode(entity)
	r.notify(store.ChangeInsert, entity)
	return entity, nil
}

// UpdateAll applies update to every entity matching filter.
func (r *Repository[T]) UpdateAll(
	_ context.Context,
	filter store.Filter,
	update *store.Update,
) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, key := range r.sortedIDs() {
		e := r.decode(r.entities[key])
		if !filter.Matches(e) {
			continue
		}
		if err := update.Apply(e, false); err != nil {
			return n, err
		}
		e.SetEntityRevision(e.EntityRevision() + 1)
		r.entities[key] = r.encode(e)
		r.notify(store.ChangeUpdate, e)
		n++
	}
	return n, nil
}

// Delete removes the first entity matching filter and returns it.
func (r *Repository[T]) Delete(_ context.Context, filter store.Filter) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	e, ok := r.firstMatch(filter)
	if !ok {
		return zero, tract.ErrNotFound
	}
	delete(r.entities, e.EntityID())
	r.notify(store.ChangeDelete, e)
	return e, nil
}

// DeleteAll removes every entity matching filter.
func (r *Repository[T]) DeleteAll(_ context.Context, filter store.Filter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, key := range r.sortedIDs() {
		e := r.decode(r.entities[key])
		if !filter.Matches(e) {
			continue
		}
		delete(r.entities, key)
		r.notify(store.ChangeDelete, e)
		n++
	}
	return n, nil
}

// Subscribe returns a subscription reflecting the entity's state at
// subscription time.
func (r *Repository[T]) Subscribe(_ context.Context, filter store.Filter) (store.Subscription[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	initial := store.EntityChange[T]{Type: store.ChangeDelete}
	if e, ok := r.firstMatch(filter); ok {
		initial = store.EntityChange[T]{Type: store.ChangeUpdate, Entity: e}
	}
	sub := newSubscription(initial, func(s *subscription[T]) {
		r.mu.Lock()
		delete(r.subs, s)
		r.mu.Unlock()
	})
	r.subs[sub] = filter
	return sub, nil
}

// ── internal ─────────────────────────────────────────────────────

// notify routes a change to every subscription it concerns. A subscription
// with no current entity only attaches to changes matching its filter; one
// tracking an entity follows that entity by id until it is deleted.
func (r *Repository[T]) notify(changeType store.ChangeType, entity T) {
	for sub, filter := range r.subs {
		cur := sub.Change()
		if store.IsNilEntity(cur.Entity) {
			if changeType != store.ChangeDelete && filter.Matches(entity) {
				sub.handleChange(store.EntityChange[T]{Type: changeType, Entity: entity})
			}
			continue
		}
		if cur.Entity.EntityID() != entity.EntityID() {
			continue
		}
		if changeType == store.ChangeDelete {
			var zero T
			sub.handleChange(store.EntityChange[T]{Type: store.ChangeDelete, Entity: zero})
		} else if entity.EntityRevision() > cur.Entity.EntityRevision() {
			sub.handleChange(store.EntityChange[T]{Type: changeType, Entity: entity})
		}
	}
}

func (r *Repository[T]) firstMatch(filter store.Filter) (T, bool) {
	for _, key := range r.sortedIDs() {
		e := r.decode(r.entities[key])
		if filter.Matches(e) {
			return e, true
		}
	}
	var zero T
	return zero, false
}

func (r *Repository[T]) sortedIDs() []string {
	keys := make([]string, 0, len(r.entities))
	for k := range r.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Repository[T]) encode(entity T) []byte {
	data, err := json.Marshal(entity)
	if err != nil {
		panic(fmt.Sprintf("memory: marshal entity %q: %v", entity.EntityID(), err))
	}
	return data
}

func (r *Repository[T]) decode(data []byte) T {
	e := newEntity[T]()
	if err := json.Unmarshal(data, e); err != nil {
		panic(fmt.Sprintf("memory: unmarshal entity: %v", err))
	}
	return e
}

// newEntity allocates a fresh entity of the repository's element type.
func newEntity[T tract.Entity]() T {
	var zero T
	t := reflectTypeOf(zero)
	return reflectNew(t).(T)
}
