package store

import (
	"context"

	"github.com/craterlabs/tract"
)

// Repository is the persistence contract for one entity type. T is the
// pointer type of a struct embedding tract.Meta.
//
// Methods that take a Filter operate on the first matching entity (Get,
// Update, Delete) or on all matching entities (GetAll, UpdateAll,
// DeleteAll). A conditional Update whose filter matches nothing returns
// tract.ErrNotFound rather than failing the caller; a RevisionConflict is
// implied by that same result.
type Repository[T tract.Entity] interface {
	// Get returns the first entity matching filter, or tract.ErrNotFound.
	Get(ctx context.Context, filter Filter) (T, error)

	// GetAll returns every entity matching filter.
	GetAll(ctx context.Context, filter Filter) ([]T, error)

	// Exists reports whether any entity matches filter.
	Exists(ctx context.Context, filter Filter) (bool, error)

	// Count returns the number of entities matching filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Insert persists a new entity with revision 1. A missing ID is
	// generated. Unique-key violations surface as tract.ErrAlreadyExists.
	Insert(ctx context.Context, entity T) error

	// InsertAll persists a batch of new entities.
	InsertAll(ctx context.Context, entities []T) error

	// Update atomically applies the mutation to the first entity matching
	// filter and increments its revision. Returns the updated entity, or
	// the pre-image when ReturnOriginal is set. With Upsert set, a missing
	// entity is created instead of returning tract.ErrNotFound.
	Update(ctx context.Context, filter Filter, update *Update, opts ...UpdateOption) (T, error)

	// UpdateAll applies the mutation to every entity matching filter and
	// returns the number of entities modified.
	UpdateAll(ctx context.Context, filter Filter, update *Update) (int64, error)

	// Delete removes the first entity matching filter and returns it, or
	// tract.ErrNotFound.
	Delete(ctx context.Context, filter Filter) (T, error)

	// DeleteAll removes every entity matching filter.
	DeleteAll(ctx context.Context, filter Filter) (int64, error)

	// Subscribe returns a handle whose current Change reflects the state
	// of the first matching entity at subscription time. The handle rides
	// the store's change feed from its own snapshot, so no event between
	// snapshot and feed-attachment is lost.
	Subscribe(ctx context.Context, filter Filter) (Subscription[T], error)
}

// Transactor executes a body within a store transaction. Transient
// transaction errors are retried by the implementation per the backend's
// retry guidance, transparently to the caller. Repository calls made with
// the ctx passed to fn participate in the transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// UpdateOption configures a single Update call.
type UpdateOption func(*UpdateOptions)

// UpdateOptions holds resolved update call options.
type UpdateOptions struct {
	Upsert         bool
	ReturnOriginal bool
}

// Upsert makes Update insert the entity when the filter matches nothing.
func Upsert() UpdateOption {
	return func(o *UpdateOptions) { o.Upsert = true }
}

// ReturnOriginal makes Update return the entity as it was before the
// mutation was applied.
func ReturnOriginal() UpdateOption {
	return func(o *UpdateOptions) { o.ReturnOriginal = true }
}

// ResolveUpdateOptions applies opts to a zero UpdateOptions.
func ResolveUpdateOptions(opts []UpdateOption) UpdateOptions {
	var o UpdateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
