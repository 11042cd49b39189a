package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/id"
	"github.com/craterlabs/tract/store"
)

// Repository is a MongoDB implementation of store.Repository. One
// Repository wraps one collection; the caller owns the client lifecycle.
type Repository[T tract.Entity] struct {
	coll   *mongod.Collection
	logger *slog.Logger
	newID  func() string
}

// Option configures a Repository.
type Option[T tract.Entity] func(*Repository[T])

// WithLogger sets the logger for the repository.
func WithLogger[T tract.Entity](logger *slog.Logger) Option[T] {
	return func(r *Repository[T]) { r.logger = logger }
}

// WithIDFunc overrides how IDs are generated for entities inserted
// without one.
func WithIDFunc[T tract.Entity](fn func() string) Option[T] {
	return func(r *Repository[T]) { r.newID = fn }
}

// NewRepository creates a Repository over the given collection.
func NewRepository[T tract.Entity](coll *mongod.Collection, opts ...Option[T]) *Repository[T] {
	r := &Repository[T]{
		coll:   coll,
		logger: slog.Default(),
		newID:  func() string { return id.New("doc") },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Collection returns the underlying collection for advanced usage.
func (r *Repository[T]) Collection() *mongod.Collection { return r.coll }

// Get returns the first entity matching filter.
func (r *Repository[T]) Get(ctx context.Context, filter store.Filter) (T, error) {
	var entity T
	res := r.coll.FindOne(ctx, toBSON(filter))
	entity, err := decodeOne[T](res)
	if err != nil {
		return entity, err
	}
	return entity, nil
}

// GetAll returns every entity matching filter.
func (r *Repository[T]) GetAll(ctx context.Context, filter store.Filter) ([]T, error) {
	cursor, err := r.coll.Find(ctx, toBSON(filter))
	if err != nil {
		return nil, fmt.Errorf("tract/mongo: find: %w", err)
	}
	var result []T
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("tract/mongo: decode: %w", err)
	}
	return result, nil
}

// Exists reports whether any entity matches filter.
func (r *Repository[T]) Exists(ctx context.Context, filter store.Filter) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, toBSON(filter), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("tract/mongo: count: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of documents matching filter.
func (r *Repository[T]) Count(ctx context.Context, filter store.Filter) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, toBSON(filter))
	if err != nil {
		return 0, fmt.Errorf("tract/mongo: count: %w", err)
	}
	return n, nil
}

// Insert persists a new entity with revision 1.
func (r *Repository[T]) Insert(ctx context.Context, entity T) error {
	if entity.EntityID() == "" {
		entity.SetEntityID(r.newID())
	}
	entity.SetEntityRevision(1)
	if _, err := r.coll.InsertOne(ctx, entity); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return tract.ErrAlreadyExists
		}
		return fmt.Errorf("tract/mongo: insert: %w", err)
	}
	return nil
}

// InsertAll persists a batch of new entities.
func (r *Repository[T]) InsertAll(ctx context.Context, entities []T) error {
	docs := make([]any, 0, len(entities))
	for _, e := range entities {
		if e.EntityID() == "" {
			e.SetEntityID(r.newID())
		}
		e.SetEntityRevision(1)
		docs = append(docs, e)
	}
	if _, err := r.coll.InsertMany(ctx, docs); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return tract.ErrAlreadyExists
		}
		return fmt.Errorf("tract/mongo: insert all: %w", err)
	}
	return nil
}

// Update atomically applies update to the first matching entity via
// findAndModify, so concurrent writers are resolved by the server, never
// by a client-side read-modify-write.
func (r *Repository[T]) Update(
	ctx context.Context,
	filter store.Filter,
	update *store.Update,
	opts ...store.UpdateOption,
) (T, error) {
	o := store.ResolveUpdateOptions(opts)
	findOpts := options.FindOneAndUpdate().SetUpsert(o.Upsert)
	if o.ReturnOriginal {
		findOpts = findOpts.SetReturnDocument(options.Before)
	} else {
		findOpts = findOpts.SetReturnDocument(options.After)
	}

	res := r.coll.FindOneAndUpdate(ctx, toBSON(filter), toUpdateBSON(update), findOpts)
	entity, err := decodeOne[T](res)
	if err != nil {
		var zero T
		if errors.Is(err, tract.ErrNotFound) && o.Upsert && o.ReturnOriginal {
			// Upserted with no pre-image.
			return zero, nil
		}
		return zero, err
	}
	return entity, nil
}

// UpdateAll applies update to every entity matching filter.
func (r *Repository[T]) UpdateAll(
	ctx context.Context,
	filter store.Filter,
	update *store.Update,
) (int64, error) {
	res, err := r.coll.UpdateMany(ctx, toBSON(filter), toUpdateBSON(update))
	if err != nil {
		return 0, fmt.Errorf("tract/mongo: update all: %w", err)
	}
	return res.ModifiedCount, nil
}

// Delete removes the first entity matching filter and returns it.
func (r *Repository[T]) Delete(ctx context.Context, filter store.Filter) (T, error) {
	res := r.coll.FindOneAndDelete(ctx, toBSON(filter))
	return decodeOne[T](res)
}

// DeleteAll removes every entity matching filter.
func (r *Repository[T]) DeleteAll(ctx context.Context, filter store.Filter) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, fmt.Errorf("tract/mongo: delete all: %w", err)
	}
	return res.DeletedCount, nil
}

// Subscribe opens a change stream on the collection before reading the
// snapshot entity, so no event between snapshot and feed-attachment is
// lost.
func (r *Repository[T]) Subscribe(ctx context.Context, filter store.Filter) (store.Subscription[T], error) {
	cs, err := r.coll.Watch(ctx, mongod.Pipeline{},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("tract/mongo: watch: %w", err)
	}
	initial := store.EntityChange[T]{Type: store.ChangeDelete}
	if entity, err := r.Get(ctx, filter); err == nil {
		initial = store.EntityChange[T]{Type: store.ChangeUpdate, Entity: entity}
	} else if !errors.Is(err, tract.ErrNotFound) {
		_ = cs.Close(context.Background())
		return nil, err
	}
	return newSubscription[T](cs, filter, initial, r.logger), nil
}

// decodeOne maps a single result to an entity or tract.ErrNotFound.
func decodeOne[T tract.Entity](res *mongod.SingleResult) (T, error) {
	var entity T
	if err := res.Err(); err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return entity, tract.ErrNotFound
		}
		return entity, fmt.Errorf("tract/mongo: query: %w", err)
	}
	if err := res.Decode(&entity); err != nil {
		return entity, fmt.Errorf("tract/mongo: decode: %w", err)
	}
	return entity, nil
}

// ── filter / update translation ──────────────────────────────────

func toBSON(filter store.Filter) bson.M {
	conds := filter.Conditions()
	if len(conds) == 0 {
		return bson.M{}
	}
	clauses := make([]bson.M, 0, len(conds))
	for _, c := range conds {
		clauses = append(clauses, condBSON(c))
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return bson.M{"$and": clauses}
}

func condBSON(c store.Condition) bson.M {
	switch c.Op {
	case store.OpEq:
		return bson.M{c.Field: c.Value}
	case store.OpNe:
		return bson.M{c.Field: bson.M{"$ne": c.Value}}
	case store.OpGt:
		return bson.M{c.Field: bson.M{"$gt": c.Value}}
	case store.OpGte:
		return bson.M{c.Field: bson.M{"$gte": c.Value}}
	case store.OpLt:
		return bson.M{c.Field: bson.M{"$lt": c.Value}}
	case store.OpLte:
		return bson.M{c.Field: bson.M{"$lte": c.Value}}
	case store.OpIn:
		values, _ := c.Value.([]any)
		return bson.M{c.Field: bson.M{"$in": values}}
	case store.OpExists:
		// Zero-valued fields are omitted from documents (omitempty), so
		// presence is "not null": {field: null} matches missing and null.
		if want, _ := c.Value.(bool); want {
			return bson.M{c.Field: bson.M{"$ne": nil}}
		}
		return bson.M{c.Field: nil}
	}
	return bson.M{}
}

func toUpdateBSON(update *store.Update) bson.M {
	sets := bson.M{}
	setsOnInsert := bson.M{}
	unsets := bson.M{}
	incs := bson.M{"revision": int64(1)}
	pushes := bson.M{}
	pulls := bson.M{}

	for _, op := range update.Operations() {
		switch op.Kind {
		case store.OpSet:
			sets[op.Field] = op.Value
		case store.OpSetOnInsert:
			setsOnInsert[op.Field] = op.Value
		case store.OpUnset:
			unsets[op.Field] = ""
		case store.OpInc:
			incs[op.Field] = op.Value
		case store.OpPush:
			pushes[op.Field] = op.Value
		case store.OpPull:
			pulls[op.Field] = op.Value
		}
	}

	doc := bson.M{"$inc": incs}
	if len(sets) > 0 {
		doc["$set"] = sets
	}
	if len(setsOnInsert) > 0 {
		doc["$setOnInsert"] = setsOnInsert
	}
	if len(unsets) > 0 {
		doc["$unset"] = unsets
	}
	if len(pushes) > 0 {
		doc["$push"] = pushes
	}
	if len(pulls) > 0 {
		doc["$pull"] = pulls
	}
	return doc
}
