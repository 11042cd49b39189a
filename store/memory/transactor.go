package memory

import "context"

// Transactor is the in-memory store.Transactor. Repository operations are
// individually atomic already, so the body simply runs inline.
type Transactor struct{}

// NewTransactor returns a Transactor.
func NewTransactor() *Transactor { return &Transactor{} }

// WithTransaction runs fn directly.
func (t *Transactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
