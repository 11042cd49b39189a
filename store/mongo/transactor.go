package mongo

import (
	"context"
	"fmt"

	mongod "go.mongodb.org/mongo-driver/v2/mongo"
)

// Transactor runs bodies inside causally consistent MongoDB transactions.
// Transient transaction and unknown-commit errors are retried by the
// driver per the server's retry guidance, transparently to callers.
type Transactor struct {
	client *mongod.Client
}

// NewTransactor creates a Transactor. The caller owns the client
// lifecycle.
func NewTransactor(client *mongod.Client) *Transactor {
	return &Transactor{client: client}
}

// WithTransaction executes fn with a session-bound context. Repository
// calls made with that context participate in the transaction.
func (t *Transactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := t.client.StartSession()
	if err != nil {
		return fmt.Errorf("tract/mongo: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		return nil, fn(sessCtx)
	})
	if err != nil {
		return fmt.Errorf("tract/mongo: transaction: %w", err)
	}
	return nil
}
