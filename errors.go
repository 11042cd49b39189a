package tract

import "errors"

var (
	// Store errors.
	ErrNotFound      = errors.New("tract: entity not found")
	ErrAlreadyExists = errors.New("tract: entity already exists")
	ErrStoreClosed   = errors.New("tract: store closed")

	// Build errors.
	ErrBuildNotFound  = errors.New("tract: build not found")
	ErrEngineNotFound = errors.New("tract: engine not found")
	ErrNoWorker       = errors.New("tract: no worker registered for engine type")
	ErrNotSupported   = errors.New("tract: operation not supported by engine worker")

	// State errors.
	ErrInvalidState = errors.New("tract: invalid state transition")

	// Outbox errors.
	ErrContentTooLarge    = errors.New("tract: outbox content exceeds size limit")
	ErrNoConsumer         = errors.New("tract: no outbox consumer registered")
	ErrSubscriptionClosed = errors.New("tract: subscription closed")
)
