// Package mongo implements the store contract on MongoDB: conditional
// atomic document updates for optimistic concurrency, change streams for
// subscriptions, and causally consistent session transactions with
// transient-error retry.
package mongo
