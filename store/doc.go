// Package store defines the versioned-entity persistence contract: a
// generic repository with predicate filters and mutation descriptions,
// change subscriptions backed by the store's change feed, and ambient
// transactions. Backends: MongoDB and Memory.
//
// Every write increments the entity's revision by exactly 1, atomically
// with the write. Concurrent updates are resolved by the backend's native
// atomic document update; no client-side read-modify-write is permitted.
package store
