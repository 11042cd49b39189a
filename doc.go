// Package tract is a durable build orchestration engine for machine
// translation platforms. It tracks long-running build jobs as versioned
// entities in a document store, dispatches work to remote engine workers
// over RPC, and reports lifecycle changes back to an external platform
// through a transactional outbox with strictly ordered, at-least-once
// delivery.
//
// Tract is designed as a library, not a service. Import it, configure a
// store backend, register outbox consumers and engine worker clients, and
// compose the build service with the stage executor.
//
// # Architecture
//
// Tract follows a composable store pattern: the store package defines a
// generic versioned-entity repository contract, and a single backend
// (MongoDB or in-memory) implements it for every entity type. All state
// transitions that matter for correctness go through conditional atomic
// repository updates, never read-then-write in application code.
//
// Subsystems, leaves first:
//
//   - store: versioned entities, optimistic concurrency, change
//     subscriptions, ambient transactions.
//   - outbox: reliable ordered delivery of outbound notifications.
//   - stage: the generic job-stage state machine executed once per
//     pipeline step.
//   - engine, build, platform: orchestration of builds across remote
//     engine workers and the external platform.
//
// Clients observe build progress through revision-based long polling
// (store.GetNewerRevision) rather than streaming connections.
package tract
