// Package build holds the build entity and its lifecycle services: the
// conditional state transitions used by stage executors, the orchestration
// service that creates, starts, cancels and queries builds, and the sweep
// that cleans up builds abandoned mid-creation.
//
// A build entity is mutated only through the conditional transitions here;
// nothing else writes its stage fields. Every externally visible outcome
// (completed, canceled, faulted, restarting) is recorded on the entity and
// queued for outbound notification in the same transaction, so poll-based
// observers and the external platform can never disagree about what
// happened.
package build
