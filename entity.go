package tract

import "time"

// Entity is the contract every versioned document satisfies. The Revision
// starts at 1 on insert and is incremented by exactly 1 on every successful
// write, atomically with the write itself. It drives optimistic concurrency
// and the "has it changed since revision r" long-poll check.
type Entity interface {
	EntityID() string
	SetEntityID(id string)
	EntityRevision() int64
	SetEntityRevision(revision int64)
}

// Meta is the embeddable base for versioned entities. Field names follow
// the store's document mapping, so both the memory and MongoDB backends
// resolve them identically.
type Meta struct {
	ID       string `bson:"_id,omitempty" json:"id"`
	Revision int64  `bson:"revision" json:"revision"`
}

func (m *Meta) EntityID() string                  { return m.ID }
func (m *Meta) SetEntityID(id string)             { m.ID = id }
func (m *Meta) EntityRevision() int64             { return m.Revision }
func (m *Meta) SetEntityRevision(revision int64) { m.Revision = revision }

// Initializable is satisfied by entities whose creation spans multiple
// steps (insert, then a remote call, then a confirming update). Entities
// that never become initialized within a grace window are deleted by a
// background sweep, cleaning up after crashes mid-creation.
type Initializable interface {
	EntityCreated() time.Time
	EntityInitialized() bool
}
