package outbox

import (
	"time"

	"github.com/craterlabs/tract"
)

// Outbox holds the monotonic index counter for one outbox id. The id is
// the sharding key: one Outbox per consumer class (e.g. per platform
// surface).
type Outbox struct {
	tract.Meta `bson:",inline"`

	CurrentIndex int64 `bson:"current_index" json:"current_index"`

	// PoisonedGroups lists group ids with a permanently failed message.
	// Their remaining messages stay queued and are never delivered, so
	// nothing in the group arrives out of order. Clearing the list is an
	// operator action.
	PoisonedGroups []string `bson:"poisoned_groups,omitempty" json:"poisoned_groups,omitempty"`
}

// Message is one pending outbound notification. Index is assigned from
// the owning Outbox's counter and defines delivery order within GroupID.
// A message is removed only after successful handling or permanent-failure
// classification.
type Message struct {
	tract.Meta `bson:",inline"`

	Index            int64     `bson:"index" json:"index"`
	OutboxRef        string    `bson:"outbox_ref" json:"outbox_ref"`
	Method           string    `bson:"method" json:"method"`
	GroupID          string    `bson:"group_id" json:"group_id"`
	Content          []byte    `bson:"content" json:"content"`
	HasContentStream bool      `bson:"has_content_stream,omitempty" json:"has_content_stream,omitempty"`
	Attempts         int       `bson:"attempts" json:"attempts"`
	Created          time.Time `bson:"created" json:"created"`
}
