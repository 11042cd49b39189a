// Package outbox decouples "I changed local state" from "I told the
// external system". Notifications are persisted as indexed messages inside
// the same transaction as the state change, then drained by a delivery
// worker that guarantees at-least-once, per-group in-order delivery
// despite partial failures.
//
// Messages in the same (outbox, group) are delivered strictly in index
// order; a later message is never delivered before an earlier one in the
// same group is resolved. Groups are independent, so one stuck group does
// not block others. A permanent delivery failure removes the message and
// poisons its group: whatever is queued behind it stays queued rather
// than arriving out of order.
package outbox
