package models

import "time"

// MessageType tags a bus message's payload shape.
type MessageType string

const (
	// MsgItemReady announces an item entered the ready set.
	MsgItemReady MessageType = "item_ready"
	// MsgItemCompleted announces an item finished successfully.
	MsgItemCompleted MessageType = "item_completed"
	// MsgItemFailed announces an item failed with a reason.
	MsgItemFailed MessageType = "item_failed"
	// MsgReviewResult carries a reviewer's score and feedback.
	MsgReviewResult MessageType = "review_result"
	// MsgConflictFound carries a detected resource-claim conflict.
	MsgConflictFound MessageType = "conflict_found"
	// MsgSyncReleased announces a sync-point barrier was released.
	MsgSyncReleased MessageType = "sync_released"
	// MsgEscalationRequired hands an unresolved decision to the embedder.
	MsgEscalationRequired MessageType = "escalation_required"
)

// Valid returns true if the message type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MsgItemReady, MsgItemCompleted, MsgItemFailed, MsgReviewResult,
		MsgConflictFound, MsgSyncReleased, MsgEscalationRequired:
		return true
	default:
		return false
	}
}

// Message is one entry in the append-only bus log. Messages are never
// mutated after publication; Seq is assigned by the bus and is strictly
// monotonic within a run.
type Message struct {
	// Seq is the bus-assigned monotonic sequence number.
	Seq uint64 `json:"seq"`
	// From identifies the sender (a role tag or "coordinator").
	From string `json:"from"`
	// To identifies the intended consumer, or "" for broadcast.
	To string `json:"to,omitempty"`
	// Type tags the payload shape.
	Type MessageType `json:"type"`
	// Ref optionally points at a work item or artifact.
	Ref string `json:"ref,omitempty"`
	// Summary is a short human-readable description.
	Summary string `json:"summary,omitempty"`
	// Review carries the payload for review_result messages.
	Review *ReviewResult `json:"review,omitempty"`
	// Conflict carries the payload for conflict_found messages.
	Conflict *ConflictRecord `json:"conflict,omitempty"`
	// Reason carries the failure or escalation reason, when applicable.
	Reason string `json:"reason,omitempty"`
	// Timestamp is when the message was published.
	Timestamp time.Time `json:"timestamp"`
}
