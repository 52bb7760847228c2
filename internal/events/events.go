package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCreated   Action = "created"
	ActionSent      Action = "sent"
	ActionDelivered Action = "delivered"
	ActionRead      Action = "read"
	ActionFailed    Action = "failed"
	ActionEdited    Action = "edited"
	ActionDeleted   Action = "deleted"
	ActionBulkRead  Action = "bulk_read"
)

// StatusEvent is the single outbound notification contract. Every real state
// transition yields exactly one event addressed to the party opposite the
// actor; the acting party is never notified of its own action.
//
// Seq increases with each transition of a message, so a consumer that sees
// events out of order or twice can keep the highest Seq and drop the rest.
// Push delivery is best effort only: the status query API remains the source
// of truth.
type StatusEvent struct {
	MessageID      uuid.UUID   `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	Action         Action      `json:"action"`
	Status         string      `json:"status"`
	Seq            int         `json:"seq"`
	Notify         uuid.UUID   `json:"notify"`
	MessageIDs     []uuid.UUID `json:"messageIds,omitempty"`
	OccurredAt     time.Time   `json:"occurredAt"`
}

// Publisher pushes a status event toward the external transport. Failures
// are the caller's to log and swallow; a transition never fails because its
// notification could not be delivered.
type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
}

// Fanout publishes to several publishers, returning the first error after
// attempting all of them.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev StatusEvent) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
