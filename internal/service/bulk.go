package service

import (
	"context"
	"errors"
	"fmt"

	"msgcore/internal/domain"
	"msgcore/internal/events"
	"msgcore/internal/store"

	"github.com/google/uuid"
)

// BulkReadFailure reports why one id in a bulk read could not be processed.
type BulkReadFailure struct {
	MessageID uuid.UUID `json:"messageId"`
	Reason    string    `json:"reason"`
}

// BulkReadResult is the per-id outcome of MarkManyRead so callers can
// reconcile partial success.
type BulkReadResult struct {
	Successful []uuid.UUID       `json:"successful"`
	Failed     []BulkReadFailure `json:"failed"`
}

// MarkManyRead records the reader's receipt on each message independently: a
// missing id or a message the reader is not the recipient of fails that id
// alone and the rest proceed. Notifications are coalesced into one bulk_read
// event per distinct sender so a catch-up read of a long conversation does
// not storm the senders with per-message pushes.
func (c *Core) MarkManyRead(ctx context.Context, messageIDs []uuid.UUID, readerID uuid.UUID, deviceTag, conversationScope string) (BulkReadResult, error) {
	if readerID == uuid.Nil {
		return BulkReadResult{}, fmt.Errorf("%w: missing reader", ErrInvalidRequest)
	}
	now := c.now().UTC()

	result := BulkReadResult{Successful: make([]uuid.UUID, 0, len(messageIDs))}
	transitionedBySender := make(map[uuid.UUID][]uuid.UUID)
	convBySender := make(map[uuid.UUID]string)

	for _, id := range messageIDs {
		var transitioned bool
		msg, err := c.store.Messages().UpdateAtomic(ctx, id, func(m *domain.Message) error {
			if conversationScope != "" && m.ConversationID != conversationScope {
				return fmt.Errorf("%w: message outside conversation scope", ErrInvalidRequest)
			}
			var err error
			transitioned, err = m.MarkRead(readerID, deviceTag, now)
			return err
		})
		if err != nil {
			result.Failed = append(result.Failed, BulkReadFailure{MessageID: id, Reason: bulkFailureReason(err)})
			continue
		}
		result.Successful = append(result.Successful, id)
		if transitioned {
			transitionedBySender[msg.SenderID] = append(transitionedBySender[msg.SenderID], id)
			convBySender[msg.SenderID] = msg.ConversationID
		}
	}

	for sender, ids := range transitionedBySender {
		c.publish(ctx, events.StatusEvent{
			ConversationID: convBySender[sender],
			Action:         events.ActionBulkRead,
			Status:         string(domain.StatusRead),
			Notify:         sender,
			MessageIDs:     ids,
			OccurredAt:     now,
		})
	}
	return result, nil
}

func bulkFailureReason(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorizedTransition):
		return "not_recipient"
	case errors.Is(err, domain.ErrIllegalTransition):
		return "illegal_state"
	case errors.Is(err, ErrInvalidRequest):
		return "out_of_scope"
	default:
		return "internal_error"
	}
}
