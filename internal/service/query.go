package service

import (
	"context"
	"fmt"
	"time"

	"msgcore/internal/domain"
	"msgcore/internal/store"

	"github.com/google/uuid"
)

// StatusInfo is the read model for one message's delivery lifecycle,
// combining stored state with derived timings.
type StatusInfo struct {
	MessageID           uuid.UUID            `json:"messageId"`
	ConversationID      string               `json:"conversationId"`
	Status              domain.Status        `json:"status"`
	SentAt              time.Time            `json:"sentAt"`
	DeliveredAt         *time.Time           `json:"deliveredAt,omitempty"`
	ReadAt              *time.Time           `json:"readAt,omitempty"`
	ReadReceipts        []domain.ReadReceipt `json:"readReceipts,omitempty"`
	DeliveryAttempts    int                  `json:"deliveryAttempts"`
	LastDeliveryAttempt *time.Time           `json:"lastDeliveryAttempt,omitempty"`
	FailureReason       string               `json:"failureReason,omitempty"`
	IsEdited            bool                 `json:"isEdited"`

	// DeliveryTime and ReadTime are nil until the respective state is
	// reached.
	DeliveryTime *time.Duration `json:"deliveryTimeNs,omitempty"`
	ReadTime     *time.Duration `json:"readTimeNs,omitempty"`
}

func statusInfo(m *domain.Message) StatusInfo {
	info := StatusInfo{
		MessageID:           m.ID,
		ConversationID:      m.ConversationID,
		Status:              m.Status,
		SentAt:              m.SentAt,
		DeliveredAt:         m.DeliveredAt,
		ReadAt:              m.ReadAt,
		ReadReceipts:        m.ReadReceipts,
		DeliveryAttempts:    m.DeliveryAttempts,
		LastDeliveryAttempt: m.LastDeliveryAttempt,
		FailureReason:       m.FailureReason,
		IsEdited:            m.IsEdited,
	}
	if m.DeliveredAt != nil {
		d := m.DeliveredAt.Sub(m.SentAt)
		info.DeliveryTime = &d
	}
	if m.ReadAt != nil {
		d := m.ReadAt.Sub(m.SentAt)
		info.ReadTime = &d
	}
	return info
}

// Status returns the lifecycle view of one message for a participant. A
// message the viewer may not see reports not found rather than leaking its
// existence.
func (c *Core) Status(ctx context.Context, messageID, viewer uuid.UUID) (StatusInfo, error) {
	msg, err := c.store.Messages().Get(ctx, messageID)
	if err != nil {
		return StatusInfo{}, err
	}
	if !msg.CanView(viewer, c.now().UTC()) {
		return StatusInfo{}, store.ErrNotFound
	}
	return statusInfo(msg), nil
}

// BulkStatus resolves many ids at once; ids the viewer cannot see are simply
// absent from the result.
func (c *Core) BulkStatus(ctx context.Context, messageIDs []uuid.UUID, viewer uuid.UUID) (map[uuid.UUID]StatusInfo, error) {
	out := make(map[uuid.UUID]StatusInfo, len(messageIDs))
	for _, id := range messageIDs {
		info, err := c.Status(ctx, id, viewer)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		out[id] = info
	}
	return out, nil
}

// ConversationStatuses lists the viewer's conversation with the other party,
// oldest first, excluding everything their visibility hides. Content
// retracted for everyone never appears, not even for its original sender.
func (c *Core) ConversationStatuses(ctx context.Context, viewer, otherParty uuid.UUID, limit int) ([]StatusInfo, error) {
	if viewer == uuid.Nil || otherParty == uuid.Nil || viewer == otherParty {
		return nil, fmt.Errorf("%w: invalid conversation parties", ErrInvalidRequest)
	}
	convID := domain.ConversationID(viewer, otherParty)
	msgs, err := c.store.Messages().ListConversation(ctx, convID, limit)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	out := make([]StatusInfo, 0, len(msgs))
	for i := range msgs {
		if !msgs[i].CanView(viewer, now) {
			continue
		}
		out = append(out, statusInfo(&msgs[i]))
	}
	return out, nil
}

// UnreadCount counts messages the user has yet to read; conversationID
// narrows the count when non-empty.
func (c *Core) UnreadCount(ctx context.Context, userID uuid.UUID, conversationID string) (int64, error) {
	if userID == uuid.Nil {
		return 0, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	return c.store.Messages().UnreadCount(ctx, userID, conversationID, c.now().UTC())
}

// DeliveryReport is the derived observability rollup over a time window. It
// never mutates anything.
type DeliveryReport struct {
	WindowStart     time.Time     `json:"windowStart"`
	WindowEnd       time.Time     `json:"windowEnd"`
	TotalMessages   int           `json:"totalMessages"`
	Delivered       int           `json:"delivered"`
	Read            int           `json:"read"`
	Failed          int           `json:"failed"`
	TotalAttempts   int           `json:"totalAttempts"`
	AvgDeliveryTime time.Duration `json:"avgDeliveryTimeNs"`
	AvgReadTime     time.Duration `json:"avgReadTimeNs"`
}

func (c *Core) GetDeliveryReport(ctx context.Context, from, to time.Time) (DeliveryReport, error) {
	if !to.After(from) {
		return DeliveryReport{}, fmt.Errorf("%w: empty time window", ErrInvalidRequest)
	}
	msgs, err := c.store.Messages().InWindow(ctx, from, to)
	if err != nil {
		return DeliveryReport{}, err
	}

	report := DeliveryReport{WindowStart: from, WindowEnd: to, TotalMessages: len(msgs)}
	var deliverySum, readSum time.Duration
	var delivered, read int
	for i := range msgs {
		m := &msgs[i]
		report.TotalAttempts += m.DeliveryAttempts
		if m.Status == domain.StatusFailed {
			report.Failed++
		}
		if m.DeliveredAt != nil {
			delivered++
			deliverySum += m.DeliveredAt.Sub(m.SentAt)
		}
		if m.ReadAt != nil {
			read++
			readSum += m.ReadAt.Sub(m.SentAt)
		}
	}
	report.Delivered = delivered
	report.Read = read
	if delivered > 0 {
		report.AvgDeliveryTime = deliverySum / time.Duration(delivered)
	}
	if read > 0 {
		report.AvgReadTime = readSum / time.Duration(read)
	}
	return report, nil
}
