package domain

import (
	"fmt"
	"time"

	"msgcore/internal/crypto"

	"github.com/google/uuid"
)

// Transitions are pure in-memory mutations. Persistence wraps them in an
// atomic read-modify-write keyed by message id, which is the only
// serialization point; because every transition is idempotent and monotonic,
// concurrent writers converge to the same final state regardless of arrival
// order.
//
// Each method returns transitioned=true only when the status actually
// advanced, so callers emit exactly one event per real transition and none
// for idempotent replays.

func (m *Message) record(from, to Status, at time.Time, meta map[string]string) {
	m.StatusHistory = append(m.StatusHistory, StatusChange{From: from, To: to, At: at, Meta: meta})
}

// MarkSent records transport acceptance. Only meaningful from sending; any
// later forward state makes it a no-op.
func (m *Message) MarkSent(now time.Time, meta map[string]string) (bool, error) {
	if m.Status.Terminal() {
		return false, fmt.Errorf("%w: message already failed", ErrIllegalTransition)
	}
	if m.Status.rank() >= StatusSent.rank() {
		return false, nil
	}
	m.record(m.Status, StatusSent, now, meta)
	m.Status = StatusSent
	return true, nil
}

// MarkDelivered records the recipient client's acknowledgement. The attempt
// counter moves only on the first delivery; replays neither double-count nor
// regress state.
func (m *Message) MarkDelivered(now time.Time, meta map[string]string) (bool, error) {
	if m.Status.Terminal() {
		return false, fmt.Errorf("%w: message already failed", ErrIllegalTransition)
	}
	if m.Status.rank() >= StatusDelivered.rank() {
		return false, nil
	}
	m.record(m.Status, StatusDelivered, now, meta)
	m.Status = StatusDelivered
	m.DeliveredAt = &now
	m.DeliveryAttempts++
	m.LastDeliveryAttempt = &now
	return true, nil
}

// MarkRead records a read receipt for the recipient. Receipts are deduplicated
// per reader+device, so a second device appends a distinct receipt without a
// second status transition. The first read implies delivery: DeliveredAt is
// set if no explicit delivery ack ever arrived.
func (m *Message) MarkRead(readerID uuid.UUID, deviceTag string, now time.Time) (bool, error) {
	if readerID != m.RecipientID {
		return false, fmt.Errorf("%w: only the recipient may record a read", ErrUnauthorizedTransition)
	}
	if m.Status.Terminal() {
		return false, fmt.Errorf("%w: message already failed", ErrIllegalTransition)
	}
	for _, r := range m.ReadReceipts {
		if r.ReaderID == readerID && r.DeviceTag == deviceTag {
			return false, nil
		}
	}
	m.ReadReceipts = append(m.ReadReceipts, ReadReceipt{ReaderID: readerID, DeviceTag: deviceTag, ReadAt: now})
	if m.Status.rank() >= StatusRead.rank() {
		return false, nil
	}
	if m.DeliveredAt == nil {
		m.DeliveredAt = &now
	}
	m.record(m.Status, StatusRead, now, map[string]string{"deviceTag": deviceTag})
	m.Status = StatusRead
	m.ReadAt = &now
	return true, nil
}

// MarkFailed records a delivery failure. Allowed from any state: a message
// already read can still fail a later delivery attempt to another device.
// Previously recorded DeliveredAt/ReadAt are never cleared; status history
// disambiguates. Every call counts an attempt; only the first moves status.
func (m *Message) MarkFailed(reason string, now time.Time, meta map[string]string) (bool, error) {
	m.DeliveryAttempts++
	m.LastDeliveryAttempt = &now
	m.FailureReason = reason
	if m.Status.Terminal() {
		return false, nil
	}
	m.record(m.Status, StatusFailed, now, meta)
	m.Status = StatusFailed
	return true, nil
}

// EditEnvelope replaces the encrypted body, archiving the previous ciphertext
// first. Sender only; never after a retraction for everyone.
func (m *Message) EditEnvelope(actor uuid.UUID, env crypto.Envelope, now time.Time) error {
	if actor != m.SenderID {
		return fmt.Errorf("%w: only the sender may edit", ErrUnauthorizedTransition)
	}
	if m.Visibility == VisibilityDeletedForEveryone {
		return fmt.Errorf("%w: message retracted for everyone", ErrIllegalTransition)
	}
	if len(env.Ciphertext) == 0 || env.Algorithm == "" {
		return fmt.Errorf("%w: missing encrypted content", ErrInvalidMessage)
	}
	m.EditHistory = append(m.EditHistory, EditRecord{Envelope: m.Envelope(), EditedAt: now})
	m.setEnvelope(env)
	m.IsEdited = true
	return nil
}

// DeleteFor applies a soft deletion. for_me hides the message from the
// acting party only; for_everyone is sender-only, irreversible, and bounded
// to DeleteForEveryoneWindow after SentAt. When the second party deletes
// for_me after the first already has, visibility collapses to
// deleted_for_everyone since nobody can view it anymore.
func (m *Message) DeleteFor(actor uuid.UUID, scope DeleteScope, now time.Time) error {
	if actor != m.SenderID && actor != m.RecipientID {
		return fmt.Errorf("%w: actor is not a participant", ErrUnauthorizedTransition)
	}
	if m.Visibility == VisibilityDeletedForEveryone {
		return nil
	}
	switch scope {
	case DeleteForEveryone:
		if actor != m.SenderID {
			return fmt.Errorf("%w: only the sender may delete for everyone", ErrDeletionNotPermitted)
		}
		if now.Sub(m.SentAt) > DeleteForEveryoneWindow {
			return fmt.Errorf("%w: retraction window elapsed", ErrDeletionNotPermitted)
		}
		m.Visibility = VisibilityDeletedForEveryone
	case DeleteForMe:
		if actor == m.SenderID {
			if m.Visibility == VisibilityDeletedForRecipient {
				m.Visibility = VisibilityDeletedForEveryone
			} else {
				m.Visibility = VisibilityDeletedForSender
			}
		} else {
			if m.Visibility == VisibilityDeletedForSender {
				m.Visibility = VisibilityDeletedForEveryone
			} else {
				m.Visibility = VisibilityDeletedForRecipient
			}
		}
	default:
		return fmt.Errorf("%w: unknown delete scope %q", ErrInvalidMessage, scope)
	}
	m.DeletedAt = &now
	m.DeletedBy = &actor
	return nil
}

// React records or replaces the acting user's reaction, last write wins.
func (m *Message) React(userID uuid.UUID, emoji string, now time.Time) error {
	if userID != m.SenderID && userID != m.RecipientID {
		return fmt.Errorf("%w: actor is not a participant", ErrUnauthorizedTransition)
	}
	if m.Visibility == VisibilityDeletedForEveryone {
		return fmt.Errorf("%w: message retracted for everyone", ErrIllegalTransition)
	}
	for i, r := range m.Reactions {
		if r.UserID == userID {
			m.Reactions[i] = Reaction{UserID: userID, Emoji: emoji, At: now}
			return nil
		}
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, At: now})
	return nil
}

// Unreact removes the acting user's reaction if present.
func (m *Message) Unreact(userID uuid.UUID) error {
	if userID != m.SenderID && userID != m.RecipientID {
		return fmt.Errorf("%w: actor is not a participant", ErrUnauthorizedTransition)
	}
	for i, r := range m.Reactions {
		if r.UserID == userID {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return nil
		}
	}
	return nil
}

// CanView is the predicate every read path goes through. Non-participants
// never see a message; per-party soft deletion and expiry hide the rest. A
// message retracted for everyone stays hidden even from its sender.
func (m *Message) CanView(userID uuid.UUID, now time.Time) bool {
	if userID != m.SenderID && userID != m.RecipientID {
		return false
	}
	if m.Expired(now) {
		return false
	}
	switch m.Visibility {
	case VisibilityVisible:
		return true
	case VisibilityDeletedForSender:
		return userID != m.SenderID
	case VisibilityDeletedForRecipient:
		return userID != m.RecipientID
	case VisibilityDeletedForEveryone:
		return false
	}
	return false
}

// OtherParty returns the participant opposite to userID, used to address
// outbound status notifications away from the acting party.
func (m *Message) OtherParty(userID uuid.UUID) uuid.UUID {
	if userID == m.SenderID {
		return m.RecipientID
	}
	return m.SenderID
}
