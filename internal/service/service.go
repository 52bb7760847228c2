package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"msgcore/internal/crypto"
	"msgcore/internal/domain"
	"msgcore/internal/events"
	"msgcore/internal/observability/metrics"
	"msgcore/internal/store"

	"github.com/google/uuid"
)

var ErrInvalidRequest = errors.New("service: invalid request")

// Action names the externally reported transitions.
type Action string

const (
	ActionSent      Action = "sent"
	ActionDelivered Action = "delivered"
	ActionRead      Action = "read"
	ActionFailed    Action = "failed"
)

// Core is the secure messaging core. It owns no HTTP or socket concerns;
// request handlers call into it concurrently and all message-level
// serialization happens at the storage boundary.
type Core struct {
	store *store.Store
	keys  crypto.PublicKeyProvider
	pub   events.Publisher
	now   func() time.Time

	rotateMu sync.Mutex
	rotating map[uuid.UUID]*sync.Mutex
}

func New(st *store.Store, keys crypto.PublicKeyProvider, pub events.Publisher) *Core {
	return &Core{
		store:    st,
		keys:     keys,
		pub:      pub,
		now:      time.Now,
		rotating: make(map[uuid.UUID]*sync.Mutex),
	}
}

// CreateInput carries everything needed to create a message. The sender's
// private key is supplied by the sender's client for the encryption call and
// is never persisted.
type CreateInput struct {
	Sender           uuid.UUID
	Recipient        uuid.UUID
	Type             domain.MessageType
	Plaintext        []byte
	SenderPrivateKey []byte

	// Per-type extras; encrypted before storage where they carry content.
	MediaMetadata []byte
	MediaSize     int64
	Location      []byte
	Call          *domain.CallInfo

	ReplyTo       *uuid.UUID
	ForwardedFrom *uuid.UUID
	ExpiresAt     *time.Time
}

// CreateMessage encrypts the payload for the recipient and persists the
// message in the sending state. The recipient gets a best-effort "created"
// push so a connected client can fetch the new message immediately.
func (c *Core) CreateMessage(ctx context.Context, in CreateInput) (*domain.Message, error) {
	if in.Sender == uuid.Nil || in.Recipient == uuid.Nil {
		return nil, fmt.Errorf("%w: missing party", ErrInvalidRequest)
	}
	if len(in.Plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrInvalidRequest)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidRequest, in.Type)
	}
	senderPriv, err := crypto.KeyFromBytes(in.SenderPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed sender key", ErrInvalidRequest)
	}
	recipientPub, err := c.keys.PublicKey(ctx, in.Recipient)
	if err != nil {
		return nil, err
	}

	env, err := crypto.EncryptForRecipient(in.Plaintext, recipientPub, senderPriv)
	if err != nil {
		return nil, err
	}
	details, err := c.encryptDetails(in, recipientPub, senderPriv)
	if err != nil {
		return nil, err
	}

	msg, err := domain.NewMessage(in.Sender, in.Recipient, in.Type, env, details, domain.MessageOptions{
		ReplyTo:       in.ReplyTo,
		ForwardedFrom: in.ForwardedFrom,
		ExpiresAt:     in.ExpiresAt,
	}, c.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := c.store.Messages().Create(ctx, msg); err != nil {
		return nil, err
	}
	metrics.MessagesCreatedTotal.Inc()

	c.publish(ctx, events.StatusEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Action:         events.ActionCreated,
		Status:         string(msg.Status),
		Seq:            msg.Seq(),
		Notify:         msg.RecipientID,
		OccurredAt:     msg.SentAt,
	})
	return msg, nil
}

func (c *Core) encryptDetails(in CreateInput, recipientPub, senderPriv [crypto.KeySize]byte) (domain.PayloadDetails, error) {
	var details domain.PayloadDetails
	switch in.Type {
	case domain.TypeImage, domain.TypeVideo, domain.TypeAudio, domain.TypeFile:
		if len(in.MediaMetadata) == 0 {
			return details, fmt.Errorf("%w: %s message requires media metadata", ErrInvalidRequest, in.Type)
		}
		meta, err := crypto.EncryptForRecipient(in.MediaMetadata, recipientPub, senderPriv)
		if err != nil {
			return details, err
		}
		details.Media = &domain.MediaInfo{Metadata: meta, SizeBytes: in.MediaSize}
	case domain.TypeLocation:
		if len(in.Location) == 0 {
			return details, fmt.Errorf("%w: location message requires coordinates", ErrInvalidRequest)
		}
		coords, err := crypto.EncryptForRecipient(in.Location, recipientPub, senderPriv)
		if err != nil {
			return details, err
		}
		details.Location = &domain.LocationInfo{Coordinates: coords}
	case domain.TypeCall:
		if in.Call == nil {
			return details, fmt.Errorf("%w: call message requires call info", ErrInvalidRequest)
		}
		details.Call = in.Call
	}
	return details, nil
}

// Transition applies one reported lifecycle action to a message. Actor
// identity is validated against the message parties before any mutation:
// sent and failed are reported for the sending side, delivered and read by
// the recipient. Exactly one event is emitted per real transition; replays
// change nothing and emit nothing.
func (c *Core) Transition(ctx context.Context, messageID uuid.UUID, action Action, actor uuid.UUID, meta map[string]string) (*domain.Message, error) {
	if messageID == uuid.Nil || actor == uuid.Nil {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	now := c.now().UTC()

	var transitioned bool
	msg, err := c.store.Messages().UpdateAtomic(ctx, messageID, func(m *domain.Message) error {
		var err error
		switch action {
		case ActionSent:
			if actor != m.SenderID {
				return fmt.Errorf("%w: only the sender side reports sent", domain.ErrUnauthorizedTransition)
			}
			transitioned, err = m.MarkSent(now, meta)
		case ActionDelivered:
			if actor != m.RecipientID {
				return fmt.Errorf("%w: only the recipient acks delivery", domain.ErrUnauthorizedTransition)
			}
			transitioned, err = m.MarkDelivered(now, meta)
		case ActionRead:
			transitioned, err = m.MarkRead(actor, meta["deviceTag"], now)
		case ActionFailed:
			if actor != m.SenderID {
				return fmt.Errorf("%w: only the sender side reports failure", domain.ErrUnauthorizedTransition)
			}
			transitioned, err = m.MarkFailed(meta["reason"], now, meta)
		default:
			return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, action)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.StatusTransitionsTotal.WithLabelValues(string(action)).Inc()
	if action == ActionFailed {
		metrics.DeliveryFailuresTotal.Inc()
	}
	if transitioned {
		c.publish(ctx, events.StatusEvent{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Action:         events.Action(action),
			Status:         string(msg.Status),
			Seq:            msg.Seq(),
			Notify:         msg.OtherParty(actor),
			OccurredAt:     now,
		})
	}
	return msg, nil
}

// EditMessage re-encrypts new content for the recipient, archiving the old
// ciphertext. The recipient's public key is resolved and the new envelope
// sealed before the atomic update so no lock is held across the crypto call.
func (c *Core) EditMessage(ctx context.Context, messageID, actor uuid.UUID, newPlaintext, senderPrivateKey []byte) (*domain.Message, error) {
	if len(newPlaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrInvalidRequest)
	}
	senderPriv, err := crypto.KeyFromBytes(senderPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed sender key", ErrInvalidRequest)
	}

	current, err := c.store.Messages().Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if actor != current.SenderID {
		return nil, fmt.Errorf("%w: only the sender may edit", domain.ErrUnauthorizedTransition)
	}
	recipientPub, err := c.keys.PublicKey(ctx, current.RecipientID)
	if err != nil {
		return nil, err
	}
	env, err := crypto.EncryptForRecipient(newPlaintext, recipientPub, senderPriv)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	msg, err := c.store.Messages().UpdateAtomic(ctx, messageID, func(m *domain.Message) error {
		return m.EditEnvelope(actor, env, now)
	})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, events.StatusEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Action:         events.ActionEdited,
		Status:         string(msg.Status),
		Seq:            msg.Seq(),
		Notify:         msg.OtherParty(actor),
		OccurredAt:     now,
	})
	return msg, nil
}

// DeleteMessage applies a soft deletion. A retraction for everyone is pushed
// to the other party so their client hides the message too; a for_me delete
// concerns only the acting party and emits nothing.
func (c *Core) DeleteMessage(ctx context.Context, messageID, actor uuid.UUID, scope domain.DeleteScope) (*domain.Message, error) {
	now := c.now().UTC()
	msg, err := c.store.Messages().UpdateAtomic(ctx, messageID, func(m *domain.Message) error {
		return m.DeleteFor(actor, scope, now)
	})
	if err != nil {
		return nil, err
	}
	if scope == domain.DeleteForEveryone {
		c.publish(ctx, events.StatusEvent{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Action:         events.ActionDeleted,
			Status:         string(msg.Status),
			Seq:            msg.Seq(),
			Notify:         msg.OtherParty(actor),
			OccurredAt:     now,
		})
	}
	return msg, nil
}

// React records or replaces the actor's reaction on a message.
func (c *Core) React(ctx context.Context, messageID, actor uuid.UUID, emoji string) (*domain.Message, error) {
	if emoji == "" {
		return nil, fmt.Errorf("%w: empty reaction", ErrInvalidRequest)
	}
	now := c.now().UTC()
	return c.store.Messages().UpdateAtomic(ctx, messageID, func(m *domain.Message) error {
		return m.React(actor, emoji, now)
	})
}

// Unreact removes the actor's reaction.
func (c *Core) Unreact(ctx context.Context, messageID, actor uuid.UUID) (*domain.Message, error) {
	return c.store.Messages().UpdateAtomic(ctx, messageID, func(m *domain.Message) error {
		return m.Unreact(actor)
	})
}

// SweepExpired removes self-destructed messages. Run periodically from the
// bootstrap.
func (c *Core) SweepExpired(ctx context.Context) (int64, error) {
	return c.store.Messages().DeleteExpired(ctx, c.now().UTC())
}

func (c *Core) publish(ctx context.Context, ev events.StatusEvent) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		// Push is a best-effort optimization; the query API stays the
		// source of truth.
		slog.Warn("status event publish failed", "message_id", ev.MessageID, "action", ev.Action, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Action)).Inc()
}
