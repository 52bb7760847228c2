package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"msgcore/internal/crypto"
	"msgcore/internal/msgjson"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
	TypeCall     MessageType = "call"
	TypeSystem   MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile, TypeLocation, TypeCall, TypeSystem:
		return true
	}
	return false
}

type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the forward states. failed sits outside the ordering; it is
// terminal and reachable from everywhere.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

func (s Status) Terminal() bool { return s == StatusFailed }

type Visibility string

const (
	VisibilityVisible             Visibility = "visible"
	VisibilityDeletedForSender    Visibility = "deleted_for_sender"
	VisibilityDeletedForRecipient Visibility = "deleted_for_recipient"
	VisibilityDeletedForEveryone  Visibility = "deleted_for_everyone"
)

type DeleteScope string

const (
	DeleteForMe       DeleteScope = "for_me"
	DeleteForEveryone DeleteScope = "for_everyone"
)

// DeleteForEveryoneWindow bounds how long after SentAt the sender may retract
// a message for both parties.
const DeleteForEveryoneWindow = 24 * time.Hour

// ReadReceipt proves one reader viewed the message from one device.
type ReadReceipt struct {
	ReaderID  uuid.UUID `json:"readerId"`
	DeviceTag string    `json:"deviceTag"`
	ReadAt    time.Time `json:"readAt"`
}

// StatusChange is one append-only audit entry per transition. The history is
// the source of truth for analytics and event sequencing.
type StatusChange struct {
	From Status            `json:"from"`
	To   Status            `json:"to"`
	At   time.Time         `json:"at"`
	Meta map[string]string `json:"meta,omitempty"`
}

// EditRecord archives a superseded ciphertext before re-encryption.
type EditRecord struct {
	Envelope crypto.Envelope `json:"envelope"`
	EditedAt time.Time       `json:"editedAt"`
}

// Reaction is one user's current reaction, last write wins per user.
type Reaction struct {
	UserID uuid.UUID `json:"userId"`
	Emoji  string    `json:"emoji"`
	At     time.Time `json:"at"`
}

type (
	ReadReceiptList []ReadReceipt
	StatusHistory   []StatusChange
	EditHistory     []EditRecord
	ReactionList    []Reaction
)

func (l ReadReceiptList) Value() (driver.Value, error) { return msgjson.ColumnValue(l) }
func (l *ReadReceiptList) Scan(v interface{}) error    { return msgjson.ColumnScan(v, l) }
func (h StatusHistory) Value() (driver.Value, error)   { return msgjson.ColumnValue(h) }
func (h *StatusHistory) Scan(v interface{}) error      { return msgjson.ColumnScan(v, h) }
func (h EditHistory) Value() (driver.Value, error)     { return msgjson.ColumnValue(h) }
func (h *EditHistory) Scan(v interface{}) error        { return msgjson.ColumnScan(v, h) }
func (l ReactionList) Value() (driver.Value, error)    { return msgjson.ColumnValue(l) }
func (l *ReactionList) Scan(v interface{}) error       { return msgjson.ColumnScan(v, l) }

// MediaInfo carries encrypted media metadata for image/video/audio/file
// payloads. The metadata envelope is sealed the same way as the body.
type MediaInfo struct {
	Metadata  crypto.Envelope `json:"metadata"`
	SizeBytes int64           `json:"sizeBytes,omitempty"`
}

// LocationInfo carries encrypted coordinates.
type LocationInfo struct {
	Coordinates crypto.Envelope `json:"coordinates"`
}

// CallInfo describes a call event message.
type CallInfo struct {
	CallID          uuid.UUID `json:"callId"`
	DurationSeconds int       `json:"durationSeconds"`
	Outcome         string    `json:"outcome"`
}

// PayloadDetails is the per-type extra payload. Exactly the variant matching
// the message type may be set; ValidateFor enforces this at construction so
// impossible combinations never reach storage.
type PayloadDetails struct {
	Media    *MediaInfo    `json:"media,omitempty"`
	Location *LocationInfo `json:"location,omitempty"`
	Call     *CallInfo     `json:"call,omitempty"`
}

func (d PayloadDetails) Value() (driver.Value, error) { return msgjson.ColumnValue(d) }
func (d *PayloadDetails) Scan(v interface{}) error    { return msgjson.ColumnScan(v, d) }

func (d PayloadDetails) ValidateFor(t MessageType) error {
	switch t {
	case TypeText, TypeSystem:
		if d.Media != nil || d.Location != nil || d.Call != nil {
			return fmt.Errorf("%w: %s message carries extra payload", ErrInvalidMessage, t)
		}
	case TypeImage, TypeVideo, TypeAudio, TypeFile:
		if d.Media == nil {
			return fmt.Errorf("%w: %s message requires media payload", ErrInvalidMessage, t)
		}
		if d.Location != nil || d.Call != nil {
			return fmt.Errorf("%w: %s message carries mismatched payload", ErrInvalidMessage, t)
		}
	case TypeLocation:
		if d.Location == nil || d.Media != nil || d.Call != nil {
			return fmt.Errorf("%w: location message requires location payload only", ErrInvalidMessage)
		}
	case TypeCall:
		if d.Call == nil || d.Media != nil || d.Location != nil {
			return fmt.Errorf("%w: call message requires call payload only", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, t)
	}
	return nil
}

// Message is the unit of communication between exactly two parties. The body
// is stored only as an authenticated ciphertext envelope.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID string    `gorm:"size:96;not null;index:idx_messages_conv_sent,priority:1"`
	SenderID       uuid.UUID `gorm:"type:uuid;not null;index"`
	RecipientID    uuid.UUID `gorm:"type:uuid;not null;index"`

	Type       MessageType    `gorm:"size:16;not null"`
	Ciphertext []byte         `gorm:"not null"`
	Nonce      []byte         `gorm:"not null"`
	Algorithm  string         `gorm:"size:64;not null"`
	Details    PayloadDetails `gorm:"type:jsonb"`

	Status              Status    `gorm:"size:16;not null;index"`
	SentAt              time.Time `gorm:"not null;index:idx_messages_conv_sent,priority:2"`
	DeliveredAt         *time.Time
	ReadAt              *time.Time
	ReadReceipts        ReadReceiptList `gorm:"type:jsonb"`
	DeliveryAttempts    int             `gorm:"not null;default:0"`
	LastDeliveryAttempt *time.Time
	FailureReason       string        `gorm:"size:256"`
	StatusHistory       StatusHistory `gorm:"type:jsonb"`

	IsEdited    bool         `gorm:"not null;default:false"`
	EditHistory EditHistory  `gorm:"type:jsonb"`
	Reactions   ReactionList `gorm:"type:jsonb"`

	ReplyTo       *uuid.UUID `gorm:"type:uuid"`
	ForwardedFrom *uuid.UUID `gorm:"type:uuid"`

	Visibility Visibility `gorm:"size:24;not null"`
	DeletedAt  *time.Time
	DeletedBy  *uuid.UUID `gorm:"type:uuid"`

	ExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageOptions are the optional fields accepted at creation. Reply and
// forward references are weak: they are never validated against deletion of
// the referenced message.
type MessageOptions struct {
	ReplyTo       *uuid.UUID
	ForwardedFrom *uuid.UUID
	ExpiresAt     *time.Time
}

// NewMessage builds a message in the sending state. SentAt is stamped at
// creation, before any transport attempt.
func NewMessage(sender, recipient uuid.UUID, typ MessageType, env crypto.Envelope, details PayloadDetails, opts MessageOptions, now time.Time) (*Message, error) {
	if sender == uuid.Nil || recipient == uuid.Nil {
		return nil, fmt.Errorf("%w: missing party", ErrInvalidMessage)
	}
	if sender == recipient {
		return nil, fmt.Errorf("%w: sender and recipient must differ", ErrInvalidMessage)
	}
	if len(env.Ciphertext) == 0 || env.Algorithm == "" {
		return nil, fmt.Errorf("%w: missing encrypted content", ErrInvalidMessage)
	}
	if err := details.ValidateFor(typ); err != nil {
		return nil, err
	}
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidMessage)
	}
	return &Message{
		ID:             uuid.New(),
		ConversationID: ConversationID(sender, recipient),
		SenderID:       sender,
		RecipientID:    recipient,
		Type:           typ,
		Ciphertext:     append([]byte(nil), env.Ciphertext...),
		Nonce:          append([]byte(nil), env.Nonce...),
		Algorithm:      env.Algorithm,
		Details:        details,
		Status:         StatusSending,
		SentAt:         now,
		Visibility:     VisibilityVisible,
		ReplyTo:        opts.ReplyTo,
		ForwardedFrom:  opts.ForwardedFrom,
		ExpiresAt:      opts.ExpiresAt,
	}, nil
}

// Envelope returns the current encrypted body.
func (m *Message) Envelope() crypto.Envelope {
	return crypto.Envelope{
		Ciphertext: append([]byte(nil), m.Ciphertext...),
		Nonce:      append([]byte(nil), m.Nonce...),
		Algorithm:  m.Algorithm,
	}
}

func (m *Message) setEnvelope(env crypto.Envelope) {
	m.Ciphertext = append([]byte(nil), env.Ciphertext...)
	m.Nonce = append([]byte(nil), env.Nonce...)
	m.Algorithm = env.Algorithm
}

// Expired reports whether a self-destruct deadline has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Seq is the number of recorded transitions. Outbound events carry it so
// consumers can drop stale or re-delivered pushes.
func (m *Message) Seq() int { return len(m.StatusHistory) }
