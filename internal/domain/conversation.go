package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversationID derives the identifier shared by all messages between two
// participants. The pair is unordered: ids are sorted before joining, so
// either side resolves the same conversation without a lookup table.
func ConversationID(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + ":" + y
}

// UserKey is the server-side record of one user's current public key. The
// private key never reaches the server; only its fingerprint is retained so
// a client can prove continuity across rotations.
type UserKey struct {
	UserID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	PublicKey             []byte    `gorm:"not null"`
	PrivateKeyFingerprint string    `gorm:"size:64"`
	Version               int       `gorm:"not null;default:1"`
	RotateAfter           time.Time `gorm:"not null"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
