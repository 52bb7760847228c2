package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of both Curve25519 public and private keys.
const KeySize = 32

// DefaultRotationPeriod is how long a keypair stays valid before Rotate
// should be called for the owning user.
const DefaultRotationPeriod = 90 * 24 * time.Hour

// KeyPair is one user's current box-encryption key material. Private material
// is held only transiently by the owning party; the server persists the
// public key plus a fingerprint of the private key, never the key itself.
type KeyPair struct {
	Public      [KeySize]byte
	Private     [KeySize]byte
	Version     int
	CreatedAt   time.Time
	RotateAfter time.Time
}

// Rotation is the result of rotating a keypair. Superseded material is
// returned so callers can keep it just long enough to decrypt in-flight
// messages; once it is discarded, anything encrypted to it is permanently
// unreadable. Forward secrecy is chosen over recoverability here.
type Rotation struct {
	Current    KeyPair
	Superseded KeyPair
}

// PublicKeyProvider resolves the current public key for a user. Implemented
// by the persistence layer and injected wherever encryption happens, so the
// engine never reaches into user storage directly.
type PublicKeyProvider interface {
	PublicKey(ctx context.Context, userID uuid.UUID) ([KeySize]byte, error)
}

// GenerateKeyPair creates a fresh Curve25519 keypair at version 1 with the
// default rotation deadline.
func GenerateKeyPair(now time.Time) (KeyPair, error) {
	pub, priv, err := box.GenerateKey(randomSource())
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrCryptoInit, err)
	}
	return KeyPair{
		Public:      *pub,
		Private:     *priv,
		Version:     1,
		CreatedAt:   now,
		RotateAfter: now.Add(DefaultRotationPeriod),
	}, nil
}

// Rotate produces a new keypair superseding current. The new pair carries the
// next version and a fresh rotation deadline.
func Rotate(current KeyPair, now time.Time) (Rotation, error) {
	pub, priv, err := box.GenerateKey(randomSource())
	if err != nil {
		return Rotation{}, fmt.Errorf("%w: %v", ErrCryptoInit, err)
	}
	return Rotation{
		Current: KeyPair{
			Public:      *pub,
			Private:     *priv,
			Version:     current.Version + 1,
			CreatedAt:   now,
			RotateAfter: now.Add(DefaultRotationPeriod),
		},
		Superseded: current,
	}, nil
}

// RotationDue reports whether the pair has passed its rotation deadline.
func RotationDue(kp KeyPair, now time.Time) bool {
	return !kp.RotateAfter.IsZero() && !now.Before(kp.RotateAfter)
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of key material.
// Used both for public-key display and as the only server-side trace of a
// private key.
func Fingerprint(key [KeySize]byte) string {
	sum := sha256.Sum256(key[:])
	return hex.EncodeToString(sum[:16])
}
