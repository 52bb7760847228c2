package service

import (
	"context"
	"fmt"
	"sync"

	"msgcore/internal/crypto"
	"msgcore/internal/domain"
	"msgcore/internal/store"

	"github.com/google/uuid"
)

// ProvisionUserKeys generates a first keypair for a user and records its
// public half plus the private-key fingerprint. The full pair is returned
// exactly once so the caller can hand the private key to the owning client;
// it is never persisted.
func (c *Core) ProvisionUserKeys(ctx context.Context, userID uuid.UUID) (crypto.KeyPair, error) {
	if userID == uuid.Nil {
		return crypto.KeyPair{}, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	if _, err := c.store.Keys().Get(ctx, userID); err == nil {
		return crypto.KeyPair{}, fmt.Errorf("%w: keys already provisioned", ErrInvalidRequest)
	} else if err != store.ErrNotFound {
		return crypto.KeyPair{}, err
	}

	kp, err := crypto.GenerateKeyPair(c.now().UTC())
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if err := c.storeKeyRecord(ctx, userID, kp); err != nil {
		return crypto.KeyPair{}, err
	}
	return kp, nil
}

// RotateUserKeys supersedes the user's current key material, either on
// schedule or on demand after suspected compromise. Rotation for one user
// never runs concurrently with itself: a per-user mutex serializes it. The
// old public key is overwritten immediately; messages still in flight toward
// the old key become permanently unreadable once the owner discards the old
// private half. That loss is accepted in exchange for forward secrecy.
func (c *Core) RotateUserKeys(ctx context.Context, userID uuid.UUID) (crypto.KeyPair, error) {
	if userID == uuid.Nil {
		return crypto.KeyPair{}, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	mu := c.rotationLock(userID)
	mu.Lock()
	defer mu.Unlock()

	current, err := c.store.Keys().Get(ctx, userID)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	rot, err := crypto.Rotate(crypto.KeyPair{Version: current.Version}, c.now().UTC())
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if err := c.storeKeyRecord(ctx, userID, rot.Current); err != nil {
		return crypto.KeyPair{}, err
	}
	return rot.Current, nil
}

// KeyRotationDue reports whether the user's current key has passed its
// rotation deadline.
func (c *Core) KeyRotationDue(ctx context.Context, userID uuid.UUID) (bool, error) {
	rec, err := c.store.Keys().Get(ctx, userID)
	if err != nil {
		return false, err
	}
	now := c.now().UTC()
	return !rec.RotateAfter.IsZero() && !now.Before(rec.RotateAfter), nil
}

func (c *Core) storeKeyRecord(ctx context.Context, userID uuid.UUID, kp crypto.KeyPair) error {
	return c.store.Keys().Upsert(ctx, domain.UserKey{
		UserID:                userID,
		PublicKey:             kp.Public[:],
		PrivateKeyFingerprint: crypto.Fingerprint(kp.Private),
		Version:               kp.Version,
		RotateAfter:           kp.RotateAfter,
	})
}

func (c *Core) rotationLock(userID uuid.UUID) *sync.Mutex {
	c.rotateMu.Lock()
	defer c.rotateMu.Unlock()
	mu, ok := c.rotating[userID]
	if !ok {
		mu = &sync.Mutex{}
		c.rotating[userID] = mu
	}
	return mu
}
