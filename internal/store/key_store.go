package store

import (
	"context"

	"msgcore/internal/crypto"
	"msgcore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type KeyStore struct{ db *gorm.DB }

func (s *Store) Keys() *KeyStore { return &KeyStore{db: s.DB} }

// Upsert replaces the user's current key record. Rotation overwrites in
// place: the store never keeps superseded public keys.
func (ks *KeyStore) Upsert(ctx context.Context, key domain.UserKey) error {
	return ks.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"public_key":              key.PublicKey,
				"private_key_fingerprint": key.PrivateKeyFingerprint,
				"version":                 key.Version,
				"rotate_after":            key.RotateAfter,
			}),
		}).
		Create(&key).Error
}

func (ks *KeyStore) Get(ctx context.Context, userID uuid.UUID) (*domain.UserKey, error) {
	var key domain.UserKey
	if err := ks.db.WithContext(ctx).First(&key, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

// PublicKey implements crypto.PublicKeyProvider.
func (ks *KeyStore) PublicKey(ctx context.Context, userID uuid.UUID) ([crypto.KeySize]byte, error) {
	key, err := ks.Get(ctx, userID)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	return crypto.KeyFromBytes(key.PublicKey)
}

var _ crypto.PublicKeyProvider = (*KeyStore)(nil)
