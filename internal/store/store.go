package store

import (
	"context"
	"errors"

	"msgcore/internal/domain"

	"gorm.io/gorm"
)

// ErrNotFound is returned when no record matches the lookup key.
var ErrNotFound = errors.New("store: record not found")

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&domain.Message{}, &domain.UserKey{})
}

// WithTx runs fn inside a transaction, handing it a Store bound to the
// transactional connection.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}
