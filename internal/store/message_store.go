package store

import (
	"context"
	"time"

	"msgcore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (ms *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	return ms.db.WithContext(ctx).Create(msg).Error
}

func (ms *MessageStore) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	var msg domain.Message
	if err := ms.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// UpdateAtomic applies fn to the message inside a transaction holding a row
// lock, then saves the result. This is the single serialization point for
// concurrent transitions on the same message; no in-memory lock is held
// across it. A caller that times out must re-query status, never assume
// non-completion.
func (ms *MessageStore) UpdateAtomic(ctx context.Context, id uuid.UUID, fn func(*domain.Message) error) (*domain.Message, error) {
	var out *domain.Message
	err := ms.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		// sqlite serializes writers on its own and rejects FOR UPDATE.
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var msg domain.Message
		if err := q.First(&msg, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		if err := fn(&msg); err != nil {
			return err
		}
		if err := tx.Save(&msg).Error; err != nil {
			return err
		}
		out = &msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListConversation returns messages of one conversation ordered by send time.
// Visibility filtering for a concrete viewer happens in the service through
// Message.CanView; this layer filters nothing so audit paths can see every
// row.
func (ms *MessageStore) ListConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	tx := ms.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// UnreadCount counts messages the user has yet to read, excluding anything
// their visibility or an expiry hides from them. conversationID narrows the
// count to one conversation when non-empty.
func (ms *MessageStore) UnreadCount(ctx context.Context, userID uuid.UUID, conversationID string, now time.Time) (int64, error) {
	tx := ms.db.WithContext(ctx).Model(&domain.Message{}).
		Where("recipient_id = ?", userID).
		Where("status <> ?", domain.StatusRead).
		Where("visibility IN ?", []domain.Visibility{domain.VisibilityVisible, domain.VisibilityDeletedForSender}).
		Where("expires_at IS NULL OR expires_at > ?", now)
	if conversationID != "" {
		tx = tx.Where("conversation_id = ?", conversationID)
	}
	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// InWindow returns all messages sent within [from, to), for derived
// delivery reporting.
func (ms *MessageStore) InWindow(ctx context.Context, from, to time.Time) ([]domain.Message, error) {
	var msgs []domain.Message
	err := ms.db.WithContext(ctx).
		Where("sent_at >= ? AND sent_at < ?", from, to).
		Order("sent_at asc").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteExpired removes self-destructing messages whose deadline has passed.
func (ms *MessageStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := ms.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&domain.Message{})
	return res.RowsAffected, res.Error
}
