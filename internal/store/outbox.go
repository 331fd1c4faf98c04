package store

import (
	"context"
	"fmt"

	"github.com/zulandar/gatherchat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Enqueue records an unpublished message. Enqueuing the same message id
// again is a no-op.
func (s *Store) Enqueue(ctx context.Context, entry models.OutboxEntry) error {
	if entry.MessageID == "" {
		return fmt.Errorf("store: enqueue: message id is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if result.Error != nil {
		return fmt.Errorf("store: enqueue %s: %w", entry.MessageID, result.Error)
	}
	return nil
}

// Pending returns outbox entries for eventID, oldest first. A limit <= 0
// returns all of them.
func (s *Store) Pending(ctx context.Context, eventID string, limit int) ([]models.OutboxEntry, error) {
	entries := []models.OutboxEntry{}
	q := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("created_at ASC, message_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("store: outbox for %s: %w", eventID, err)
	}
	return entries, nil
}

// PendingAll returns every outbox entry, oldest first.
func (s *Store) PendingAll(ctx context.Context) ([]models.OutboxEntry, error) {
	entries := []models.OutboxEntry{}
	if err := s.db.WithContext(ctx).Order("created_at ASC, message_id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("store: outbox: %w", err)
	}
	return entries, nil
}

// MarkSent removes the outbox entry and clears the offline flag on the
// stored message in one transaction.
func (s *Store) MarkSent(ctx context.Context, messageID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).Delete(&models.OutboxEntry{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.ChatMessage{}).Where("id = ?", messageID).
			Update("is_offline", false).Error
	})
	if err != nil {
		return fmt.Errorf("store: mark sent %s: %w", messageID, err)
	}
	return nil
}

// RecordFailure bumps the attempt counter of an outbox entry.
func (s *Store) RecordFailure(ctx context.Context, messageID string, cause error) error {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	result := s.db.WithContext(ctx).Model(&models.OutboxEntry{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastErr,
		})
	if result.Error != nil {
		return fmt.Errorf("store: record failure %s: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: outbox entry %s", ErrNotFound, messageID)
	}
	return nil
}
