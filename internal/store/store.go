// Package store is the device-local persistence layer: chat history per
// event, the outbox of unpublished messages, and cached tickets.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/gatherchat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the process-wide database handle. It is safe for concurrent
// use by any number of sessions; writes for one event never touch another
// event's rows.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a Store over an already-migrated database.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Put upserts msg by id. Applying the same message twice leaves the same
// stored row; the first local arrival time is kept.
func (s *Store) Put(ctx context.Context, msg models.ChatMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("store: put: message id is required")
	}
	if msg.EventID == "" {
		return fmt.Errorf("store: put %s: event id is required", msg.ID)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"event_id", "sender_id", "sender_name", "text", "timestamp", "is_offline",
		}),
	}).Create(&msg)
	if result.Error != nil {
		return fmt.Errorf("store: put %s: %w", msg.ID, result.Error)
	}
	return nil
}

// ByEvent returns every stored message for eventID in no particular order.
// An event without history yields an empty slice.
func (s *Store) ByEvent(ctx context.Context, eventID string) ([]models.ChatMessage, error) {
	msgs := []models.ChatMessage{}
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: messages for %s: %w", eventID, err)
	}
	return msgs, nil
}

// Get returns a single message by id.
func (s *Store) Get(ctx context.Context, id string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return &msg, nil
}

// Events lists the ids of events with stored history, with message counts.
func (s *Store) Events(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		EventID string
		N       int64
	}
	err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Select("event_id, COUNT(*) AS n").
		Group("event_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.EventID] = r.N
	}
	return out, nil
}

// Prune deletes messages that arrived before cutoff. Messages still waiting
// in the outbox are kept.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := s.db.WithContext(ctx)
	pending := tx.Model(&models.OutboxEntry{}).Select("message_id")
	result := tx.
		Where("received_at < ? AND id NOT IN (?)", cutoff.UTC(), pending).
		Delete(&models.ChatMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: prune before %s: %w", cutoff.Format(time.RFC3339), result.Error)
	}
	return result.RowsAffected, nil
}
