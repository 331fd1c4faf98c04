package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/gatherchat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PutTicket upserts a ticket by id.
func (s *Store) PutTicket(ctx context.Context, t models.Ticket) error {
	if t.ID == "" {
		return fmt.Errorf("store: put ticket: id is required")
	}
	if t.Status == "" {
		t.Status = models.TicketValid
	}
	if !models.ValidTicketStatus(t.Status) {
		return fmt.Errorf("store: put ticket %s: invalid status %q", t.ID, t.Status)
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&t)
	if result.Error != nil {
		return fmt.Errorf("store: put ticket %s: %w", t.ID, result.Error)
	}
	return nil
}

// GetTicket returns a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: ticket %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get ticket %s: %w", id, err)
	}
	return &t, nil
}

// ListTickets returns cached tickets ordered by purchase date. An empty
// ownerID lists all of them.
func (s *Store) ListTickets(ctx context.Context, ownerID string) ([]models.Ticket, error) {
	tickets := []models.Ticket{}
	q := s.db.WithContext(ctx).Order("purchase_date ASC, id ASC")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if err := q.Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("store: list tickets: %w", err)
	}
	return tickets, nil
}

// MarkTicketUsedLocal records that a ticket was scanned while the device
// was offline. Only VALID tickets can transition.
func (s *Store) MarkTicketUsedLocal(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ? AND status = ?", id, models.TicketValid).
		Update("status", models.TicketUsedLocal)
	if result.Error != nil {
		return fmt.Errorf("store: mark ticket %s used: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetTicket(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("store: ticket %s is not valid for entry", id)
	}
	return nil
}
