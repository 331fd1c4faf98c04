package models

import "time"

// Ticket statuses.
const (
	TicketValid         = "VALID"
	TicketUsed          = "USED"
	TicketUsedLocal     = "USED_LOCAL"
	TicketResalePending = "RESALE_PENDING"
)

// Ticket is an event ticket cached on the device. ValidationToken is the
// static secret the rotating entry code is derived from.
type Ticket struct {
	ID              string    `gorm:"primaryKey;size:64" json:"id"`
	EventID         string    `gorm:"size:128;not null;index" json:"eventId"`
	OwnerID         string    `gorm:"size:128;not null" json:"ownerId"`
	Status          string    `gorm:"size:16;default:VALID" json:"status"`
	ValidationToken string    `gorm:"size:256;not null" json:"-"`
	PurchaseDate    time.Time `json:"purchaseDate"`
	Price           int64     `json:"price"` // cents
	Seat            string    `gorm:"size:32" json:"seat,omitempty"`
}

// ValidTicketStatus reports whether s is a known ticket status.
func ValidTicketStatus(s string) bool {
	switch s {
	case TicketValid, TicketUsed, TicketUsedLocal, TicketResalePending:
		return true
	}
	return false
}
