package models

import "time"

// ChatMessage is a single chat line posted to an event channel. The ID is
// generated by the sender and is the de-duplication key everywhere.
type ChatMessage struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	EventID    string    `gorm:"size:128;not null;index:idx_chat_messages_event" json:"eventId"`
	SenderID   string    `gorm:"size:128;not null" json:"senderId"`
	SenderName string    `gorm:"size:128" json:"senderName"`
	Text       string    `gorm:"type:text;not null" json:"text"`
	Timestamp  int64     `gorm:"not null;index" json:"timestamp"` // sender clock, Unix millis
	IsOffline  bool      `gorm:"default:false" json:"isOffline,omitempty"`
	ReceivedAt time.Time `gorm:"index" json:"-"`
}

// Time returns the sender timestamp as a time.Time.
func (m ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// OutboxEntry is an outgoing message that has not been published yet.
// Entries are drained oldest-first when the broker connection comes back.
type OutboxEntry struct {
	MessageID string    `gorm:"primaryKey;size:64"`
	EventID   string    `gorm:"size:128;not null;index"`
	Payload   []byte    `gorm:"not null"`
	Attempts  int       `gorm:"default:0"`
	LastError string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}
