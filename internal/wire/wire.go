// Package wire encodes chat messages for the broker.
//
// A payload is a single JSON object carrying the message fields plus a
// schema version tag "v". Publishers that predate the tag omit it; such
// payloads are read as version 1.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/gatherchat/internal/models"
)

// Version is the payload schema version this build writes.
const Version = 1

var (
	// ErrMalformed is returned for payloads that cannot be turned into a
	// usable ChatMessage.
	ErrMalformed = errors.New("wire: malformed payload")
	// ErrUnsupportedVersion is returned for payloads from a newer schema.
	ErrUnsupportedVersion = errors.New("wire: unsupported payload version")
)

type payload struct {
	V          int    `json:"v,omitempty"`
	ID         string `json:"id"`
	EventID    string `json:"eventId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
	IsOffline  bool   `json:"isOffline,omitempty"`
}

// Encode serialises msg. The local-only IsOffline flag is never sent;
// receivers see a message once it is actually published.
func Encode(msg models.ChatMessage) ([]byte, error) {
	data, err := json.Marshal(payload{
		V:          Version,
		ID:         msg.ID,
		EventID:    msg.EventID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		Timestamp:  msg.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", msg.ID, err)
	}
	return data, nil
}

// Decode parses a broker payload. The message must carry an id, an event
// id, a sender and non-blank text.
func Decode(data []byte) (models.ChatMessage, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.V > Version {
		return models.ChatMessage{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.V)
	}

	var missing []string
	if p.ID == "" {
		missing = append(missing, "id")
	}
	if p.EventID == "" {
		missing = append(missing, "eventId")
	}
	if p.SenderID == "" {
		missing = append(missing, "senderId")
	}
	if strings.TrimSpace(p.Text) == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		return models.ChatMessage{}, fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}

	return models.ChatMessage{
		ID:         p.ID,
		EventID:    p.EventID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Text:       p.Text,
		Timestamp:  p.Timestamp,
	}, nil
}
