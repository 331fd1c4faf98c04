// Package transport connects a chat session to a shared publish/subscribe
// broker. A Conn runs the connection state machine and reconnect policy;
// broker specifics live behind the Link interface (MQTT, Redis, or the
// in-memory MockBroker).
package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotConnected is returned by Publish when the connection is not up.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrRetriesExhausted is reported when the reconnect ceiling is hit.
	ErrRetriesExhausted = errors.New("transport: reconnect attempts exhausted")
	// ErrClosed is returned for operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the events a transport reports.
type EventKind int

const (
	// EventState reports a connection state transition.
	EventState EventKind = iota
	// EventMessage carries one broker delivery. The same payload may be
	// delivered more than once.
	EventMessage
	// EventError reports a non-fatal failure (dial, subscribe, lost link).
	EventError
)

// Event is a single notification from a transport.
type Event struct {
	Kind    EventKind
	State   State  // EventState
	EventID string // EventMessage
	Topic   string // EventMessage
	Payload []byte // EventMessage
	Err     error  // EventError
}

// Transport is the session-facing side of a broker connection.
type Transport interface {
	// Connect starts connecting in the background and keeps the
	// connection up until Close.
	Connect(ctx context.Context) error
	// Subscribe subscribes to the topic for eventID, now and after every
	// reconnect.
	Subscribe(ctx context.Context, eventID string) error
	// Publish sends payload to the topic for eventID.
	Publish(ctx context.Context, eventID string, payload []byte) error
	// Events returns the channel of state changes, deliveries and errors.
	// It is closed by Close.
	Events() <-chan Event
	// State returns the current connection state.
	State() State
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Link is the broker-specific half of a transport. A Link handles one
// connection at a time; Conn drives it through dial, subscribe and hangup.
type Link interface {
	// Dial establishes a connection. The returned channel receives once
	// if the established connection is later lost.
	Dial(ctx context.Context) (<-chan error, error)
	// Subscribe subscribes to topic on the current connection.
	Subscribe(ctx context.Context, topic string, deliver func(topic string, payload []byte)) error
	// Publish sends payload with the link's delivery guarantee.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Hangup tears down the current connection, if any.
	Hangup() error
}

// ReconnectPolicy controls how a Conn retries a dropped or failed
// connection. The interval is fixed. MaxAttempts of zero retries forever.
type ReconnectPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy retries every second, forever.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Interval: time.Second}
}

// Exhausted reports whether failures consecutive failed attempts used up
// the ceiling.
func (p ReconnectPolicy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}

// Topic returns the broker topic for an event.
func Topic(prefix, eventID string) string {
	return prefix + eventID
}

// EventIDFromTopic reverses Topic. ok is false for topics outside prefix.
func EventIDFromTopic(prefix, topic string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, prefix), true
}

// ClientID returns a broker client identity for userID. The random suffix
// keeps two concurrent instances for the same user from evicting each
// other on the broker.
func ClientID(userID string) string {
	return "gather_user_" + userID + "_" + uuid.NewString()[:8]
}
