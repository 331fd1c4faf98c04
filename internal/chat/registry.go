package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// OpenFunc opens a session for one user in one event. Registries call it
// at most once per key while the session is open.
type OpenFunc func(ctx context.Context, eventID, userID, userName string) (*Session, error)

// Key identifies a session in a Registry.
type Key struct {
	EventID string
	UserID  string
}

func (k Key) String() string {
	return k.EventID + "/" + k.UserID
}

// opening is an Open in progress. Concurrent callers for the same key wait
// on done and share the result.
type opening struct {
	done chan struct{}
	s    *Session
	err  error
}

// Registry holds the open sessions of a process, keyed by event and user.
type Registry struct {
	open OpenFunc

	mu       sync.Mutex
	sessions map[Key]*Session
	opening  map[Key]*opening
	closed   bool
}

// NewRegistry creates a Registry that opens sessions with open.
func NewRegistry(open OpenFunc) *Registry {
	return &Registry{
		open:     open,
		sessions: make(map[Key]*Session),
		opening:  make(map[Key]*opening),
	}
}

// Open returns the open session for eventID and userID, opening one if
// needed. created reports whether this call opened it. The registry lock is
// not held while the session loads history and connects.
func (r *Registry) Open(ctx context.Context, eventID, userID, userName string) (s *Session, created bool, err error) {
	key := Key{EventID: eventID, UserID: userID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrSessionClosed
	}
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	if op, ok := r.opening[key]; ok {
		r.mu.Unlock()
		select {
		case <-op.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if op.err != nil {
			return nil, false, op.err
		}
		return op.s, false, nil
	}
	op := &opening{done: make(chan struct{})}
	r.opening[key] = op
	r.mu.Unlock()

	defer close(op.done)

	s, err = r.open(ctx, eventID, userID, userName)
	if err != nil {
		err = fmt.Errorf("chat: open %s: %w", key, err)
	}

	r.mu.Lock()
	delete(r.opening, key)
	closed := r.closed
	if err == nil && !closed {
		r.sessions[key] = s
	}
	r.mu.Unlock()

	if err == nil && closed {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(ErrSessionClosed, cerr)
		} else {
			err = ErrSessionClosed
		}
		s = nil
	}
	op.s, op.err = s, err
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Get returns the open session for eventID and userID.
func (r *Registry) Get(eventID, userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[Key{EventID: eventID, UserID: userID}]
	return s, ok
}

// Keys returns the keys of all open sessions, sorted by event then user.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EventID != keys[j].EventID {
			return keys[i].EventID < keys[j].EventID
		}
		return keys[i].UserID < keys[j].UserID
	})
	return keys
}

// Close closes and forgets the session for eventID and userID. It reports
// false if no such session was open.
func (r *Registry) Close(eventID, userID string) (bool, error) {
	key := Key{EventID: eventID, UserID: userID}
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.Close()
}

// CloseAll closes every session and refuses new ones. Opens still in
// progress close their session when they finish.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[Key]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
