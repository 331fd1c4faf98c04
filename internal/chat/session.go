// Package chat implements the per-event chat session: it loads local
// history, keeps a broker subscription open, merges deliveries without
// duplicates, and sends optimistically with a durable outbox for messages
// that could not be published.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/gatherchat/internal/models"
	"github.com/zulandar/gatherchat/internal/transport"
	"github.com/zulandar/gatherchat/internal/wire"
)

var (
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("chat: message text is empty")
	// ErrSessionClosed is returned by Send after Close.
	ErrSessionClosed = errors.New("chat: session closed")
)

// defaultDrainBatch bounds how many outbox entries one drain pass
// publishes. The loop reads transport events between passes, so a pass must
// stay well below the transport's event buffer.
const defaultDrainBatch = 32

// maxDrainBatch caps SessionOpts.DrainBatch.
const maxDrainBatch = 128

// defaultRetryInterval is how long a failed outbox publish waits before
// the next attempt while the connection stays up.
const defaultRetryInterval = 2 * time.Second

// errBacklog is recorded for sends queued behind older undelivered messages.
var errBacklog = errors.New("queued behind undelivered messages")

// updateBuffer is the per-subscriber Update channel capacity.
const updateBuffer = 16

// MessageStore is the persistence a Session needs. *store.Store
// implements it.
type MessageStore interface {
	Put(ctx context.Context, msg models.ChatMessage) error
	ByEvent(ctx context.Context, eventID string) ([]models.ChatMessage, error)
	Enqueue(ctx context.Context, entry models.OutboxEntry) error
	Pending(ctx context.Context, eventID string, limit int) ([]models.OutboxEntry, error)
	MarkSent(ctx context.Context, messageID string) error
	RecordFailure(ctx context.Context, messageID string, cause error) error
}

// SessionOpts holds parameters for opening a Session.
type SessionOpts struct {
	Store     MessageStore
	Transport transport.Transport
	EventID   string
	UserID    string
	UserName  string // defaults to UserID

	DrainBatch    int              // outbox entries per drain pass
	RetryInterval time.Duration    // wait before retrying a failed publish
	Now           func() time.Time // defaults to time.Now
	NewID         func() string    // defaults to uuid.NewString
}

// Update is a consistent snapshot published after every mutation.
type Update struct {
	EventID  string
	State    transport.State
	Messages []models.ChatMessage
}

// Session is one user's live view of one event's chat. All mutations go
// through a single goroutine; readers get copies.
type Session struct {
	store     MessageStore
	transport transport.Transport
	eventID   string
	userID    string
	userName  string
	batch     int
	retryIn   time.Duration
	now       func() time.Time
	newID     func() string

	mu       sync.RWMutex
	messages []models.ChatMessage
	seen     map[string]struct{}
	state    transport.State

	subMu sync.Mutex
	subs  map[chan Update]struct{}

	sends     chan sendRequest
	kick      chan struct{}
	retry     *time.Timer // owned by the loop
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type sendRequest struct {
	ctx   context.Context
	msg   models.ChatMessage
	reply chan struct{}
}

// Open creates a Session. It loads history for the event, connects the
// transport, subscribes, and starts the session loop. The session runs
// until Close; ctx only bounds the history load.
func Open(ctx context.Context, opts SessionOpts) (*Session, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("chat: store is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("chat: transport is required")
	}
	if strings.TrimSpace(opts.EventID) == "" {
		return nil, fmt.Errorf("chat: event id is required")
	}
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, fmt.Errorf("chat: user id is required")
	}
	if opts.UserName == "" {
		opts.UserName = opts.UserID
	}
	if opts.DrainBatch <= 0 {
		opts.DrainBatch = defaultDrainBatch
	}
	if opts.DrainBatch > maxDrainBatch {
		opts.DrainBatch = maxDrainBatch
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	s := &Session{
		store:     opts.Store,
		transport: opts.Transport,
		eventID:   opts.EventID,
		userID:    opts.UserID,
		userName:  opts.UserName,
		batch:     opts.DrainBatch,
		retryIn:   opts.RetryInterval,
		now:       opts.Now,
		newID:     opts.NewID,
		seen:      make(map[string]struct{}),
		state:     opts.Transport.State(),
		subs:      make(map[chan Update]struct{}),
		sends:     make(chan sendRequest),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	// History first, so the view never starts empty when the device has it.
	history, err := s.store.ByEvent(ctx, s.eventID)
	if err != nil {
		log.Printf("chat: load history for %s: %v (starting empty)", s.eventID, err)
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Timestamp < history[j].Timestamp })
	for _, m := range history {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.messages = append(s.messages, m)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.transport.Connect(s.ctx); err != nil {
		s.cancel()
		return nil, fmt.Errorf("chat: connect: %w", err)
	}
	if err := s.transport.Subscribe(s.ctx, s.eventID); err != nil {
		log.Printf("chat: subscribe %s: %v", s.eventID, err)
	}

	go s.loop()
	return s, nil
}

// EventID returns the event this session belongs to.
func (s *Session) EventID() string { return s.eventID }

// UserID returns the local user's id.
func (s *Session) UserID() string { return s.userID }

// Messages returns a copy of the messages sorted by timestamp.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// State returns the connection state last observed by the session.
func (s *Session) State() transport.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns the current messages and state together.
func (s *Session) Snapshot() Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]models.ChatMessage, len(s.messages))
	copy(msgs, s.messages)
	return Update{EventID: s.eventID, State: s.state, Messages: msgs}
}

// Subscribe returns a channel of snapshots and a function that
// unsubscribes. A slow subscriber only sees the latest snapshot.
func (s *Session) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, updateBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
}

// Send posts text as the local user. The message is visible in Messages
// before it is published. If the broker is unreachable or rejects the
// publish, the message is kept, flagged offline and queued in the outbox.
func (s *Session) Send(ctx context.Context, text string) (*models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	msg := models.ChatMessage{
		ID:         s.newID(),
		EventID:    s.eventID,
		SenderID:   s.userID,
		SenderName: s.userName,
		Text:       text,
		Timestamp:  s.now().UnixMilli(),
	}
	req := sendRequest{ctx: ctx, msg: msg, reply: make(chan struct{})}

	select {
	case s.sends <- req:
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-req.reply:
	case <-s.done:
	}
	out := s.lookup(msg.ID)
	if out == nil {
		out = &msg
	}
	return out, nil
}

// Close stops the session loop and closes the transport. Sends still in
// flight may be lost.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if s.retry != nil {
			s.retry.Stop()
		}
		err = s.transport.Close()

		s.subMu.Lock()
		for ch := range s.subs {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("chat: close: %w", err)
	}
	return nil
}

// loop is the single writer.
func (s *Session) loop() {
	defer close(s.done)
	events := s.transport.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.sends:
			s.send(req.ctx, req.msg)
			close(req.reply)
		case <-s.kick:
			s.drain()
		case ev, ok := <-events:
			if !ok {
				events = nil
				s.setState(transport.Disconnected)
				continue
			}
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventState:
		s.setState(ev.State)
		if ev.State == transport.Connected {
			s.drain()
		}
	case transport.EventMessage:
		s.receive(ev.EventID, ev.Payload)
	case transport.EventError:
		if errors.Is(ev.Err, transport.ErrRetriesExhausted) {
			log.Printf("chat: %s: broker unreachable, giving up reconnecting; messages will queue locally", s.eventID)
			return
		}
		log.Printf("chat: %s: %v", s.eventID, ev.Err)
	}
}

// receive merges one delivery.
func (s *Session) receive(eventID string, payload []byte) {
	msg, err := wire.Decode(payload)
	if err != nil {
		log.Printf("chat: %s: dropping payload: %v", s.eventID, err)
		return
	}
	if msg.EventID != s.eventID || eventID != s.eventID {
		log.Printf("chat: %s: dropping message %s for event %s", s.eventID, msg.ID, msg.EventID)
		return
	}
	if !s.insert(msg) {
		return
	}
	s.persist(msg)
	s.publishUpdate()
}

// send applies msg locally, persists it, then publishes or queues it.
func (s *Session) send(ctx context.Context, msg models.ChatMessage) {
	s.insert(msg)
	s.publishUpdate()
	s.persist(msg)

	payload, err := wire.Encode(msg)
	if err != nil {
		log.Printf("chat: %s: encode %s: %v", s.eventID, msg.ID, err)
		return
	}

	switch {
	case s.State() != transport.Connected:
		err = transport.ErrNotConnected
	case !s.drain():
		// Older messages are still queued; keep send order.
		err = errBacklog
	default:
		err = s.transport.Publish(ctx, s.eventID, payload)
		if err == nil {
			return
		}
		log.Printf("chat: %s: publish %s failed, queueing: %v", s.eventID, msg.ID, err)
		s.retryLater()
	}

	msg.IsOffline = true
	s.setOffline(msg.ID, true)
	s.persist(msg)
	entry := models.OutboxEntry{MessageID: msg.ID, EventID: s.eventID, Payload: payload, LastError: err.Error()}
	if qerr := s.store.Enqueue(s.ctx, entry); qerr != nil {
		log.Printf("chat: %s: queue %s: %v (message kept locally only)", s.eventID, msg.ID, qerr)
	}
	s.publishUpdate()
}

// drain publishes one batch of queued messages oldest first and reports
// whether the outbox is now empty. Entries keep their original message id.
// A failure stops the pass and schedules a retry. A full batch posts the
// next pass back to the loop so transport events are read in between.
func (s *Session) drain() bool {
	if s.ctx.Err() != nil || s.State() != transport.Connected {
		return false
	}
	entries, err := s.store.Pending(s.ctx, s.eventID, s.batch)
	if err != nil {
		log.Printf("chat: %s: read outbox: %v", s.eventID, err)
		s.retryLater()
		return false
	}
	for _, e := range entries {
		if s.ctx.Err() != nil || s.State() != transport.Connected {
			return false
		}
		if err := s.transport.Publish(s.ctx, s.eventID, e.Payload); err != nil {
			log.Printf("chat: %s: outbox publish %s: %v", s.eventID, e.MessageID, err)
			if rerr := s.store.RecordFailure(s.ctx, e.MessageID, err); rerr != nil {
				log.Printf("chat: %s: record failure %s: %v", s.eventID, e.MessageID, rerr)
			}
			s.retryLater()
			return false
		}
		if err := s.store.MarkSent(s.ctx, e.MessageID); err != nil {
			log.Printf("chat: %s: mark sent %s: %v", s.eventID, e.MessageID, err)
			s.retryLater()
			return false
		}
		if s.setOffline(e.MessageID, false) {
			s.publishUpdate()
		}
	}
	if len(entries) == s.batch {
		s.requestDrain()
		return false
	}
	return true
}

// requestDrain asks the loop for another drain pass.
func (s *Session) requestDrain() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// retryLater schedules a drain pass after the retry interval.
func (s *Session) retryLater() {
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = time.AfterFunc(s.retryIn, s.requestDrain)
}

// insert adds msg in timestamp order unless its id is already present.
// Equal timestamps keep arrival order.
func (s *Session) insert(msg models.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[msg.ID]; dup {
		return false
	}
	s.seen[msg.ID] = struct{}{}
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].Timestamp > msg.Timestamp })
	s.messages = append(s.messages, models.ChatMessage{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
	return true
}

func (s *Session) setOffline(id string, offline bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			changed := s.messages[i].IsOffline != offline
			s.messages[i].IsOffline = offline
			return changed
		}
	}
	return false
}

func (s *Session) lookup(id string) *models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			m := s.messages[i]
			return &m
		}
	}
	return nil
}

func (s *Session) setState(st transport.State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		s.publishUpdate()
	}
}

// persist writes msg to the store. Failures leave the message in memory.
func (s *Session) persist(msg models.ChatMessage) {
	if err := s.store.Put(s.ctx, msg); err != nil {
		log.Printf("chat: %s: persist %s: %v (kept in memory)", s.eventID, msg.ID, err)
	}
}

func (s *Session) publishUpdate() {
	u := s.Snapshot()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- u:
		default:
			// Full: replace the oldest snapshot with this one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}
