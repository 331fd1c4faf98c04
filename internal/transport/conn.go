package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// eventBuffer is the capacity of a Conn's event channel.
const eventBuffer = 256

// Conn implements Transport over a Link. It owns the connection state
// machine: Disconnected -> Connecting -> Connected, back to Disconnected on
// loss, and Connecting again after the policy interval.
type Conn struct {
	link   Link
	prefix string
	policy ReconnectPolicy

	mu      sync.Mutex
	state   State
	linkUp  bool // dialled; may still be resubscribing before Connected
	topics  map[string]struct{}
	started bool
	cancel  context.CancelFunc

	// sendMu guards events against close while a send is in flight.
	sendMu   sync.RWMutex
	closed   bool
	events   chan Event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	wait func(ctx context.Context, d time.Duration) bool
}

// ConnOpts holds parameters for creating a Conn.
type ConnOpts struct {
	Link        Link
	TopicPrefix string
	Policy      ReconnectPolicy // zero Interval defaults to one second
}

// NewConn creates a Conn. It does nothing on the network until Connect.
func NewConn(opts ConnOpts) (*Conn, error) {
	if opts.Link == nil {
		return nil, fmt.Errorf("transport: link is required")
	}
	policy := opts.Policy
	if policy.Interval <= 0 {
		policy.Interval = DefaultReconnectPolicy().Interval
	}
	return &Conn{
		link:   opts.Link,
		prefix: opts.TopicPrefix,
		policy: policy,
		topics: make(map[string]struct{}),
		events: make(chan Event, eventBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		wait:   sleepCtx,
	}, nil
}

// Connect starts the connection loop in the background.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isStopped() {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Subscribe records eventID's topic and subscribes now if connected.
// A failure is reported on Events and returned, but leaves the connection up.
func (c *Conn) Subscribe(ctx context.Context, eventID string) error {
	topic := Topic(c.prefix, eventID)

	c.mu.Lock()
	if c.isStopped() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.topics[topic] = struct{}{}
	up := c.linkUp
	c.mu.Unlock()

	if !up {
		return nil
	}
	if err := c.link.Subscribe(ctx, topic, c.deliver); err != nil {
		err = fmt.Errorf("transport: subscribe %s: %w", topic, err)
		c.emit(Event{Kind: EventError, Err: err})
		return err
	}
	return nil
}

// Publish sends payload to eventID's topic. It fails fast with
// ErrNotConnected rather than waiting for a reconnect.
func (c *Conn) Publish(ctx context.Context, eventID string, payload []byte) error {
	if c.isStopped() {
		return ErrClosed
	}
	if c.State() != Connected {
		return ErrNotConnected
	}
	topic := Topic(c.prefix, eventID)
	if err := c.link.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

// Events returns the event channel.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the connection loop, hangs up the link and closes Events.
func (c *Conn) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		started := c.started
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if started {
			<-c.done
		}

		err = c.link.Hangup()
		c.mu.Lock()
		c.linkUp = false
		c.state = Disconnected
		c.mu.Unlock()

		c.sendMu.Lock()
		c.closed = true
		close(c.events)
		c.sendMu.Unlock()
	})
	return err
}

func (c *Conn) isStopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// run is the connection loop.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(Connecting)

		lost, err := c.link.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.setState(Disconnected)
			c.emit(Event{Kind: EventError, Err: fmt.Errorf("transport: dial: %w", err)})
			if c.policy.Exhausted(failures) {
				log.Printf("transport: giving up after %d attempts: %v", failures, err)
				c.emit(Event{Kind: EventError, Err: ErrRetriesExhausted})
				return
			}
			log.Printf("transport: dial failed (attempt %d): %v; retrying in %v", failures, err, c.policy.Interval)
			if !c.wait(ctx, c.policy.Interval) {
				return
			}
			continue
		}

		failures = 0
		c.setLinkUp(true)
		c.resubscribe(ctx)
		c.setState(Connected)

		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			c.setLinkUp(false)
			c.setState(Disconnected)
			_ = c.link.Hangup()
			if err == nil {
				err = fmt.Errorf("connection closed")
			}
			log.Printf("transport: connection lost: %v; reconnecting in %v", err, c.policy.Interval)
			c.emit(Event{Kind: EventError, Err: fmt.Errorf("transport: connection lost: %w", err)})
			if !c.wait(ctx, c.policy.Interval) {
				return
			}
		}
	}
}

// resubscribe subscribes every recorded topic on a fresh connection.
func (c *Conn) resubscribe(ctx context.Context) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		if err := c.link.Subscribe(ctx, t, c.deliver); err != nil {
			log.Printf("transport: subscribe %s: %v", t, err)
			c.emit(Event{Kind: EventError, Err: fmt.Errorf("transport: subscribe %s: %w", t, err)})
		}
	}
}

// deliver is handed to the link as the message callback.
func (c *Conn) deliver(topic string, payload []byte) {
	eventID, ok := EventIDFromTopic(c.prefix, topic)
	if !ok {
		log.Printf("transport: dropping delivery on foreign topic %s", topic)
		return
	}
	c.emit(Event{Kind: EventMessage, EventID: eventID, Topic: topic, Payload: payload})
}

func (c *Conn) setLinkUp(up bool) {
	c.mu.Lock()
	c.linkUp = up
	c.mu.Unlock()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(Event{Kind: EventState, State: s})
}

// emit sends ev unless the Conn is closing.
func (c *Conn) emit(ev Event) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// sleepCtx waits for d or ctx cancellation. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
