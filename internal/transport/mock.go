package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerDown is returned by mock links while the MockBroker is down.
var ErrBrokerDown = errors.New("transport: mock broker down")

// Published records one message accepted by a MockBroker.
type Published struct {
	Topic   string
	Payload []byte
}

// MockBroker is an in-memory publish/subscribe broker. Links created from
// the same MockBroker see each other's publishes, so several sessions in
// one process can chat. It can simulate outages, redelivery and publish
// failures.
type MockBroker struct {
	mu          sync.Mutex
	down        bool
	failPublish error
	links       map[*MockLink]struct{}
	published   []Published
}

// NewMockBroker creates an empty broker in the up state.
func NewMockBroker() *MockBroker {
	return &MockBroker{links: make(map[*MockLink]struct{})}
}

// Link returns a new client link to the broker.
func (b *MockBroker) Link() *MockLink {
	return &MockLink{broker: b}
}

// Down drops every live connection and fails new dials until Up.
func (b *MockBroker) Down() {
	b.mu.Lock()
	b.down = true
	links := make([]*MockLink, 0, len(b.links))
	for l := range b.links {
		links = append(links, l)
	}
	b.links = make(map[*MockLink]struct{})
	b.mu.Unlock()

	for _, l := range links {
		l.drop(ErrBrokerDown)
	}
}

// Up lets dials succeed again.
func (b *MockBroker) Up() {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
}

// FailPublish makes every publish fail with err. Pass nil to clear.
func (b *MockBroker) FailPublish(err error) {
	b.mu.Lock()
	b.failPublish = err
	b.mu.Unlock()
}

// Published returns a copy of everything accepted so far.
func (b *MockBroker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// Inject delivers payload on topic to every subscribed link without
// recording it as published. Used for redelivery and malformed input.
// Delivery is asynchronous but ordered per link.
func (b *MockBroker) Inject(topic string, payload []byte) {
	for _, l := range b.connected() {
		l.deliver(topic, payload)
	}
}

func (b *MockBroker) connected() []*MockLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	links := make([]*MockLink, 0, len(b.links))
	for l := range b.links {
		links = append(links, l)
	}
	return links
}

func (b *MockBroker) publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return ErrBrokerDown
	}
	if b.failPublish != nil {
		err := b.failPublish
		b.mu.Unlock()
		return err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	b.published = append(b.published, Published{Topic: topic, Payload: p})
	b.mu.Unlock()

	b.Inject(topic, p)
	return nil
}

// MockLink is one client connection to a MockBroker. It implements Link.
type MockLink struct {
	broker *MockBroker

	mu    sync.Mutex
	lost  chan error
	subs  map[string]func(topic string, payload []byte)
	inbox *mockInbox
	dials int
}

// mockInbox queues deliveries for one connection and hands them to
// subscribers from its own goroutine, so a publisher never waits on a
// receiver.
type mockInbox struct {
	mu       sync.Mutex
	queue    []Published
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newMockInbox() *mockInbox {
	return &mockInbox{wake: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (in *mockInbox) push(p Published) {
	in.mu.Lock()
	in.queue = append(in.queue, p)
	in.mu.Unlock()
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *mockInbox) take() []Published {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := in.queue
	in.queue = nil
	return q
}

func (in *mockInbox) close() {
	in.stopOnce.Do(func() { close(in.stop) })
}

// Dial connects to the broker unless it is down.
func (l *MockLink) Dial(ctx context.Context) (<-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.broker.mu.Lock()
	defer l.broker.mu.Unlock()
	if l.broker.down {
		return nil, ErrBrokerDown
	}

	l.mu.Lock()
	if l.inbox != nil {
		l.inbox.close()
	}
	l.lost = make(chan error, 1)
	l.subs = make(map[string]func(string, []byte))
	l.inbox = newMockInbox()
	l.dials++
	lost := l.lost
	go l.pump(l.inbox)
	l.mu.Unlock()

	l.broker.links[l] = struct{}{}
	return lost, nil
}

// Subscribe registers deliver for topic on the current connection.
func (l *MockLink) Subscribe(_ context.Context, topic string, deliver func(topic string, payload []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		return ErrNotConnected
	}
	l.subs[topic] = deliver
	return nil
}

// Publish hands payload to the broker.
func (l *MockLink) Publish(_ context.Context, topic string, payload []byte) error {
	l.mu.Lock()
	live := l.subs != nil
	l.mu.Unlock()
	if !live {
		return ErrNotConnected
	}
	return l.broker.publish(topic, payload)
}

// Hangup disconnects from the broker.
func (l *MockLink) Hangup() error {
	l.broker.mu.Lock()
	delete(l.broker.links, l)
	l.broker.mu.Unlock()

	l.mu.Lock()
	l.disconnect()
	l.lost = nil
	l.mu.Unlock()
	return nil
}

// Dials returns how many successful dials this link has made.
func (l *MockLink) Dials() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dials
}

func (l *MockLink) drop(err error) {
	l.mu.Lock()
	lost := l.lost
	l.disconnect()
	l.lost = nil
	l.mu.Unlock()
	if lost != nil {
		lost <- err
	}
}

// disconnect drops subscriptions and undelivered messages. l.mu must be held.
func (l *MockLink) disconnect() {
	l.subs = nil
	if l.inbox != nil {
		l.inbox.close()
		l.inbox = nil
	}
}

func (l *MockLink) deliver(topic string, payload []byte) {
	l.mu.Lock()
	in := l.inbox
	l.mu.Unlock()
	if in != nil {
		in.push(Published{Topic: topic, Payload: payload})
	}
}

// pump hands queued deliveries to subscribers until in is closed.
func (l *MockLink) pump(in *mockInbox) {
	for {
		select {
		case <-in.stop:
			return
		case <-in.wake:
		}
		for _, p := range in.take() {
			l.mu.Lock()
			var fn func(string, []byte)
			if l.inbox == in {
				fn = l.subs[p.Topic]
			}
			l.mu.Unlock()
			if fn == nil {
				continue
			}
			select {
			case <-in.stop:
				return
			default:
			}
			fn(p.Topic, p.Payload)
		}
	}
}
