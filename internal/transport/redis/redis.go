// Package redis implements a transport.Link over Redis PUBLISH/SUBSCRIBE.
// Redis pub/sub is at-most-once: a message published while this link is
// down is not replayed on reconnect.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultHealthInterval is how often a live link PINGs the server.
const DefaultHealthInterval = 15 * time.Second

// LinkOpts holds parameters for creating a Link.
type LinkOpts struct {
	Addr           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	HealthInterval time.Duration
}

// Link is a Redis pub/sub connection. It implements transport.Link.
type Link struct {
	opts LinkOpts

	mu       sync.Mutex
	client   *goredis.Client
	pubsub   *goredis.PubSub
	cancel   context.CancelFunc
	handlers map[string]func(topic string, payload []byte)
}

// NewLink creates a Link. It does not connect.
func NewLink(opts LinkOpts) (*Link, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis: addr is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 4 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	return &Link{opts: opts}, nil
}

// Options returns the go-redis client options for this link.
func (l *Link) Options() *goredis.Options {
	return &goredis.Options{
		Addr:        l.opts.Addr,
		Password:    l.opts.Password,
		DB:          l.opts.DB,
		DialTimeout: l.opts.ConnectTimeout,
		MaxRetries:  -1,
	}
}

// Dial connects, verifies the server with PING and starts the receive and
// health loops.
func (l *Link) Dial(ctx context.Context) (<-chan error, error) {
	client := goredis.NewClient(l.Options())

	pingCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	err := client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", l.opts.Addr, err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ps := client.Subscribe(connCtx)
	lost := make(chan error, 1)

	l.mu.Lock()
	l.client = client
	l.pubsub = ps
	l.cancel = connCancel
	l.handlers = make(map[string]func(string, []byte))
	l.mu.Unlock()

	report := func(err error) {
		if connCtx.Err() != nil {
			return
		}
		select {
		case lost <- err:
		default:
		}
	}
	go l.receive(connCtx, ps, report)
	go l.health(connCtx, client, report)
	return lost, nil
}

// Subscribe adds topic to the link's channel subscriptions.
func (l *Link) Subscribe(ctx context.Context, topic string, deliver func(topic string, payload []byte)) error {
	l.mu.Lock()
	ps := l.pubsub
	if ps != nil {
		l.handlers[topic] = deliver
	}
	l.mu.Unlock()
	if ps == nil {
		return fmt.Errorf("redis: not connected")
	}
	if err := ps.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload with PUBLISH.
func (l *Link) Publish(ctx context.Context, topic string, payload []byte) error {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil {
		return fmt.Errorf("redis: not connected")
	}
	if err := client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", topic, err)
	}
	return nil
}

// Hangup stops the loops and closes the connection.
func (l *Link) Hangup() error {
	l.mu.Lock()
	client, ps, cancel := l.client, l.pubsub, l.cancel
	l.client, l.pubsub, l.cancel, l.handlers = nil, nil, nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if ps != nil {
		errs = append(errs, ps.Close())
	}
	if client != nil {
		errs = append(errs, client.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("redis: hangup: %w", err)
	}
	return nil
}

func (l *Link) handler(topic string) func(string, []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers[topic]
}

// receive dispatches messages until the connection fails or ctx ends.
func (l *Link) receive(ctx context.Context, ps *goredis.PubSub, report func(error)) {
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			report(err)
			return
		}
		switch m := msg.(type) {
		case *goredis.Message:
			if fn := l.handler(m.Channel); fn != nil {
				fn(m.Channel, []byte(m.Payload))
			}
		case *goredis.Subscription, *goredis.Pong:
		default:
			log.Printf("redis: ignoring unexpected pubsub message %T", msg)
		}
	}
}

// health PINGs the server on an interval and reports the first failure.
func (l *Link) health(ctx context.Context, client *goredis.Client, report func(error)) {
	ticker := time.NewTicker(l.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				report(fmt.Errorf("health check: %w", err))
				return
			}
		}
	}
}
