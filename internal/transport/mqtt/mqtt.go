// Package mqtt implements a transport.Link over an MQTT broker using the
// Eclipse Paho client. Paho's own reconnect logic is switched off; the
// transport.Conn loop owns reconnects and resubscriptions.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// QoS is the delivery guarantee used for publish and subscribe.
const QoS byte = 1

// disconnectQuiesce is how long Hangup lets in-flight work finish, in ms.
const disconnectQuiesce = 250

// LinkOpts holds parameters for creating a Link.
type LinkOpts struct {
	URL            string // e.g. wss://broker.emqx.io:8084/mqtt, tcp://host:1883
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration

	// NewClient overrides client construction. Defaults to paho.NewClient.
	NewClient func(*paho.ClientOptions) paho.Client
}

// Link is an MQTT connection. It implements transport.Link.
type Link struct {
	opts LinkOpts

	mu     sync.Mutex
	client paho.Client
}

// NewLink creates a Link. It does not connect.
func NewLink(opts LinkOpts) (*Link, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("mqtt: url is required")
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("mqtt: client id is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 4 * time.Second
	}
	if opts.NewClient == nil {
		opts.NewClient = paho.NewClient
	}
	return &Link{opts: opts}, nil
}

// ClientOptions builds the paho options for a fresh connection. lost
// receives the error when the connection drops.
func (l *Link) ClientOptions(lost chan<- error) *paho.ClientOptions {
	o := paho.NewClientOptions()
	o.AddBroker(l.opts.URL)
	o.SetClientID(l.opts.ClientID)
	o.SetCleanSession(true)
	o.SetConnectTimeout(l.opts.ConnectTimeout)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetOrderMatters(false)
	if l.opts.Username != "" {
		o.SetUsername(l.opts.Username)
		o.SetPassword(l.opts.Password)
	}
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})
	return o
}

// Dial connects to the broker, waiting at most the connect timeout.
func (l *Link) Dial(ctx context.Context) (<-chan error, error) {
	lost := make(chan error, 1)
	client := l.opts.NewClient(l.ClientOptions(lost))

	if err := wait(ctx, client.Connect(), l.opts.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: %w", l.opts.URL, err)
	}

	l.mu.Lock()
	l.client = client
	l.mu.Unlock()
	return lost, nil
}

// Subscribe subscribes to topic at QoS 1.
func (l *Link) Subscribe(ctx context.Context, topic string, deliver func(topic string, payload []byte)) error {
	client, err := l.current()
	if err != nil {
		return err
	}
	tok := client.Subscribe(topic, QoS, func(_ paho.Client, m paho.Message) {
		deliver(m.Topic(), m.Payload())
	})
	if err := wait(ctx, tok, l.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish publishes payload at QoS 1 and waits for the broker's ack.
func (l *Link) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := l.current()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Publish(topic, QoS, false, payload), l.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Hangup disconnects the current client.
func (l *Link) Hangup() error {
	l.mu.Lock()
	client := l.client
	l.client = nil
	l.mu.Unlock()
	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(disconnectQuiesce)
	}
	return nil
}

func (l *Link) current() (paho.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, fmt.Errorf("mqtt: not connected")
	}
	return l.client, nil
}

// wait blocks until tok completes, ctx is done, or timeout passes.
func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("timed out after %v", timeout)
	}
}
