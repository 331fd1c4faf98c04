package redis

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestNewLink_RequiresAddr(t *testing.T) {
	_, err := NewLink(LinkOpts{})
	if err == nil || !strings.Contains(err.Error(), "addr is required") {
		t.Fatalf("error = %v, want addr is required", err)
	}
}

func TestNewLink_Defaults(t *testing.T) {
	l, err := NewLink(LinkOpts{Addr: "localhost:6379"})
	if err != nil {
		t.Fatal(err)
	}
	if l.opts.ConnectTimeout != 4*time.Second {
		t.Errorf("ConnectTimeout = %v, want 4s", l.opts.ConnectTimeout)
	}
	if l.opts.HealthInterval != DefaultHealthInterval {
		t.Errorf("HealthInterval = %v", l.opts.HealthInterval)
	}
}

func TestOptions(t *testing.T) {
	l, _ := NewLink(LinkOpts{Addr: "cache:6380", Password: "pw", DB: 2, ConnectTimeout: time.Second})
	o := l.Options()
	if o.Addr != "cache:6380" || o.Password != "pw" || o.DB != 2 {
		t.Errorf("Options = %+v", o)
	}
	if o.DialTimeout != time.Second {
		t.Errorf("DialTimeout = %v, want 1s", o.DialTimeout)
	}
	if o.MaxRetries != -1 {
		t.Errorf("MaxRetries = %d, want -1 (reconnects belong to transport.Conn)", o.MaxRetries)
	}
}

func TestLink_DialRefused(t *testing.T) {
	// Reserve a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	l, _ := NewLink(LinkOpts{Addr: addr, ConnectTimeout: 500 * time.Millisecond})
	_, err = l.Dial(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "redis: ping") {
		t.Errorf("error = %q, want redis: ping prefix", err.Error())
	}
}

func TestLink_NotConnected(t *testing.T) {
	l, _ := NewLink(LinkOpts{Addr: "localhost:6379"})
	if err := l.Publish(context.Background(), "t", []byte("x")); err == nil {
		t.Error("Publish before Dial should error")
	}
	if err := l.Subscribe(context.Background(), "t", func(string, []byte) {}); err == nil {
		t.Error("Subscribe before Dial should error")
	}
	if err := l.Hangup(); err != nil {
		t.Errorf("Hangup before Dial = %v", err)
	}
}
