package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/gatherchat/internal/chat"
	"github.com/zulandar/gatherchat/internal/config"
	"github.com/zulandar/gatherchat/internal/db"
	"github.com/zulandar/gatherchat/internal/store"
	"github.com/zulandar/gatherchat/internal/transport"
	mqttlink "github.com/zulandar/gatherchat/internal/transport/mqtt"
	redislink "github.com/zulandar/gatherchat/internal/transport/redis"
)

// openFromConfig loads the config and opens the migrated local store.
func openFromConfig(configPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Open(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	st, err := store.New(gormDB)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

var (
	mockBrokerOnce sync.Once
	mockBroker     *transport.MockBroker
)

// loopbackBroker is the in-process broker used with broker.kind: mock.
func loopbackBroker() *transport.MockBroker {
	mockBrokerOnce.Do(func() { mockBroker = transport.NewMockBroker() })
	return mockBroker
}

// newLink builds the broker link for cfg, identified as userID.
func newLink(cfg config.BrokerConfig, userID string) (transport.Link, error) {
	switch cfg.Kind {
	case config.BrokerMQTT:
		link, err := mqttlink.NewLink(mqttlink.LinkOpts{
			URL:            cfg.URL,
			ClientID:       transport.ClientID(userID),
			Username:       cfg.Username,
			Password:       cfg.Password,
			ConnectTimeout: cfg.ConnectTimeout(),
		})
		if err != nil {
			return nil, err
		}
		return link, nil
	case config.BrokerRedis:
		link, err := redislink.NewLink(redislink.LinkOpts{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			ConnectTimeout: cfg.ConnectTimeout(),
		})
		if err != nil {
			return nil, err
		}
		return link, nil
	case config.BrokerMock:
		return loopbackBroker().Link(), nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}

// newTransport builds a reconnecting transport for userID.
func newTransport(cfg config.BrokerConfig, userID string) (*transport.Conn, error) {
	link, err := newLink(cfg, userID)
	if err != nil {
		return nil, err
	}
	return transport.NewConn(transport.ConnOpts{
		Link:        link,
		TopicPrefix: cfg.TopicPrefix,
		Policy: transport.ReconnectPolicy{
			Interval:    cfg.ReconnectInterval(),
			MaxAttempts: cfg.MaxReconnectAttempts,
		},
	})
}

// sessionOpener returns a chat.OpenFunc that gives every session its own
// broker connection.
func sessionOpener(cfg *config.Config, st *store.Store) chat.OpenFunc {
	return func(ctx context.Context, eventID, userID, userName string) (*chat.Session, error) {
		conn, err := newTransport(cfg.Broker, userID)
		if err != nil {
			return nil, err
		}
		return chat.Open(ctx, chat.SessionOpts{
			Store:     st,
			Transport: conn,
			EventID:   eventID,
			UserID:    userID,
			UserName:  userName,
		})
	}
}
