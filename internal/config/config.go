// Package config provides YAML-based configuration loading for gatherchat.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker kinds.
const (
	BrokerMQTT  = "mqtt"
	BrokerRedis = "redis"
	BrokerMock  = "mock"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Defaults mirror the behaviour of the mobile client this device talks to.
const (
	DefaultBrokerURL        = "wss://broker.emqx.io:8084/mqtt"
	DefaultTopicPrefix      = "gather-app/events/"
	DefaultConnectTimeoutMS = 4000
	DefaultReconnectMS      = 1000
	DefaultCredentialWindow = 5
	DefaultBridgePort       = 8787
	DefaultPruneCron        = "0 3 * * *"
	defaultStoreFile        = "gather.db"
	defaultDataDirName      = ".gather"
	defaultRedisAddr        = "localhost:6379"
	defaultMySQLPort        = 3306
	defaultCredentialSkew   = 1
	maxCredentialWindowSecs = 300
	maxSupportedVerifySkew  = 12
)

// Config is the top-level configuration, loaded from gather.yaml.
type Config struct {
	User       UserConfig       `yaml:"user"`
	Store      StoreConfig      `yaml:"store"`
	Broker     BrokerConfig     `yaml:"broker"`
	Credential CredentialConfig `yaml:"credential"`
	Bridge     BridgeConfig     `yaml:"bridge"`
}

// UserConfig is the identity this device chats as.
type UserConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// StoreConfig holds local persistence settings.
type StoreConfig struct {
	Driver        string      `yaml:"driver"`
	Path          string      `yaml:"path"`
	RetentionDays int         `yaml:"retention_days"`
	PruneCron     string      `yaml:"prune_cron"`
	MySQL         MySQLConfig `yaml:"mysql"`
}

// MySQLConfig holds connection settings for a shared MySQL store.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// BrokerConfig selects and configures the publish/subscribe transport.
type BrokerConfig struct {
	Kind                 string      `yaml:"kind"`
	URL                  string      `yaml:"url"`
	TopicPrefix          string      `yaml:"topic_prefix"`
	ConnectTimeoutMS     int         `yaml:"connect_timeout_ms"`
	ReconnectIntervalMS  int         `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts int         `yaml:"max_reconnect_attempts"` // 0 = retry forever
	Username             string      `yaml:"username"`
	Password             string      `yaml:"password"`
	Redis                RedisConfig `yaml:"redis"`
}

// RedisConfig holds settings for the Redis pub/sub transport.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CredentialConfig tunes the rotating ticket code.
type CredentialConfig struct {
	WindowSec  int `yaml:"window_sec"`
	VerifySkew int `yaml:"verify_skew"`
}

// BridgeConfig configures the local HTTP bridge.
type BridgeConfig struct {
	Port int `yaml:"port"`
}

// ConnectTimeout returns the broker connect timeout as a duration.
func (b BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutMS) * time.Millisecond
}

// ReconnectInterval returns the fixed reconnect interval as a duration.
func (b BrokerConfig) ReconnectInterval() time.Duration {
	return time.Duration(b.ReconnectIntervalMS) * time.Millisecond
}

// Window returns the credential window length as a duration.
func (c CredentialConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// Retention returns the message retention period. Zero disables pruning.
func (s StoreConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.User.Name == "" {
		c.User.Name = c.User.ID
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		c.Store.Path = filepath.Join(homeDir(), defaultDataDirName, defaultStoreFile)
	}
	c.Store.Path = expandHome(c.Store.Path)
	if c.Store.PruneCron == "" {
		c.Store.PruneCron = DefaultPruneCron
	}
	if c.Store.Driver == DriverMySQL {
		if c.Store.MySQL.Host == "" {
			c.Store.MySQL.Host = "127.0.0.1"
		}
		if c.Store.MySQL.Port == 0 {
			c.Store.MySQL.Port = defaultMySQLPort
		}
		if c.Store.MySQL.User == "" {
			c.Store.MySQL.User = "root"
		}
	}

	if c.Broker.Kind == "" {
		c.Broker.Kind = BrokerMQTT
	}
	if c.Broker.Kind == BrokerMQTT && c.Broker.URL == "" {
		c.Broker.URL = DefaultBrokerURL
	}
	if c.Broker.TopicPrefix == "" {
		c.Broker.TopicPrefix = DefaultTopicPrefix
	}
	if c.Broker.ConnectTimeoutMS == 0 {
		c.Broker.ConnectTimeoutMS = DefaultConnectTimeoutMS
	}
	if c.Broker.ReconnectIntervalMS == 0 {
		c.Broker.ReconnectIntervalMS = DefaultReconnectMS
	}
	if c.Broker.Kind == BrokerRedis && c.Broker.Redis.Addr == "" {
		c.Broker.Redis.Addr = defaultRedisAddr
	}

	if c.Credential.WindowSec == 0 {
		c.Credential.WindowSec = DefaultCredentialWindow
	}
	if c.Credential.VerifySkew == 0 {
		c.Credential.VerifySkew = defaultCredentialSkew
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = DefaultBridgePort
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.User.ID == "" {
		errs = append(errs, "user.id is required")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for sqlite")
		}
	case DriverMySQL:
		if c.Store.MySQL.Database == "" {
			errs = append(errs, "store.mysql.database is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (sqlite, mysql)", c.Store.Driver))
	}
	if c.Store.RetentionDays < 0 {
		errs = append(errs, "store.retention_days must be >= 0")
	}

	switch c.Broker.Kind {
	case BrokerMQTT:
		if c.Broker.URL == "" {
			errs = append(errs, "broker.url is required for mqtt")
		}
	case BrokerRedis, BrokerMock:
	default:
		errs = append(errs, fmt.Sprintf("broker.kind %q is not supported (mqtt, redis, mock)", c.Broker.Kind))
	}
	if c.Broker.ConnectTimeoutMS < 0 {
		errs = append(errs, "broker.connect_timeout_ms must be >= 0")
	}
	if c.Broker.ReconnectIntervalMS < 0 {
		errs = append(errs, "broker.reconnect_interval_ms must be >= 0")
	}
	if c.Broker.MaxReconnectAttempts < 0 {
		errs = append(errs, "broker.max_reconnect_attempts must be >= 0")
	}

	if c.Credential.WindowSec < 1 || c.Credential.WindowSec > maxCredentialWindowSecs {
		errs = append(errs, fmt.Sprintf("credential.window_sec must be between 1 and %d", maxCredentialWindowSecs))
	}
	if c.Credential.VerifySkew < 0 || c.Credential.VerifySkew > maxSupportedVerifySkew {
		errs = append(errs, fmt.Sprintf("credential.verify_skew must be between 0 and %d", maxSupportedVerifySkew))
	}
	if c.Bridge.Port < 1 || c.Bridge.Port > 65535 {
		errs = append(errs, "bridge.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}
