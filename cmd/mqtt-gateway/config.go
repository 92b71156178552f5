package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Broker backends.
const (
	BrokerMQTT   = "mqtt"
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

// Context store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the process configuration, read from the environment.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR,default=:8080"`
	HTTPPrefix  string `env:"HTTP_PREFIX"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`

	BrokerKind string `env:"BROKER_KIND,default=mqtt"`
	// MQTTConnectionString uses the broker.ParseConnectionString format.
	MQTTConnectionString string `env:"MQTT_CONNECTION_STRING"`
	MQTTTLSCAFile        string `env:"MQTT_TLS_CA_FILE"`
	MQTTTLSCertFile      string `env:"MQTT_TLS_CERT_FILE"`
	MQTTTLSKeyFile       string `env:"MQTT_TLS_KEY_FILE"`
	MQTTTLSInsecure      bool   `env:"MQTT_TLS_INSECURE,default=false"`

	TopicBase string `env:"TOPIC_BASE,default=personal"`

	ContextStore      string `env:"CONTEXT_STORE,default=memory"`
	RedisAddr         string `env:"REDIS_ADDR,default=localhost:6379"`
	SessionsKeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mqttgw:sessions:"`
	NATSURL           string `env:"NATS_URL,default=nats://127.0.0.1:4222"`

	RelayBuffer     int           `env:"RELAY_BUFFER,default=64"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// LoadConfig decodes the environment and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistency in cfg.
func (c Config) Validate() error {
	switch c.BrokerKind {
	case BrokerMQTT:
		if strings.TrimSpace(c.MQTTConnectionString) == "" {
			return errors.New("config: MQTT_CONNECTION_STRING is required for the mqtt broker")
		}
	case BrokerRedis, BrokerNATS, BrokerMemory:
	default:
		return fmt.Errorf("config: unknown BROKER_KIND %q", c.BrokerKind)
	}

	switch c.ContextStore {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: unknown CONTEXT_STORE %q", c.ContextStore)
	}

	if (c.MQTTTLSCertFile == "") != (c.MQTTTLSKeyFile == "") {
		return errors.New("config: MQTT_TLS_CERT_FILE and MQTT_TLS_KEY_FILE must be set together")
	}
	if c.RelayBuffer <= 0 {
		return errors.New("config: RELAY_BUFFER must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return l, nil
}

// baseTLSConfig builds the broker TLS configuration except for the client
// certificate, which is served by a certwatch.Watcher.
func (c Config) baseTLSConfig() (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.MQTTTLSInsecure, //nolint:gosec // opt-in for test brokers
	}
	if c.MQTTTLSCAFile != "" {
		pem, err := os.ReadFile(c.MQTTTLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("config: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: no certificates in %s", c.MQTTTLSCAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}
