package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mqtt-gateway-go/internal/logctx"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BROKER_KIND", "memory")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MetricsAddr != ":9090" {
		t.Fatalf("addrs = %q %q", cfg.HTTPAddr, cfg.MetricsAddr)
	}
	if cfg.TopicBase != "personal" || cfg.ContextStore != StoreMemory {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RelayBuffer != 64 || cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if l, _ := cfg.Level(); l != slog.LevelInfo {
		t.Fatalf("level = %v", l)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("BROKER_KIND", "mqtt")
	t.Setenv("MQTT_CONNECTION_STRING", "Server=broker.local;User=gw;Password=pw")
	t.Setenv("TOPIC_BASE", "tenant-a")
	t.Setenv("CONTEXT_STORE", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("HTTP_PREFIX", "/api")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TopicBase != "tenant-a" || cfg.RedisAddr != "redis:6379" || cfg.HTTPPrefix != "/api" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
	if l, _ := cfg.Level(); l != slog.LevelDebug {
		t.Fatalf("level = %v", l)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		BrokerKind:   BrokerMemory,
		ContextStore: StoreMemory,
		RelayBuffer:  1,
		LogLevel:     "info",
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown broker", func(c *Config) { c.BrokerKind = "kafka" }, "BROKER_KIND"},
		{"mqtt without connection string", func(c *Config) { c.BrokerKind = BrokerMQTT }, "MQTT_CONNECTION_STRING"},
		{"unknown store", func(c *Config) { c.ContextStore = "etcd" }, "CONTEXT_STORE"},
		{"cert without key", func(c *Config) { c.MQTTTLSCertFile = "c.pem" }, "MQTT_TLS_KEY_FILE"},
		{"zero buffer", func(c *Config) { c.RelayBuffer = 0 }, "RELAY_BUFFER"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate err = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestBaseTLSConfig(t *testing.T) {
	cfg := Config{MQTTTLSCAFile: filepath.Join(t.TempDir(), "missing.pem")}
	if _, err := cfg.baseTLSConfig(); err == nil {
		t.Fatal("missing CA file accepted")
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.MQTTTLSCAFile = bad
	if _, err := cfg.baseTLSConfig(); err == nil {
		t.Fatal("CA file without certificates accepted")
	}

	tc, err := Config{MQTTTLSInsecure: true}.baseTLSConfig()
	if err != nil {
		t.Fatalf("baseTLSConfig: %v", err)
	}
	if !tc.InsecureSkipVerify || tc.RootCAs != nil {
		t.Fatalf("tls config = %+v", tc)
	}
}

func TestNewLogger_AddsSessionGroup(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, slog.LevelInfo)

	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: "s-1", RelayID: "r-1"})
	log.InfoContext(ctx, "session.attach.ok")
	log.DebugContext(ctx, "filtered")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var rec struct {
		Msg  string `json:"msg"`
		Sess struct {
			ID      string `json:"id"`
			RelayID string `json:"relay_id"`
		} `json:"sess"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Msg != "session.attach.ok" || rec.Sess.ID != "s-1" || rec.Sess.RelayID != "r-1" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRun_MemoryBroker(t *testing.T) {
	cfg := Config{
		HTTPAddr:        "127.0.0.1:0",
		MetricsAddr:     "127.0.0.1:0",
		BrokerKind:      BrokerMemory,
		TopicBase:       "personal",
		ContextStore:    StoreMemory,
		RelayBuffer:     8,
		LogLevel:        "info",
		ShutdownTimeout: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.New(slog.DiscardHandler)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
