package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clientKeyPair writes a self-signed client certificate and key and returns
// their paths.
func clientKeyPair(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "gateway"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return certFile, keyFile
}

// closedPort returns a loopback port with no listener.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func tlsMQTTConfig(t *testing.T) Config {
	certFile, keyFile := clientKeyPair(t)
	return Config{
		HTTPAddr:             "127.0.0.1:0",
		MetricsAddr:          "127.0.0.1:0",
		BrokerKind:           BrokerMQTT,
		MQTTConnectionString: fmt.Sprintf("Server=127.0.0.1;Port=%d;TrustedConnection=true", closedPort(t)),
		MQTTTLSCertFile:      certFile,
		MQTTTLSKeyFile:       keyFile,
		MQTTTLSInsecure:      true,
		TopicBase:            "personal",
		ContextStore:         StoreMemory,
		RelayBuffer:          8,
		LogLevel:             "info",
		ShutdownTimeout:      time.Second,
	}
}

func TestNewBrokerClient_ReturnsCertificateReloadUnstarted(t *testing.T) {
	client, background, err := newBrokerClient(tlsMQTTConfig(t), nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newBrokerClient: %v", err)
	}
	if client == nil || background == nil {
		t.Fatalf("client = %v, background set = %v", client, background != nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- background(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("background: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("background did not stop after cancellation")
	}
}

func TestNewBrokerClient_NoBackgroundWithoutClientCertificate(t *testing.T) {
	cfg := Config{BrokerKind: BrokerMemory}
	_, background, err := newBrokerClient(cfg, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newBrokerClient: %v", err)
	}
	if background != nil {
		t.Fatal("memory broker returned background work")
	}
}

func TestRun_BrokerConnectFailureReturns(t *testing.T) {
	cfg := tlsMQTTConfig(t)

	// The parent context is never cancelled: run must unwind on its own.
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, slog.New(slog.DiscardHandler)) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("run succeeded with no broker listening")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after the broker connect failed")
	}
}
