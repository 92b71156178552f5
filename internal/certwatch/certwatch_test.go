package certwatch

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeKeyPair writes a fresh self-signed certificate for cn and returns its
// DER bytes.
func writeKeyPair(t *testing.T, certFile, keyFile, cn string) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
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

	// Key first: the watcher may reload between the two writes and must not
	// pair the new certificate with the old key for long.
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return der
}

func paths(t *testing.T) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key")
}

func TestNew_LoadsKeyPair(t *testing.T) {
	certFile, keyFile := paths(t)
	der := writeKeyPair(t, certFile, keyFile, "first")

	w, err := New(certFile, keyFile)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := w.GetClientCertificate(nil)
	if err != nil {
		t.Fatalf("GetClientCertificate: %v", err)
	}
	if !bytes.Equal(got.Certificate[0], der) {
		t.Fatal("served certificate does not match the file")
	}
}

func TestNew_MissingFiles(t *testing.T) {
	certFile, keyFile := paths(t)
	if _, err := New(certFile, keyFile); err == nil {
		t.Fatal("New succeeded without files")
	}
}

func TestRun_ReloadsOnChange(t *testing.T) {
	certFile, keyFile := paths(t)
	writeKeyPair(t, certFile, keyFile, "first")

	reloaded := make(chan struct{}, 8)
	w, err := New(certFile, keyFile,
		WithDebounce(20*time.Millisecond),
		WithOnReload(func() { reloaded <- struct{}{} }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(t.Context()) }()
	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)

	der := writeKeyPair(t, certFile, keyFile, "second")

	deadline := time.After(5 * time.Second)
	for !bytes.Equal(w.Certificate().Certificate[0], der) {
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatal("certificate was not reloaded")
		}
	}
}

func TestRun_KeepsPreviousPairOnBadWrite(t *testing.T) {
	certFile, keyFile := paths(t)
	der := writeKeyPair(t, certFile, keyFile, "first")

	w, err := New(certFile, keyFile, WithDebounce(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { _ = w.Run(t.Context()) }()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(certFile, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if !bytes.Equal(w.Certificate().Certificate[0], der) {
		t.Fatal("bad write replaced the certificate")
	}
	if err := w.Reload(); err == nil {
		t.Fatal("Reload of garbage succeeded")
	}
}
