// Package certwatch keeps a TLS client certificate loaded from disk and
// reloads it when the files change, so broker connections pick up rotated
// credentials on their next handshake.
package certwatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher serves the most recently loaded key pair. A reload that fails keeps
// the previous pair in place.
type Watcher struct {
	certFile string
	keyFile  string
	log      *slog.Logger
	debounce time.Duration
	onReload func()

	cert atomic.Pointer[tls.Certificate]

	mu    sync.Mutex
	timer *time.Timer
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// WithDebounce coalesces bursts of file events. Writers usually touch the
// certificate and key separately.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithOnReload registers f to run after each successful reload.
func WithOnReload(f func()) Option {
	return func(w *Watcher) { w.onReload = f }
}

// New loads the key pair and returns a Watcher for it. Call Run to follow
// changes.
func New(certFile, keyFile string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		certFile: certFile,
		keyFile:  keyFile,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload reads the key pair from disk.
func (w *Watcher) Reload() error {
	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return fmt.Errorf("certwatch: load key pair: %w", err)
	}
	w.cert.Store(&cert)
	return nil
}

// Certificate returns the current key pair.
func (w *Watcher) Certificate() *tls.Certificate {
	return w.cert.Load()
}

// GetClientCertificate is suitable for tls.Config.GetClientCertificate.
func (w *Watcher) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return w.cert.Load(), nil
}

// Run watches the directories holding the certificate and key until ctx is
// done. Directories are watched rather than files so that atomic renames and
// symlink swaps are observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("certwatch: %w", err)
	}
	defer func() {
		_ = fw.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()

	dirs := map[string]struct{}{
		filepath.Dir(w.certFile): {},
		filepath.Dir(w.keyFile):  {},
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("certwatch: watch %s: %w", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.trigger()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "certwatch.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce <= 0 {
		go w.reloadAndLog()
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.reloadAndLog)
		return
	}
	w.timer.Reset(w.debounce)
}

func (w *Watcher) reloadAndLog() {
	if err := w.Reload(); err != nil {
		w.log.Warn("certwatch.reload.fail", slog.String("err", err.Error()))
		return
	}
	w.log.Info("certwatch.reload.ok", slog.String("cert_file", w.certFile))
	if w.onReload != nil {
		w.onReload()
	}
}
