package proxy

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const certDebounce = 500 * time.Millisecond

// certBundle holds the live certificate behind an atomic cell: the SNI
// callback reads it, the file watcher replaces it. One reload runs at a
// time.
type certBundle struct {
	certPath string
	keyPath  string
	log      *zap.Logger

	cell  atomic.Pointer[tls.Certificate]
	mtime atomic.Int64
	busy  atomic.Bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newCertBundle(certPath, keyPath string, log *zap.Logger) (*certBundle, error) {
	b := &certBundle{certPath: certPath, keyPath: keyPath, log: log, done: make(chan struct{})}
	if err := b.load(); err != nil {
		return nil, err
	}
	if err := b.watch(); err != nil {
		log.Warn("certificate watch unavailable", zap.Error(err))
	}
	return b, nil
}

// getCertificate is the SNI callback: a stable closure over the cell.
func (b *certBundle) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return b.cell.Load(), nil
}

func (b *certBundle) load() error {
	cert, err := tls.LoadX509KeyPair(b.certPath, b.keyPath)
	if err != nil {
		return err
	}
	if info, err := os.Stat(b.certPath); err == nil {
		b.mtime.Store(info.ModTime().UnixNano())
	}
	b.cell.Store(&cert)
	return nil
}

// watch reloads the bundle after file-change events on the cert
// directory, debounced, skipped while a reload is in flight or when the
// mtime has not moved.
func (b *certBundle) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(b.certPath)); err != nil {
		w.Close()
		return err
	}
	b.watcher = w

	go func() {
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(b.certPath) &&
					filepath.Clean(ev.Name) != filepath.Clean(b.keyPath) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(certDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				b.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				b.log.Warn("certificate watcher", zap.Error(err))
			case <-b.done:
				return
			}
		}
	}()
	return nil
}

func (b *certBundle) reload() {
	if !b.busy.CompareAndSwap(false, true) {
		return
	}
	defer b.busy.Store(false)

	info, err := os.Stat(b.certPath)
	if err != nil {
		b.log.Warn("certificate stat", zap.String("path", b.certPath), zap.Error(err))
		return
	}
	if info.ModTime().UnixNano() == b.mtime.Load() {
		return
	}
	if err := b.load(); err != nil {
		b.log.Error("certificate reload failed", zap.String("path", b.certPath), zap.Error(err))
		return
	}
	b.log.Info("certificate reloaded", zap.String("path", b.certPath))
}

func (b *certBundle) close() {
	close(b.done)
	if b.watcher != nil {
		b.watcher.Close()
	}
}
