// Package store is the in-memory JSON document store: named collections
// of records addressed through recipes, backed by a single UTF-8 JSON
// file with debounced persistence and an external-change watcher.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultDebounce = time.Second
	watchQuiet      = 500 * time.Millisecond
	// inhibitGrace keeps the watcher quiet a little past our own write,
	// editors and kernels deliver events late.
	inhibitGrace = time.Second
)

// Meta is the reserved "_" node of the document.
type Meta struct {
	Format   string `json:"format,omitempty"`
	Debounce int    `json:"debounce,omitempty"` // milliseconds
	ReadOnly bool   `json:"readonly,omitempty"`
}

// Store owns one JSON document. All access goes through the lock; query
// results are deep copies so callers may retain them.
type Store struct {
	path string
	log  *zap.Logger

	mu      sync.RWMutex
	raw     []byte
	meta    Meta
	version int64
	dirty   bool

	timerMu      sync.Mutex
	timer        *time.Timer
	inhibitUntil time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads the file and starts the external-change watcher. A missing
// or malformed file is a hard error; the owning site should not start.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{path: path, log: log, done: make(chan struct{})}
	if err := s.Load(); err != nil {
		return nil, err
	}
	if err := s.watch(); err != nil {
		log.Warn("store watcher unavailable", zap.String("path", path), zap.Error(err))
	}
	return s, nil
}

// Load reads the file and replaces the in-memory tree atomically,
// resetting config from the reserved "_" node.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("store %s: %w", s.path, err)
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("store %s: not valid JSON", s.path)
	}
	var meta Meta
	if node := gjson.GetBytes(raw, "_"); node.Exists() {
		if err := json.Unmarshal([]byte(node.Raw), &meta); err != nil {
			return fmt.Errorf("store %s: reserved _ node: %w", s.path, err)
		}
	}
	s.mu.Lock()
	s.raw = raw
	s.meta = meta
	s.version++
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Version increases on every reload and mutation.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ReadOnly reports the "_" readonly flag.
func (s *Store) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.ReadOnly
}

func (s *Store) debounce() time.Duration {
	if s.meta.Debounce > 0 {
		return time.Duration(s.meta.Debounce) * time.Millisecond
	}
	return defaultDebounce
}

// markDirty flags the tree changed and (re)arms the single-shot persist
// timer. Bursts of mutations collapse into one write.
func (s *Store) markDirty() {
	s.dirty = true
	s.version++
	d := s.debounce()
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.persist)
}

// persist writes the tree to disk with the watcher inhibited. Failure
// is logged and retried on the next mutation.
func (s *Store) persist() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	raw := make([]byte, len(s.raw))
	copy(raw, s.raw)
	s.dirty = false
	s.mu.Unlock()

	s.timerMu.Lock()
	s.inhibitUntil = time.Now().Add(inhibitGrace)
	s.timerMu.Unlock()

	if err := writeFileAtomic(s.path, raw); err != nil {
		s.log.Error("store persist failed", zap.String("path", s.path), zap.Error(err))
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.timerMu.Lock()
	s.inhibitUntil = time.Now().Add(inhibitGrace)
	s.timerMu.Unlock()
	s.log.Debug("store persisted", zap.String("path", s.path), zap.Int("bytes", len(raw)))
}

// Flush forces any pending persist to complete now.
func (s *Store) Flush() {
	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerMu.Unlock()
	s.persist()
}

// Close stops the watcher and flushes pending writes.
func (s *Store) Close() {
	close(s.done)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.Flush()
}

func (s *Store) inhibited() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return time.Now().Before(s.inhibitUntil)
}

// watch reloads the store when the file changes underneath us. Events
// settle through a quiet window so editors that write-then-rename only
// trigger one reload.
func (s *Store) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	go func() {
		var quiet *time.Timer
		target := filepath.Clean(s.path)
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if quiet != nil {
					quiet.Stop()
				}
				quiet = time.AfterFunc(watchQuiet, func() {
					if s.inhibited() {
						return
					}
					if err := s.Load(); err != nil {
						s.log.Error("store reload failed", zap.String("path", s.path), zap.Error(err))
						return
					}
					s.log.Info("store reloaded after external change", zap.String("path", s.path))
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("store watcher error", zap.String("path", s.path), zap.Error(err))
			}
		}
	}()
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".swap"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
