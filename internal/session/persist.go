package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// atomicWriteJSON writes v to path via a tmp-file-in-same-dir -> fsync ->
// rename sequence, holding an advisory flock on a sibling .lock file for
// the duration so concurrent writers (e.g. a debounced flush racing a
// manual save) serialize instead of interleaving (spec §4.5, §8).
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// lockFile takes an advisory exclusive flock on path (created if absent),
// returning a function that releases and closes it.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// SessionSaver debounces writes to disk: repeated calls to Mark() within
// the debounce window collapse into a single flush, while Flush() forces
// an immediate synchronous write (used on interrupt and at loop exit).
type SessionSaver struct {
	mu       sync.Mutex
	dirty    bool
	timer    *time.Timer
	flushFn  func() error
	interval time.Duration
}

// NewSessionSaver creates a saver that calls flushFn to persist state.
func NewSessionSaver(flushFn func() error) *SessionSaver {
	return &SessionSaver{flushFn: flushFn, interval: 500 * time.Millisecond}
}

// Mark schedules a debounced flush; safe to call repeatedly in a hot loop.
func (s *SessionSaver) Mark() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.interval, s.fire)
}

func (s *SessionSaver) fire() {
	s.mu.Lock()
	s.timer = nil
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()
	if dirty {
		_ = s.flushFn()
	}
}

// Flush forces an immediate synchronous write, cancelling any pending timer.
func (s *SessionSaver) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dirty = false
	s.mu.Unlock()
	return s.flushFn()
}
