package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store owns the policy file and the current immutable snapshot. Reads go
// through an atomic pointer, so readers never observe a half-updated policy;
// reloads parse into a fresh snapshot and swap it in one step.
type Store struct {
	path          string
	applyChannels []string
	logger        *slog.Logger

	snapshot atomic.Pointer[Snapshot]

	lastHash  atomic.Value // string
	lastMtime atomic.Value // time.Time
}

// NewStore loads policy.json from path (creating it from the built-in
// defaults when missing) and compiles the initial snapshot.
func NewStore(path string, applyChannels []string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st := &Store{
		path:          path,
		applyChannels: applyChannels,
		logger:        logger.With("component", "policy"),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		spec := DefaultSpec()
		data, err := spec.Serialize()
		if err != nil {
			return nil, err
		}
		if err := WriteFileAtomic(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("seeding policy file: %w", err)
		}
		st.logger.Info("policy file created with defaults", "path", path)
	}

	if err := st.reload(); err != nil {
		return nil, err
	}
	return st, nil
}

// Current returns the snapshot in effect. The returned value is immutable.
func (s *Store) Current() *Snapshot { return s.snapshot.Load() }

// Path returns the policy file path.
func (s *Store) Path() string { return s.path }

// Evaluate is a convenience wrapper over Current().Evaluate.
func (s *Store) Evaluate(q Query) Decision { return s.Current().Evaluate(q) }

// reload parses the file and swaps the snapshot. The previous snapshot is
// retained on any failure.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return fmt.Errorf("parsing policy file: %w", err)
	}

	s.snapshot.Store(Compile(spec, s.applyChannels))
	sum := sha256.Sum256(data)
	s.lastHash.Store(hex.EncodeToString(sum[:]))
	if info, err := os.Stat(s.path); err == nil {
		s.lastMtime.Store(info.ModTime())
	}
	return nil
}

// ReloadIfChanged re-reads the file when its mtime differs from the last
// load, and installs a new snapshot only when the content hash differs too.
// An unchanged mtime skips the check. Returns true when a new snapshot was
// installed.
func (s *Store) ReloadIfChanged() (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return false, err
	}
	if prev, ok := s.lastMtime.Load().(time.Time); ok && info.ModTime().Equal(prev) {
		return false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if prev, ok := s.lastHash.Load().(string); ok && prev == hash {
		s.lastMtime.Store(info.ModTime())
		return false, nil
	}

	spec, err := ParseSpec(data)
	if err != nil {
		// Keep serving the last good snapshot.
		s.logger.Warn("policy reload rejected, keeping previous snapshot",
			"path", s.path, "error", err)
		return false, err
	}

	s.snapshot.Store(Compile(spec, s.applyChannels))
	s.lastHash.Store(hash)
	s.lastMtime.Store(info.ModTime())
	s.logger.Info("policy reloaded", "path", s.path, "hash", hash[:12])
	return true, nil
}

// Watch runs the hot-reload loop until ctx is cancelled: an fsnotify
// watcher on the policy directory plus an interval probe as a fallback for
// editors that replace files in ways the watcher misses.
func (s *Store) Watch(ctx context.Context) {
	spec := s.Current().Spec()
	if !spec.Runtime.ReloadOnChange {
		s.logger.Info("policy hot reload disabled")
		return
	}
	interval := time.Duration(spec.Runtime.ReloadCheckIntervalSeconds * float64(time.Second))
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, using interval probe only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			s.logger.Warn("watching policy dir failed", "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var events <-chan fsnotify.Event
		var errs <-chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if filepath.Clean(evt.Name) != filepath.Clean(s.path) {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			_, _ = s.ReloadIfChanged()
		case err := <-errs:
			if err != nil {
				s.logger.Warn("policy watcher error", "error", err)
			}
		case <-ticker.C:
			_, _ = s.ReloadIfChanged()
		}
	}
}

// WriteFileAtomic writes data to path via a temp file and rename so readers
// never see a torn document.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".policy-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// HashBytes returns the short content hash used in admin responses.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
