package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// reloadDebounce coalesces the bursts of fsnotify events editors and atomic
// writers produce for a single save.
const reloadDebounce = 500 * time.Millisecond

// Store publishes immutable config snapshots. It is single-writer (reload
// and admin edits serialize on its mutex) and many-reader; Get is an atomic
// pointer load so sessions can call it on every station selection.
type Store struct {
	logger golog.Logger
	path   string

	current atomic.Pointer[Config]

	mu       sync.Mutex
	watchers []func(*Config)

	fsWatcher               *fsnotify.Watcher
	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewStore loads the config at path, creating the file with defaults when it
// does not exist yet.
func NewStore(path string, logger golog.Logger) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Infof("config file %q not found, creating it with defaults", path)
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
		if err := DefaultConfig().WriteFile(path); err != nil {
			return nil, err
		}
	}
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	s := &Store{
		logger:     logger,
		path:       path,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	s.current.Store(cfg)
	return s, nil
}

// Get returns the current snapshot. Callers must treat it as read-only.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Watch registers a callback invoked after every published snapshot change.
func (s *Store) Watch(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Reload re-reads the backing file. On failure the previous snapshot stays
// published and the error is returned.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := Read(s.path)
	if err != nil {
		return errors.Wrap(err, "config reload failed, keeping previous snapshot")
	}
	s.publishLocked(cfg)
	return nil
}

// Replace validates cfg, persists it to the backing file, and publishes it.
// A failed replace leaves the current snapshot untouched.
func (s *Store) Replace(cfg *Config) error {
	if err := cfg.Ensure(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := cfg.WriteFile(s.path); err != nil {
		return err
	}
	s.publishLocked(cfg)
	return nil
}

func (s *Store) publishLocked(cfg *Config) {
	// A reload of an unchanged file must not be observable downstream.
	if reflect.DeepEqual(s.current.Load(), cfg) {
		return
	}
	s.current.Store(cfg)
	for _, fn := range s.watchers {
		fn(cfg)
	}
}

// StartWatching begins reacting to file-system changes of the backing file.
// The parent directory is watched so renames from atomic writers are seen.
func (s *Store) StartWatching() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(s.path)); err != nil {
		return multierr.Combine(err, fsWatcher.Close())
	}
	s.fsWatcher = fsWatcher

	debounced := debounce.New(reloadDebounce)
	s.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			select {
			case <-s.cancelCtx.Done():
				return
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounced(func() {
					if err := s.Reload(); err != nil {
						s.logger.Errorw("config reload failed", "error", err)
					} else {
						s.logger.Infow("config reloaded", "path", s.path)
					}
				})
			case watchErr, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				s.logger.Errorw("config watcher error", "error", watchErr)
			}
		}
	}, s.activeBackgroundWorkers.Done)
	return nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	s.cancelFunc()
	var err error
	if s.fsWatcher != nil {
		err = s.fsWatcher.Close()
	}
	s.activeBackgroundWorkers.Wait()
	return err
}
