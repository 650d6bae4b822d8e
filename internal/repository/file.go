// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/flowengine/internal/log"
)

// reloadDebounce coalesces bursts of filesystem events from one save.
const reloadDebounce = 100 * time.Millisecond

// IsDefinitionFile reports whether name has a definition extension.
func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir parses every definition file directly inside dir. All file errors
// are joined; definitions that parsed are returned alongside them.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}

	defs := make(map[string]*Definition)
	origin := make(map[string]string)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !IsDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		def, err := Parse(data, filepath.Ext(path))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if prev, dup := origin[def.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: workflow id %q already defined in %s", entry.Name(), def.ID, prev))
			continue
		}
		defs[def.ID] = def
		origin[def.ID] = entry.Name()
	}
	return defs, errors.Join(errs...)
}

// FileRepository serves definitions loaded from a directory and reloads
// them when files change.
type FileRepository struct {
	*MemoryRepository

	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	doneCh  chan struct{}
}

// NewFileRepository loads every definition in dir. Any invalid file fails
// the load.
func NewFileRepository(dir string, logger *slog.Logger) (*FileRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	defs, err := LoadDir(absDir)
	if err != nil {
		return nil, err
	}

	r := &FileRepository{
		MemoryRepository: NewMemoryRepository(),
		dir:              absDir,
		logger:           log.WithComponent(logger, "repository").With(slog.String("path", absDir)),
	}
	r.replace(defs)
	r.logger.Info("loaded workflow definitions", slog.Int("count", len(defs)))
	return r, nil
}

// Dir returns the watched directory.
func (r *FileRepository) Dir() string { return r.dir }

// Reload re-reads the directory. Files that fail to parse keep their
// previously loaded definition.
func (r *FileRepository) Reload() error {
	defs, err := LoadDir(r.dir)
	if defs == nil {
		return err
	}

	if err != nil {
		// keep last good versions of definitions that now fail
		for _, old := range r.List() {
			if _, ok := defs[old.ID]; !ok {
				defs[old.ID] = old
			}
		}
		r.logger.Warn("some workflow definitions failed to reload", log.Error(err))
	}
	r.replace(defs)
	r.logger.Debug("reloaded workflow definitions", slog.Int("count", len(defs)))
	return err
}

// Watch starts reloading on filesystem changes until ctx is done or Close
// is called.
func (r *FileRepository) Watch(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return errors.New("repository: already watching")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(r.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch path: %w", err)
	}

	r.watcher = fsw
	r.doneCh = make(chan struct{})
	go r.eventLoop(ctx, fsw, r.doneCh)
	r.logger.Info("watching workflow definitions")
	return nil
}

func (r *FileRepository) eventLoop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = r.Reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			r.logger.Error("definition watcher error", log.Error(err))
		}
	}
}

// Close stops watching. It is safe to call without Watch.
func (r *FileRepository) Close() error {
	r.mu.Lock()
	fsw, done := r.watcher, r.doneCh
	r.watcher, r.doneCh = nil, nil
	r.mu.Unlock()

	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	<-done
	return err
}
