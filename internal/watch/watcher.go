// SPDX-License-Identifier: MPL-2.0

// Package watch re-runs a callback when the host files of a stack change:
// the stackfile itself and every file a stage copies into its image.
// Events inside the debounce window are coalesced into one callback.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/optstack/optstack/pkg/stackfile"
)

// DefaultDebounce is the quiet period before the callback fires. Editors
// often write a file as a temp file plus a rename.
const DefaultDebounce = 300 * time.Millisecond

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Dir is the directory Files are relative to.
		Dir string

		// Files are the watched paths relative to Dir.
		Files []string

		// Debounce defaults to DefaultDebounce when not positive.
		Debounce time.Duration

		// OnChange receives the changed paths relative to Dir, sorted.
		OnChange func(ctx context.Context, changed []string) error

		// Stderr receives callback and watcher errors. Defaults to os.Stderr.
		Stderr io.Writer
	}

	// Watcher fires OnChange after the watched files change. Run must be
	// called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		dir      string
		files    map[string]bool
		debounce time.Duration
		stderr   io.Writer
		started  atomic.Bool
	}
)

// StackFiles returns the host files sf is built from, relative to its
// directory: the stackfile and every stage file source.
func StackFiles(sf *stackfile.Stackfile) []string {
	files := []string{filepath.Base(sf.FilePath)}
	for _, st := range sf.Stages {
		for _, f := range st.Files {
			files = append(files, filepath.Clean(f.Src))
		}
	}
	slices.Sort(files)
	return slices.Compact(files)
}

// New watches the directories holding cfg.Files. Directories are watched
// rather than files so renames by editors are seen.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Files) == 0 {
		return nil, errors.New("watch: no files to watch")
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", dir, err)
	}

	w := &Watcher{
		cfg:      cfg,
		dir:      abs,
		files:    make(map[string]bool, len(cfg.Files)),
		debounce: cfg.Debounce,
		stderr:   cfg.Stderr,
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.stderr == nil {
		w.stderr = os.Stderr
	}

	dirs := make(map[string]bool)
	for _, f := range cfg.Files {
		if filepath.IsAbs(f) {
			if rel, relErr := filepath.Rel(abs, f); relErr == nil {
				f = rel
			}
		}
		f = filepath.Clean(f)
		w.files[f] = true
		dirs[filepath.Join(abs, filepath.Dir(f))] = true
	}

	if w.fsw, err = fsnotify.NewWatcher(); err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	for _, d := range slices.Sorted(maps.Keys(dirs)) {
		if err := w.fsw.Add(d); err != nil {
			_ = w.fsw.Close()
			return nil, fmt.Errorf("watch: add %s: %w", d, err)
		}
	}
	return w, nil
}

// Run blocks until ctx is cancelled and returns nil then. A fatal watcher
// error is returned. A callback still running when the next batch is due
// delays that batch instead of running concurrently. Run returns only after
// a running callback has returned.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watch: Run called more than once")
	}

	// mu guards pending, timer, running and stopped. inflight.Add is only
	// called under mu while stopped is false, so it happens before Wait.
	var (
		mu       sync.Mutex
		pending  = make(map[string]struct{})
		timer    *time.Timer
		running  bool
		stopped  bool
		inflight sync.WaitGroup
	)

	fire := func() {
		mu.Lock()
		if stopped || ctx.Err() != nil {
			mu.Unlock()
			return
		}
		if running {
			timer.Reset(w.debounce)
			mu.Unlock()
			return
		}
		running = true
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		inflight.Add(1)
		mu.Unlock()

		defer func() {
			mu.Lock()
			running = false
			mu.Unlock()
			inflight.Done()
		}()
		if len(changed) == 0 || w.cfg.OnChange == nil {
			return
		}
		if err := w.cfg.OnChange(ctx, changed); err != nil {
			fmt.Fprintf(w.stderr, "watch: %v\n", err)
		}
	}

	defer func() {
		mu.Lock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		inflight.Wait()
		if err := w.fsw.Close(); err != nil {
			fmt.Fprintf(w.stderr, "watch: close: %v\n", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: event channel closed")
			}
			if evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write) {
				continue
			}
			rel, err := filepath.Rel(w.dir, evt.Name)
			if err != nil || !w.files[rel] {
				continue
			}

			mu.Lock()
			pending[rel] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: error channel closed")
			}
			if isFatal(err) {
				return fmt.Errorf("watch: %w", err)
			}
			fmt.Fprintf(w.stderr, "watch: %v\n", err)
		}
	}
}
