// Package watch snapshots a source tree whenever its tracked files change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/ledgit/internal/ignore"
	"github.com/schaermu/ledgit/internal/ledger"
	"github.com/schaermu/ledgit/internal/snapshot"
)

// DefaultDebounce is the quiet period before a snapshot is taken.
const DefaultDebounce = 2 * time.Second

// Snapshotter is the part of snapshot.Engine the watcher drives.
type Snapshotter interface {
	Snapshot(ctx context.Context, req snapshot.Request) (*ledger.Record, error)
}

// Options configures a Watcher.
type Options struct {
	Source    string
	SessionID string
	// Folder is the session ledger; defaults to SessionID.
	Folder   string
	Debounce time.Duration
	// Exclude lists absolute directories that are never watched, such as a
	// ledgit root placed inside the source.
	Exclude []string
	Logger  *slog.Logger
}

// Watcher turns bursts of file events into single snapshots.
type Watcher struct {
	opts    Options
	engine  Snapshotter
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	matcher *ignore.Matcher // only touched by the event loop

	cancel context.CancelFunc
	wg     sync.WaitGroup

	debounce *debouncer

	runMu   sync.Mutex // guards running, pending and closed
	running bool       // whether a snapshot is in progress
	pending bool       // whether another snapshot is needed after the current one
	closed  bool       // set by Stop; no snapshot starts afterwards
}

// New creates a watcher for opts.Source.
func New(engine Snapshotter, opts Options) (*Watcher, error) {
	if opts.Source == "" {
		return nil, errors.New("source directory is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if opts.Folder == "" {
		opts.Folder = opts.SessionID
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	exclude := make([]string, 0, len(opts.Exclude))
	for _, dir := range opts.Exclude {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			dir = resolved
		}
		exclude = append(exclude, filepath.Clean(dir))
	}
	opts.Exclude = exclude

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		opts:     opts,
		engine:   engine,
		logger:   opts.Logger.With("source", opts.Source),
		fsw:      fsw,
		debounce: &debouncer{delay: opts.Debounce},
	}, nil
}

// Start registers every tracked directory and begins processing events.
// Changes made after Start returns are observed.
func (w *Watcher) Start(ctx context.Context) error {
	matcher, err := ignore.Load(w.opts.Source)
	if err != nil {
		return err
	}
	w.matcher = matcher

	watched, err := w.addTree(w.opts.Source)
	if err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("watching for changes", "dirs", watched, "debounce", w.opts.Debounce)
	return nil
}

// Stop shuts down the watcher and waits for an in-flight snapshot.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.debounce.stop()

	w.runMu.Lock()
	w.closed = true
	w.runMu.Unlock()

	w.wg.Wait()
	_ = w.fsw.Close()
}

// Run starts the watcher and blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if w.excluded(event.Name) {
		return
	}
	rel, ok := w.rel(event.Name)
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.matcher.ShouldSkipDir(rel) {
				return
			}
			if _, err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", rel, "error", err)
			}
			w.schedule(ctx, rel)
			return
		}
	}

	if filepath.Base(rel) == ignore.FileName {
		w.reloadRules()
	} else if w.matcher.ShouldIgnore(rel) {
		return
	}
	w.schedule(ctx, rel)
}

func (w *Watcher) schedule(ctx context.Context, rel string) {
	w.logger.Debug("change detected", "path", rel)
	w.debounce.trigger(func() {
		w.performSnapshot(ctx)
	})
}

func (w *Watcher) reloadRules() {
	matcher, err := ignore.Load(w.opts.Source)
	if err != nil {
		w.logger.Warn("failed to reload ignore rules", "error", err)
		return
	}
	w.matcher = matcher
}

// addTree watches dir and every non-pruned directory below it.
func (w *Watcher) addTree(dir string) (int, error) {
	watched := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(path) {
			return filepath.SkipDir
		}
		if rel, ok := w.rel(path); ok && rel != "" && w.matcher.ShouldSkipDir(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("cannot watch directory", "path", path, "error", err)
			return nil
		}
		watched++
		return nil
	})
	if err != nil {
		return watched, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return watched, nil
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.opts.Source, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) excluded(path string) bool {
	for _, dir := range w.opts.Exclude {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// performSnapshot takes one snapshot with single-flight semantics. If a
// snapshot is already in progress, at most one additional run is queued.
func (w *Watcher) performSnapshot(ctx context.Context) {
	w.runMu.Lock()
	if w.closed {
		w.runMu.Unlock()
		return
	}
	if w.running {
		w.pending = true
		w.runMu.Unlock()
		w.logger.Debug("snapshot already in progress, queuing pending re-run")
		return
	}
	w.running = true
	w.wg.Add(1)
	w.runMu.Unlock()
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			w.runMu.Lock()
			w.running, w.pending = false, false
			w.runMu.Unlock()
			return
		}

		rec, err := w.engine.Snapshot(ctx, snapshot.Request{
			SessionID:     w.opts.SessionID,
			SessionFolder: w.opts.Folder,
			Event:         ledger.EventFSChange,
		})
		switch {
		case err != nil:
			w.logger.Warn("snapshot failed", "error", err)
		case rec != nil:
			w.logger.Info("snapshot recorded", "step", rec.StepID, "commit", rec.CommitSHA, "files_changed", rec.FilesChanged)
		}

		w.runMu.Lock()
		if !w.pending {
			w.running = false
			w.runMu.Unlock()
			return
		}
		w.pending = false
		w.runMu.Unlock()

		w.logger.Debug("re-running snapshot due to pending request")
	}
}

// debouncer runs the most recent callback once events stop for delay.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
	stopped  bool
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		stopped := d.stopped
		d.mu.Unlock()

		if cb != nil && !stopped {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
