// Package snapshot turns the current state of a source directory into an
// immutable commit of its managed project and records it in a session
// ledger.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/schaermu/ledgit/internal/git"
	"github.com/schaermu/ledgit/internal/jsonfile"
	"github.com/schaermu/ledgit/internal/ledger"
	"github.com/schaermu/ledgit/internal/lock"
	"github.com/schaermu/ledgit/internal/mirror"
	"github.com/schaermu/ledgit/internal/project"
	"github.com/schaermu/ledgit/internal/registry"
)

// ErrBackend marks failures of the version-control backend. A snapshot that
// fails this way produced no commit; callers may carry on.
var ErrBackend = errors.New("backend failure")

const (
	// NoChangesMessage is recorded when a step references the previous commit.
	NoChangesMessage = "No changes (referencing existing commit)"
	// InitialCommitMessage is the message of the first commit of a project.
	InitialCommitMessage = "Initial ledgit snapshot"

	defaultLockTimeout = 60 * time.Second
)

// gitignore of the managed repository itself.
var managedIgnore = []byte(project.LockFileName + "\n.ledgit-tmp-*\n")

// initGroup collapses concurrent initializations of one project within the
// process. Keys are project directories.
var initGroup singleflight.Group

// Options configures an Engine.
type Options struct {
	// Root is the ledgit root directory holding all managed projects.
	Root string
	// Identity is the resolved source project.
	Identity project.Identity
	// Git is the backend client.
	Git git.Client
	// Logger receives engine logs. Defaults to slog.Default().
	Logger *slog.Logger
	// LockTimeout bounds waiting for the project lock.
	LockTimeout time.Duration
	// Branch is pushed by default.
	Branch string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine produces snapshots of one project. An Engine caches the project
// config, so long-lived callers share one Engine per project.
type Engine struct {
	layout      project.Layout
	git         git.Client
	store       *project.Store
	logger      *slog.Logger
	lockTimeout time.Duration
	branch      string
	now         func() time.Time
}

// Request describes one step to snapshot.
type Request struct {
	SessionID string
	// SessionFolder selects the ledger the record is appended to. Empty
	// means the record is only returned.
	SessionFolder string
	// StepID of zero or less takes the next step of the session ledger,
	// assigned under the project lock.
	StepID int
	Event  string
	// Message overrides the default commit subject.
	Message string
	// MessageFunc builds the subject from the assigned step. It is used
	// when Message is empty.
	MessageFunc func(step int) string
}

// New creates an engine for opts.Identity under opts.Root.
func New(opts Options) (*Engine, error) {
	if opts.Root == "" {
		return nil, errors.New("ledgit root is required")
	}
	if opts.Identity.Hash == "" {
		return nil, errors.New("project identity is required")
	}
	if opts.Git == nil {
		return nil, errors.New("git client is required")
	}

	layout := project.NewLayout(opts.Root, opts.Identity)
	e := &Engine{
		layout:      layout,
		git:         opts.Git,
		store:       project.NewStore(layout),
		logger:      opts.Logger,
		lockTimeout: opts.LockTimeout,
		branch:      opts.Branch,
		now:         opts.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("project", opts.Identity.Hash)
	if !lock.Supported {
		e.logger.Warn("file locking is not supported on this platform, concurrent writers are not serialized")
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = defaultLockTimeout
	}
	if e.branch == "" {
		e.branch = "main"
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Layout returns the on-disk layout of the managed project.
func (e *Engine) Layout() project.Layout {
	return e.layout
}

// Config returns the project config, or ok=false when the project has not
// been initialized.
func (e *Engine) Config() (*project.Config, bool) {
	cfg, ok, err := e.store.Load()
	if err != nil {
		e.logger.Warn("project config unreadable", "error", err)
	}
	return cfg, ok
}

// EnsureInitialized creates the managed project on first use. It is safe to
// call from several goroutines and processes at once.
func (e *Engine) EnsureInitialized(ctx context.Context) (*project.Config, error) {
	v, err, _ := initGroup.Do(e.layout.ProjectDir(), func() (any, error) {
		var cfg *project.Config
		err := e.withLock(ctx, func() error {
			var err error
			cfg, err = e.ensureInitialized(ctx)
			return err
		})
		return cfg, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*project.Config), nil
}

// Snapshot mirrors the source and either commits the changes or references
// the current commit when nothing changed. It returns nil without error when
// there is nothing to reference yet. A backend failure returns an error
// wrapping ErrBackend and no record.
func (e *Engine) Snapshot(ctx context.Context, req Request) (*ledger.Record, error) {
	var rec *ledger.Record
	err := e.withLock(ctx, func() error {
		if _, err := e.ensureInitialized(ctx); err != nil {
			return err
		}

		if req.StepID <= 0 {
			var records []ledger.Record
			if req.SessionFolder != "" {
				records = ledger.LoadAll(e.layout.SessionDir(req.SessionFolder))
			}
			req.StepID = ledger.NextStepID(records)
		}

		var err error
		rec, err = e.snapshotLocked(ctx, req)
		if err != nil || rec == nil || req.SessionFolder == "" {
			return err
		}
		return ledger.Append(e.layout.SessionDir(req.SessionFolder), *rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Sync reconciles the mirror without committing.
func (e *Engine) Sync(ctx context.Context, dryRun bool) (mirror.Result, error) {
	var res mirror.Result
	err := e.withLock(ctx, func() error {
		if _, err := e.ensureInitialized(ctx); err != nil {
			return err
		}
		var err error
		res, err = e.syncer(dryRun).Sync(ctx)
		return err
	})
	return res, err
}

// Records returns the ledger of a session folder.
func (e *Engine) Records(folder string) []ledger.Record {
	return ledger.LoadAll(e.layout.SessionDir(folder))
}

func (e *Engine) snapshotLocked(ctx context.Context, req Request) (*ledger.Record, error) {
	dir := e.layout.ProjectDir()

	if _, err := e.syncer(false).Sync(ctx); err != nil {
		return nil, fmt.Errorf("mirror sync failed: %w", err)
	}

	if err := os.MkdirAll(e.layout.TrajectoriesDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create trajectories directory: %w", err)
	}
	if err := e.git.Add(ctx, dir, true, project.FilesDirName, project.TrajectoriesDirName, project.ConfigFileName); err != nil {
		return nil, backendError("stage", err)
	}

	changes, err := e.git.Status(ctx, dir, project.FilesDirName)
	if err != nil {
		return nil, backendError("status", err)
	}

	timestamp := e.now().UTC().Format(project.TimestampFormat)

	if len(changes) == 0 {
		sha, ok, err := e.git.Head(ctx, dir)
		if err != nil {
			return nil, backendError("resolve HEAD", err)
		}
		if !ok {
			return nil, nil
		}
		e.logger.Debug("no changes", "step", req.StepID, "commit", sha)
		return &ledger.Record{
			StepID:       req.StepID,
			Event:        req.Event,
			CommitSHA:    sha,
			Timestamp:    timestamp,
			Message:      ledger.MessagePtr(NoChangesMessage),
			FilesChanged: 0,
		}, nil
	}

	message := req.Message
	if message == "" && req.MessageFunc != nil {
		message = req.MessageFunc(req.StepID)
	}
	if message == "" {
		message = DefaultMessage(req.SessionID, req.StepID, req.Event)
	}
	body := CommitMessage(message, req.SessionID, req.StepID, req.Event, timestamp)

	if err := e.git.Commit(ctx, dir, body, false); err != nil {
		return nil, backendError("commit", err)
	}
	sha, ok, err := e.git.Head(ctx, dir)
	if err != nil {
		return nil, backendError("resolve HEAD", err)
	}
	if !ok {
		return nil, backendError("resolve HEAD", errors.New("no commit after successful commit"))
	}

	e.logger.Info("snapshot committed",
		"step", req.StepID,
		"event", req.Event,
		"commit", sha,
		"files_changed", len(changes))

	return &ledger.Record{
		StepID:       req.StepID,
		Event:        req.Event,
		CommitSHA:    sha,
		Timestamp:    timestamp,
		Message:      ledger.MessagePtr(message),
		FilesChanged: len(changes),
	}, nil
}

// ensureInitialized must run under the project lock.
func (e *Engine) ensureInitialized(ctx context.Context) (*project.Config, error) {
	cfg, ok, err := e.store.Load()
	if err != nil {
		e.logger.Warn("project config unreadable, reinitializing", "error", err)
	}
	if ok {
		return cfg, nil
	}

	dir := e.layout.ProjectDir()
	e.logger.Info("initializing project", "source", e.layout.Identity.SourcePath, "dir", dir)

	for _, d := range []string{e.layout.FilesDir(), e.layout.TrajectoriesDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	if _, err := os.Stat(e.layout.GitDir()); errors.Is(err, os.ErrNotExist) {
		if err := e.git.Init(ctx, dir); err != nil {
			return nil, backendError("init", err)
		}
	}

	if err := os.WriteFile(e.layout.GitIgnoreFile(), managedIgnore, 0644); err != nil {
		return nil, fmt.Errorf("failed to write managed .gitignore: %w", err)
	}

	cfg = project.NewConfig(e.layout.Identity, e.now())
	var previous project.Config
	if err := jsonfile.Load(e.layout.ConfigFile(), &previous); err == nil {
		if previous.CreatedAt != "" {
			cfg.CreatedAt = previous.CreatedAt
		}
		cfg.RemoteURL = previous.RemoteURL
	}
	if err := e.store.Save(cfg); err != nil {
		return nil, err
	}

	entry := registry.Entry{
		ProjectHash: e.layout.Identity.Hash,
		SourcePath:  e.layout.Identity.SourcePath,
		ProjectName: e.layout.Identity.Name,
		LedgitPath:  dir,
	}
	if err := registry.Register(ctx, e.layout.GlobalIndexFile(), entry); err != nil {
		e.logger.Warn("failed to register project", "error", err)
	}

	if _, err := e.syncer(false).Sync(ctx); err != nil {
		e.logger.Warn("initial sync failed", "error", err)
	}

	if _, ok, err := e.git.Head(ctx, dir); err != nil {
		return nil, backendError("resolve HEAD", err)
	} else if !ok {
		// Only control files go into the first commit, so the first real
		// snapshot reports the mirrored content as changed.
		if err := e.git.Add(ctx, dir, false, project.ConfigFileName, filepath.Base(e.layout.GitIgnoreFile())); err != nil {
			return nil, backendError("stage", err)
		}
		if err := e.git.Commit(ctx, dir, InitialCommitMessage, true); err != nil {
			return nil, backendError("commit", err)
		}
	}

	return cfg, nil
}

func (e *Engine) withLock(ctx context.Context, fn func() error) error {
	l, err := lock.Acquire(ctx, e.layout.LockFile(), e.lockTimeout)
	if err != nil {
		return err
	}
	e.logger.Debug("project lock acquired", "path", l.Path())
	defer func() {
		if err := l.Release(); err != nil {
			e.logger.Warn("failed to release project lock", "error", err)
		}
	}()
	return fn()
}

func (e *Engine) syncer(dryRun bool) *mirror.Syncer {
	return mirror.NewSyncer(e.layout.Identity.SourcePath, e.layout.FilesDir(), e.logger, dryRun).
		Exclude(e.layout.Root)
}

// DefaultMessage is the commit subject used when the caller gives none.
func DefaultMessage(sessionID string, step int, event string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("session:%s step:%d event:%s", short, step, event)
}

// CommitMessage builds the full commit message for a step.
func CommitMessage(message, sessionID string, step int, event, timestamp string) string {
	return fmt.Sprintf("[ledgit] %s\n\nSession: %s\nStep: %d\nEvent: %s\nTimestamp: %s",
		message, sessionID, step, event, timestamp)
}

func backendError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}
