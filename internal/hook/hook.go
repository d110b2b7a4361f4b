// Package hook adapts session lifecycle hooks to snapshot operations. Hook
// payloads arrive as JSON on stdin; responses are JSON on stdout.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/schaermu/ledgit/internal/ledger"
	"github.com/schaermu/ledgit/internal/project"
	"github.com/schaermu/ledgit/internal/snapshot"
)

// Event names accepted on the command line.
const (
	EventSessionStart = "session-start"
	EventBeforeStep   = ledger.EventBeforeStep
	EventAfterStep    = ledger.EventAfterStep
)

// UnknownSession is used when the payload carries no session id.
const UnknownSession = "unknown"

// Input is the subset of the hook payload ledgit reads.
type Input struct {
	SessionID      string `json:"session_id"`
	Cwd            string `json:"cwd"`
	HookEventName  string `json:"hook_event_name"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	Source         string `json:"source,omitempty"`
}

// Output is written back to the hook runner.
type Output struct {
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// SpecificOutput carries context shown to the session.
type SpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext"`
}

// Engine is the part of snapshot.Engine the handler drives.
type Engine interface {
	EnsureInitialized(ctx context.Context) (*project.Config, error)
	Snapshot(ctx context.Context, req snapshot.Request) (*ledger.Record, error)
	Layout() project.Layout
}

// OpenFunc returns the engine of the project at sourcePath.
type OpenFunc func(sourcePath string) (Engine, error)

// ParseInput decodes a hook payload. An empty payload yields a zero Input.
func ParseInput(r io.Reader) (Input, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Input{}, fmt.Errorf("failed to read hook input: %w", err)
	}
	var in Input
	if strings.TrimSpace(string(data)) == "" {
		return in, nil
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("invalid hook input: %w", err)
	}
	return in, nil
}

// Handler dispatches hook events.
type Handler struct {
	open   OpenFunc
	logger *slog.Logger
}

// NewHandler creates a handler opening engines with open.
func NewHandler(open OpenFunc, logger *slog.Logger) *Handler {
	return &Handler{open: open, logger: logger}
}

// Handle runs event for in. The returned Output is always safe to print,
// also when err is non-nil.
func (h *Handler) Handle(ctx context.Context, event string, in Input) (Output, error) {
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = UnknownSession
	}
	cwd := in.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Output{}, fmt.Errorf("failed to determine working directory: %w", err)
		}
		cwd = wd
	}
	folder := FolderName(sessionID)

	switch event {
	case EventSessionStart, EventBeforeStep, EventAfterStep:
	default:
		return Output{}, fmt.Errorf("unknown hook event %q", event)
	}

	engine, err := h.open(cwd)
	if err != nil {
		return Output{}, err
	}
	logger := h.logger.With("event", event, "session", sessionID)

	if event == EventSessionStart {
		if _, err := engine.EnsureInitialized(ctx); err != nil {
			return Output{}, err
		}
		logger.Debug("session started", "folder", folder)
		return Output{HookSpecificOutput: &SpecificOutput{
			HookEventName:     "SessionStart",
			AdditionalContext: fmt.Sprintf("Ledgit project: %s, Session: %s", engine.Layout().ProjectDir(), folder),
		}}, nil
	}

	rec, err := engine.Snapshot(ctx, snapshot.Request{
		SessionID:     sessionID,
		SessionFolder: folder,
		Event:         event,
		MessageFunc: func(step int) string {
			return StepMessage(event, step)
		},
	})
	if err != nil {
		return Output{}, err
	}
	if rec != nil {
		logger.Debug("step recorded", "step", rec.StepID, "commit", rec.CommitSHA, "files_changed", rec.FilesChanged)
	}
	return Output{}, nil
}

// StepMessage is the commit subject used for hook-driven snapshots.
func StepMessage(event string, step int) string {
	if event == EventAfterStep {
		return fmt.Sprintf("After agent response (step %d)", step)
	}
	return fmt.Sprintf("Before step %d", step)
}

// FolderName derives a session folder from a session id that is safe to use
// as a single path component.
func FolderName(sessionID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r < 0x20 {
			return '_'
		}
		return r
	}, sessionID)
	if name == "" || name == "." || name == ".." {
		return UnknownSession
	}
	return name
}
