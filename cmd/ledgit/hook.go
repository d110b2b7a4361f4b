package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/schaermu/ledgit/internal/hook"
	"github.com/schaermu/ledgit/internal/watch"
)

var (
	// watch flags
	watchSession  string
	watchDebounce time.Duration
)

var hookCmd = &cobra.Command{
	Use:       "hook <session-start|before-step|after-step>",
	Short:     "Handle a session lifecycle hook",
	ValidArgs: []string{hook.EventSessionStart, hook.EventBeforeStep, hook.EventAfterStep},
	Long: `Hook reads a hook payload (session_id, cwd) as JSON from stdin and runs the
matching operation: session-start initializes the project, before-step and
after-step record a snapshot at the next step of the session ledger.

A hook never fails the session: errors are logged and an empty response is
printed.`,
	Args: cobra.ExactArgs(1),
	RunE: runHook,
}

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Snapshot a directory whenever its tracked files change",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchSession, "session", "", "session id (default: a new random id)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "quiet period before a snapshot (default from config)")

	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(watchCmd)
}

func runHook(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	out := cmd.OutOrStdout()
	logger := setupLogger()

	in, err := hook.ParseInput(cmd.InOrStdin())
	if err != nil {
		logger.Warn("ignoring unreadable hook input", "error", err)
	}

	a, err := newApp()
	if err != nil {
		logger.Warn("hook skipped", "error", err)
		return writeJSON(out, hook.Output{})
	}

	h := hook.NewHandler(func(sourcePath string) (hook.Engine, error) {
		e, err := a.openEngine(sourcePath)
		if err != nil {
			return nil, err
		}
		return e, nil
	}, a.logger)

	resp, err := h.Handle(ctx, args[0], in)
	if err != nil {
		a.logger.Warn("hook failed", "event", args[0], "error", err)
		resp = hook.Output{}
	}
	return writeJSON(out, resp)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	src, err := sourceArg(args, 0)
	if err != nil {
		return err
	}
	engine, err := a.openEngine(src)
	if err != nil {
		return err
	}
	if _, err := engine.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("failed to initialize project: %w", err)
	}

	session := watchSession
	if session == "" {
		session = uuid.NewString()
	}
	debounce := watchDebounce
	if debounce <= 0 {
		debounce = a.cfg.Watch.Debounce
	}

	w, err := watch.New(engine, watch.Options{
		Source:    engine.Layout().Identity.SourcePath,
		SessionID: session,
		Debounce:  debounce,
		Exclude:   []string{a.cfg.Paths.Root},
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	a.logger.Info("watching", "session", session, "project", engine.Layout().ProjectDir())
	return w.Run(ctx)
}
