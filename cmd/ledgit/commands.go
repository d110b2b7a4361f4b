package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/schaermu/ledgit/internal/config"
	"github.com/schaermu/ledgit/internal/git"
	"github.com/schaermu/ledgit/internal/ledger"
	"github.com/schaermu/ledgit/internal/project"
	"github.com/schaermu/ledgit/internal/registry"
	"github.com/schaermu/ledgit/internal/snapshot"
)

var (
	// snapshot flags
	sessionID     string
	sessionFolder string
	stepID        int
	eventName     string
	message       string

	// sync flags
	dryRun bool

	// remote/push flags
	remoteName string
	branchName string
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize the managed project of a directory",
	Long: `Init creates the managed project for a source directory (defaults to the
current directory): the backend repository, the mirror and the project
config. It is idempotent and prints the managed project directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [path]",
	Short: "Record a snapshot of a directory for one session step",
	Long: `Snapshot mirrors the tracked files of a directory, commits them when they
changed and appends the resulting record to the session ledger. When nothing
changed the record references the current commit.

A failed snapshot is logged and does not fail the command.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshot,
}

var syncCmd = &cobra.Command{
	Use:   "sync [path]",
	Short: "Reconcile the mirror with the source without committing",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSync,
}

var logCmd = &cobra.Command{
	Use:   "log [path]",
	Short: "Print the snapshot ledger of a session",
	Long: `Log prints the ledger records of the session folder given with --folder.
Without --folder it lists the session folders of the project.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLog,
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List managed projects",
	Args:  cobra.NoArgs,
	RunE:  runProjects,
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage the remote of a managed project",
}

var remoteSetCmd = &cobra.Command{
	Use:   "set <url> [path]",
	Short: "Add or update a remote",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRemoteSet,
}

var pushCmd = &cobra.Command{
	Use:   "push [path]",
	Short: "Push the managed history to its remote",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPush,
}

func init() {
	snapshotCmd.Flags().StringVar(&sessionID, "session", "", "session id (default: a new random id)")
	snapshotCmd.Flags().StringVar(&sessionFolder, "folder", "", "session folder for the ledger (default: the session id)")
	snapshotCmd.Flags().IntVar(&stepID, "step", 0, "step id (default: next step of the ledger)")
	snapshotCmd.Flags().StringVar(&eventName, "event", ledger.EventAfterStep, "event label")
	snapshotCmd.Flags().StringVar(&message, "message", "", "commit subject (default: derived from session, step and event)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	logCmd.Flags().StringVar(&sessionFolder, "folder", "", "session folder to print")

	remoteSetCmd.Flags().StringVar(&remoteName, "name", "", "remote name (default from config)")
	pushCmd.Flags().StringVar(&remoteName, "name", "", "remote name (default from config)")
	pushCmd.Flags().StringVar(&branchName, "branch", "", "branch to push (default from config)")

	remoteCmd.AddCommand(remoteSetCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(remoteCmd)
	rootCmd.AddCommand(pushCmd)
}

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	git    *git.ShellClient
}

func newApp() (*app, error) {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		git:    git.NewShellClient(cfg.GitOptions()),
	}, nil
}

// openEngine resolves sourcePath and returns the engine of its project. When
// sourcePath is not a directory it may name a registered project by hash,
// hash prefix or name.
func (a *app) openEngine(sourcePath string) (*snapshot.Engine, error) {
	id, err := project.Resolve(sourcePath)
	if err != nil {
		entry, findErr := registry.Find(a.cfg.GlobalIndexFile(), sourcePath)
		if findErr != nil {
			return nil, err
		}
		a.logger.Debug("resolved project from index", "ref", sourcePath, "project", entry.ProjectHash)
		id = project.Identity{
			Hash:       entry.ProjectHash,
			SourcePath: entry.SourcePath,
			Name:       entry.ProjectName,
		}
	}
	return snapshot.New(snapshot.Options{
		Root:        a.cfg.Paths.Root,
		Identity:    id,
		Git:         a.git,
		Logger:      a.logger,
		LockTimeout: a.cfg.Lock.Timeout,
		Branch:      a.cfg.Git.Branch,
	})
}

// sourceArg returns args[i] or the working directory.
func sourceArg(args []string, i int) (string, error) {
	if len(args) > i {
		return args[i], nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to determine working directory: %w", err)
	}
	return wd, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInit(cmd *cobra.Command, args []string) error {
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
	_, err = fmt.Fprintln(cmd.OutOrStdout(), engine.Layout().ProjectDir())
	return err
}

func runSnapshot(cmd *cobra.Command, args []string) error {
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

	session := sessionID
	if session == "" {
		session = uuid.NewString()
	}
	folder := sessionFolder
	if folder == "" {
		folder = session
	}
	rec, err := engine.Snapshot(ctx, snapshot.Request{
		SessionID:     session,
		SessionFolder: folder,
		StepID:        stepID,
		Event:         eventName,
		Message:       message,
	})
	if err != nil {
		// no commit this step; the next snapshot picks the changes up
		a.logger.Warn("snapshot failed", "session", session, "error", err)
		return nil
	}
	if rec == nil {
		a.logger.Info("nothing to snapshot yet", "session", session)
		return nil
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}

func runSync(cmd *cobra.Command, args []string) error {
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

	res, err := engine.Sync(ctx, dryRun)
	if err != nil {
		a.logger.Error("sync failed", "error", err)
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

func runLog(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()
	if sessionFolder == "" {
		entries, err := os.ReadDir(engine.Layout().TrajectoriesDir())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				_, _ = fmt.Fprintln(out, e.Name())
			}
		}
		return nil
	}

	dir := engine.Layout().SessionDir(sessionFolder)
	if err := ledger.Check(dir); err != nil {
		a.logger.Warn("ledger unreadable, showing it as empty", "folder", sessionFolder, "error", err)
	}
	return writeJSON(out, ledger.LoadAll(dir))
}

func runProjects(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	entries, err := registry.List(a.cfg.GlobalIndexFile())
	if err != nil {
		a.logger.Warn("project index unreadable", "error", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HASH\tNAME\tSOURCE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ProjectHash, e.ProjectName, e.SourcePath)
	}
	return tw.Flush()
}

func runRemoteSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	src, err := sourceArg(args, 1)
	if err != nil {
		return err
	}
	engine, err := a.openEngine(src)
	if err != nil {
		return err
	}

	name := remoteName
	if name == "" {
		name = a.cfg.Remote.Name
	}
	return engine.SetRemote(ctx, args[0], name)
}

func runPush(cmd *cobra.Command, args []string) error {
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

	name := remoteName
	if name == "" {
		name = a.cfg.Remote.Name
	}
	branch := branchName
	if branch == "" {
		branch = a.cfg.Git.Branch
	}

	if _, err := engine.Push(ctx, name, branch); err != nil {
		a.logger.Error("push failed", "remote", name, "branch", branch, "error", err)
		return err
	}
	return nil
}
