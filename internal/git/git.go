package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a git invocation exceeds the configured timeout.
var ErrTimeout = errors.New("git command timed out")

// Client is the narrow command surface ledgit needs from a content-addressable
// version-control backend. Every method runs with dir as working directory.
type Client interface {
	// Init creates repository state in dir.
	Init(ctx context.Context, dir string) error
	// Add stages the given pathspecs, including deletions. When force is set,
	// ignore rules found inside dir are bypassed.
	Add(ctx context.Context, dir string, force bool, paths ...string) error
	// Commit records the index as a new commit.
	Commit(ctx context.Context, dir, message string, allowEmpty bool) error
	// Status returns one porcelain line per pending change, limited to paths.
	Status(ctx context.Context, dir string, paths ...string) ([]string, error)
	// Head resolves HEAD. ok is false when the repository has no commits.
	Head(ctx context.Context, dir string) (sha string, ok bool, err error)
	// RemoteURL returns the URL of a remote. ok is false when it does not exist.
	RemoteURL(ctx context.Context, dir, name string) (url string, ok bool, err error)
	// SetRemoteURL updates an existing remote.
	SetRemoteURL(ctx context.Context, dir, name, url string) error
	// AddRemote creates a new remote.
	AddRemote(ctx context.Context, dir, name, url string) error
	// Push pushes branch to the named remote and sets it as upstream.
	Push(ctx context.Context, dir, remote, branch string) error
}

// Options configures a ShellClient.
type Options struct {
	Binary         string
	Timeout        time.Duration
	Branch         string
	AuthorName     string
	AuthorEmail    string
	SSHKeyFile     string
	HTTPSTokenFile string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	opts Options
}

// CommandError describes a git invocation that exited non-zero.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the process exit status, or -1 when unknown.
func (e *CommandError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(opts Options) *ShellClient {
	if opts.Binary == "" {
		opts.Binary = "git"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	return &ShellClient{opts: opts}
}

// Init runs git init in dir.
func (c *ShellClient) Init(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "init")
	return err
}

// Add stages paths with -A so removals from the work tree are recorded.
func (c *ShellClient) Add(ctx context.Context, dir string, force bool, paths ...string) error {
	args := []string{"add", "-A"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, "--")
	args = append(args, paths...)
	_, err := c.run(ctx, dir, args...)
	return err
}

// Commit records the staged changes.
func (c *ShellClient) Commit(ctx context.Context, dir, message string, allowEmpty bool) error {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	_, err := c.run(ctx, dir, args...)
	return err
}

// Status returns the non-empty lines of git status --porcelain.
func (c *ShellClient) Status(ctx context.Context, dir string, paths ...string) ([]string, error) {
	args := []string{"status", "--porcelain"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	out, err := c.run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Head resolves the current HEAD commit.
func (c *ShellClient) Head(ctx context.Context, dir string) (string, bool, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode() == 1 {
			// rev-parse --verify -q exits 1 silently on an unborn branch
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(out), true, nil
}

// RemoteURL looks up the URL configured for a remote.
func (c *ShellClient) RemoteURL(ctx context.Context, dir, name string) (string, bool, error) {
	out, err := c.run(ctx, dir, "remote", "get-url", name)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(out), true, nil
}

// SetRemoteURL rewrites the URL of an existing remote.
func (c *ShellClient) SetRemoteURL(ctx context.Context, dir, name, url string) error {
	_, err := c.run(ctx, dir, "remote", "set-url", name, url)
	return err
}

// AddRemote registers a new remote.
func (c *ShellClient) AddRemote(ctx context.Context, dir, name, url string) error {
	_, err := c.run(ctx, dir, "remote", "add", name, url)
	return err
}

// Push pushes branch to remote, configuring auth from the remote URL.
func (c *ShellClient) Push(ctx context.Context, dir, remote, branch string) error {
	url, ok, err := c.RemoteURL(ctx, dir, remote)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("remote %q is not configured", remote)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cmd := c.command(ctx, dir, "push", "-u", remote, branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	_, err = c.runCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

func (c *ShellClient) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.runCommand(ctx, c.command(ctx, dir, args...))
}

func (c *ShellClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.Timeout)
}

// command builds a git invocation that does not depend on the host's global
// git identity, signing setup or default branch name.
func (c *ShellClient) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.opts.Binary, args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	cmd.Args = insertGitFlags(cmd.Args,
		"-c", "init.defaultBranch="+c.opts.Branch,
		"-c", "commit.gpgsign=false",
		"-c", "core.quotepath=false",
	)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if c.opts.AuthorName != "" {
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_NAME="+c.opts.AuthorName,
			"GIT_COMMITTER_NAME="+c.opts.AuthorName,
		)
	}
	if c.opts.AuthorEmail != "" {
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_EMAIL="+c.opts.AuthorEmail,
			"GIT_COMMITTER_EMAIL="+c.opts.AuthorEmail,
		)
	}
	return cmd
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	// SSH authentication
	if c.opts.SSHKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.opts.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.opts.HTTPSTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.opts.HTTPSTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and is read back by an inline
		// credential helper, so it never appears in argv.
		cmd.Env = append(cmd.Env, "LEDGIT_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$LEDGIT_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "commit", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes cmd and returns its stdout. Failures carry stderr; a
// deadline hit is reported as ErrTimeout.
func (c *ShellClient) runCommand(ctx context.Context, cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s: git %s", ErrTimeout, c.opts.Timeout, strings.Join(cmd.Args[1:], " "))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", &CommandError{Args: cmd.Args[1:], Output: stderr.String() + stdout.String(), Err: err}
	}
	return "", err
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
