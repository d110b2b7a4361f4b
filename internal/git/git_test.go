package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/ledgit/internal/testutil"
)

func newTestClient() *ShellClient {
	return NewShellClient(Options{
		Timeout:     30 * time.Second,
		AuthorName:  "Test",
		AuthorEmail: "test@test.com",
	})
}

// initRepo creates a repository with ledgit's client and returns its path.
func initRepo(t *testing.T, c *ShellClient) string {
	t.Helper()
	dir := t.TempDir()
	if err := c.Init(context.Background(), dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestHead_UnbornBranch(t *testing.T) {
	testutil.RequireGit(t)
	c := newTestClient()
	dir := initRepo(t, c)

	sha, ok, err := c.Head(context.Background(), dir)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if ok || sha != "" {
		t.Fatalf("expected no HEAD on fresh repo, got %q", sha)
	}
}

func TestHead_NotARepository(t *testing.T) {
	testutil.RequireGit(t)
	c := newTestClient()

	_, _, err := c.Head(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("expected error outside a repository")
	}
}

func TestAddStatusCommit(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	c := newTestClient()
	dir := initRepo(t, c)

	writeFile(t, dir, "files/a.txt", "hello\n")
	writeFile(t, dir, "other/b.txt", "unrelated\n")

	if err := c.Add(ctx, dir, false, "files"); err != nil {
		t.Fatalf("add: %v", err)
	}

	lines, err := c.Status(ctx, dir, "files")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 pending change under files/, got %d: %v", len(lines), lines)
	}

	if err := c.Commit(ctx, dir, "first", false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	sha1, ok, err := c.Head(ctx, dir)
	if err != nil || !ok {
		t.Fatalf("head after commit: ok=%v err=%v", ok, err)
	}

	lines, err = c.Status(ctx, dir, "files")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("expected clean files/ after commit, got %v", lines)
	}

	// Deletions are staged by -A.
	if err := os.Remove(filepath.Join(dir, "files", "a.txt")); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(ctx, dir, false, "files"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Commit(ctx, dir, "second", false); err != nil {
		t.Fatalf("commit: %v", err)
	}
	sha2, _, _ := c.Head(ctx, dir)
	if sha1 == sha2 {
		t.Error("expected a new commit after deleting a file")
	}
}

func TestAdd_ForceBypassesNestedIgnoreFiles(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	c := newTestClient()
	dir := initRepo(t, c)

	writeFile(t, dir, "files/.gitignore", "*.log\n")
	writeFile(t, dir, "files/keep.log", "tracked anyway\n")

	if err := c.Add(ctx, dir, true, "files"); err != nil {
		t.Fatalf("add: %v", err)
	}
	lines, err := c.Status(ctx, dir, "files")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected .gitignore and keep.log staged, got %v", lines)
	}
}

func TestCommit_NothingToCommitFails(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	c := newTestClient()
	dir := initRepo(t, c)

	err := c.Commit(ctx, dir, "empty", false)
	if err == nil {
		t.Fatal("expected commit without changes to fail")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if cmdErr.ExitCode() == 0 {
		t.Error("expected non-zero exit code")
	}

	if err := c.Commit(ctx, dir, "empty", true); err != nil {
		t.Fatalf("--allow-empty commit: %v", err)
	}
}

func TestRemote_AddThenSetURL(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	c := newTestClient()
	dir := initRepo(t, c)

	_, ok, err := c.RemoteURL(ctx, dir, "origin")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no origin on fresh repo")
	}

	if err := c.AddRemote(ctx, dir, "origin", "https://example.com/a.git"); err != nil {
		t.Fatalf("add remote: %v", err)
	}
	if err := c.SetRemoteURL(ctx, dir, "origin", "https://example.com/b.git"); err != nil {
		t.Fatalf("set-url: %v", err)
	}

	url, ok, err := c.RemoteURL(ctx, dir, "origin")
	if err != nil || !ok {
		t.Fatalf("get-url: ok=%v err=%v", ok, err)
	}
	if url != "https://example.com/b.git" {
		t.Errorf("expected updated url, got %q", url)
	}
}

func TestPush_ToBareRepository(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	c := newTestClient()
	dir := initRepo(t, c)

	remoteDir := filepath.Join(t.TempDir(), "remote.git")
	if out, err := exec.Command("git", "init", "--bare", remoteDir).CombinedOutput(); err != nil {
		t.Fatalf("%v: %s", err, out)
	}

	writeFile(t, dir, "files/a.txt", "pushed\n")
	if err := c.Add(ctx, dir, false, "files"); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(ctx, dir, "push me", false); err != nil {
		t.Fatal(err)
	}
	if err := c.AddRemote(ctx, dir, "origin", remoteDir); err != nil {
		t.Fatal(err)
	}

	if err := c.Push(ctx, dir, "origin", "main"); err != nil {
		t.Fatalf("push: %v", err)
	}

	local, _, _ := c.Head(ctx, dir)
	out, err := exec.Command("git", "-C", remoteDir, "rev-parse", "main").Output()
	if err != nil {
		t.Fatalf("rev-parse in remote: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != local {
		t.Errorf("remote main = %s, want %s", got, local)
	}
}

func TestPush_MissingRemote(t *testing.T) {
	testutil.RequireGit(t)
	c := newTestClient()
	dir := initRepo(t, c)

	if err := c.Push(context.Background(), dir, "origin", "main"); err == nil {
		t.Fatal("expected push without remote to fail")
	}
}

func TestRun_Timeout(t *testing.T) {
	script := filepath.Join(t.TempDir(), "slow-git")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 5\n"), 0755); err != nil {
		t.Fatal(err)
	}

	c := NewShellClient(Options{Binary: script, Timeout: 100 * time.Millisecond})
	start := time.Now()
	err := c.Init(context.Background(), t.TempDir())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout did not bound the invocation")
	}
}

func TestConfigureAuth(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		opts       Options
		url        string
		wantEnv    string
		wantHelper bool
	}{
		{name: "ssh key on ssh url", opts: Options{SSHKeyFile: "/k"}, url: "git@github.com:a/b.git", wantEnv: "GIT_SSH_COMMAND=ssh -i '/k' -o StrictHostKeyChecking=accept-new -F /dev/null"},
		{name: "ssh key on https url", opts: Options{SSHKeyFile: "/k"}, url: "https://github.com/a/b.git"},
		{name: "token on https url", opts: Options{HTTPSTokenFile: tokenFile}, url: "https://github.com/a/b.git", wantEnv: "LEDGIT_GIT_TOKEN=s3cret", wantHelper: true},
		{name: "no auth", opts: Options{}, url: "https://github.com/a/b.git"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewShellClient(tt.opts)
			cmd := c.command(context.Background(), t.TempDir(), "push", "-u", "origin", "main")
			if err := c.configureAuth(cmd, tt.url); err != nil {
				t.Fatalf("configureAuth: %v", err)
			}

			foundEnv := tt.wantEnv == ""
			for _, kv := range cmd.Env {
				if kv == tt.wantEnv {
					foundEnv = true
				}
			}
			if !foundEnv {
				t.Errorf("expected env %q", tt.wantEnv)
			}

			hasHelper := false
			for _, a := range cmd.Args {
				if strings.HasPrefix(a, "credential.helper=") {
					hasHelper = true
				}
			}
			if hasHelper != tt.wantHelper {
				t.Errorf("credential helper present = %v, want %v", hasHelper, tt.wantHelper)
			}
		})
	}
}

func TestConfigureAuth_MissingTokenFile(t *testing.T) {
	c := NewShellClient(Options{HTTPSTokenFile: filepath.Join(t.TempDir(), "missing")})
	cmd := c.command(context.Background(), t.TempDir(), "push")
	if err := c.configureAuth(cmd, "https://github.com/a/b.git"); err == nil {
		t.Fatal("expected error for unreadable token file")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shellQuote(tt.input)
			if got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before subcommand",
			args:  []string{"git", "commit", "-m", "msg"},
			flags: []string{"-c", "key=value"},
			want:  []string{"git", "-c", "key=value", "commit", "-m", "msg"},
		},
		{
			name:  "insert before push",
			args:  []string{"git", "push", "-u", "origin", "main"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"git", "-c", "cred=helper", "push", "-u", "origin", "main"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if len(got) != len(tt.want) {
				t.Fatalf("insertGitFlags() length = %d, want %d\ngot:  %v\nwant: %v", len(got), len(tt.want), got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("insertGitFlags()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitLines(t *testing.T) {
	got := splitLines(" M files/a.txt\n?? files/b.txt\n\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %v", got)
	}
	if got[0] != " M files/a.txt" {
		t.Errorf("leading status column must be preserved, got %q", got[0])
	}
}
