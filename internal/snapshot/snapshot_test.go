package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/ledgit/internal/git"
	"github.com/schaermu/ledgit/internal/ledger"
	"github.com/schaermu/ledgit/internal/project"
	"github.com/schaermu/ledgit/internal/registry"
	"github.com/schaermu/ledgit/internal/testutil"
)

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testGit() *git.ShellClient {
	return git.NewShellClient(git.Options{
		Timeout:     30 * time.Second,
		Branch:      "main",
		AuthorName:  "Test",
		AuthorEmail: "test@test.com",
	})
}

type fixture struct {
	root   string
	source string
	id     project.Identity
}

func newFixture(t *testing.T, files map[string]string) fixture {
	t.Helper()
	testutil.RequireGit(t)

	tmp := t.TempDir()
	source := filepath.Join(tmp, "src")
	require.NoError(t, os.MkdirAll(source, 0755))
	testutil.WriteTree(t, source, files)

	id, err := project.Resolve(source)
	require.NoError(t, err)
	return fixture{root: filepath.Join(tmp, "ledgit"), source: source, id: id}
}

func (f fixture) engine(t *testing.T, client git.Client) *Engine {
	t.Helper()
	if client == nil {
		client = testGit()
	}
	e, err := New(Options{
		Root:        f.root,
		Identity:    f.id,
		Git:         client,
		Logger:      testLogger(),
		LockTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	return e
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
	return strings.TrimSpace(string(out))
}

func commitCount(t *testing.T, dir string) int {
	t.Helper()
	n, err := strconv.Atoi(gitOutput(t, dir, "rev-list", "--count", "HEAD"))
	require.NoError(t, err)
	return n
}

func TestNew_Validation(t *testing.T) {
	id := project.Identity{Hash: "abcdefabcdef", SourcePath: "/src", Name: "src"}
	_, err := New(Options{Identity: id, Git: testGit()})
	assert.Error(t, err)
	_, err = New(Options{Root: "/r", Git: testGit()})
	assert.Error(t, err)
	_, err = New(Options{Root: "/r", Identity: id})
	assert.Error(t, err)

	e, err := New(Options{Root: "/r", Identity: id, Git: testGit()})
	require.NoError(t, err)
	assert.Equal(t, "/r/projects/abcdefabcdef", e.Layout().ProjectDir())
}

func TestSnapshot_AssignsStepUnderLock(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	ctx := context.Background()
	_, err := f.engine(t, nil).EnsureInitialized(ctx)
	require.NoError(t, err)

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := New(Options{Root: f.root, Identity: f.id, Git: testGit(), Logger: testLogger(), LockTimeout: 30 * time.Second})
			if !assert.NoError(t, err) {
				return
			}
			_, err = e.Snapshot(ctx, Request{
				SessionID:     "s",
				SessionFolder: "par",
				Event:         ledger.EventAfterStep,
				MessageFunc:   func(step int) string { return fmt.Sprintf("step %d", step) },
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records := f.engine(t, nil).Records("par")
	require.Len(t, records, n)
	var steps []int
	for _, rec := range records {
		steps = append(steps, rec.StepID)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, steps)
	assert.Equal(t, "step 1", *records[0].Message, "the first step commits a.txt")

	rec, err := f.engine(t, nil).Snapshot(ctx, Request{SessionID: "s", Event: ledger.EventAfterStep})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.StepID, "without a folder there is no ledger to continue")
}

func TestSnapshot_ConcreteScenario(t *testing.T) {
	f := newFixture(t, map[string]string{
		".gitignore":    "build/\n",
		"a.txt":         "0123456789",
		"build/out.bin": "artifact",
	})
	e := f.engine(t, nil)
	ctx := context.Background()

	first, err := e.Snapshot(ctx, Request{SessionID: "abcdef123456", SessionFolder: "s1", StepID: 1, Event: ledger.EventBeforeStep})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.GreaterOrEqual(t, first.FilesChanged, 1)
	assert.Regexp(t, shaPattern, first.CommitSHA)

	mirror := e.Layout().FilesDir()
	assert.FileExists(t, filepath.Join(mirror, "a.txt"))
	assert.NoDirExists(t, filepath.Join(mirror, "build"))

	testutil.WriteFile(t, f.source, "a.txt", "01234567890123456789")
	second, err := e.Snapshot(ctx, Request{SessionID: "abcdef123456", SessionFolder: "s1", StepID: 2, Event: ledger.EventAfterStep})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.CommitSHA, second.CommitSHA)
	assert.Equal(t, 1, second.FilesChanged)
	require.NotNil(t, second.Message)
	assert.Equal(t, "session:abcdef12 step:2 event:after-step", *second.Message)

	third, err := e.Snapshot(ctx, Request{SessionID: "abcdef123456", SessionFolder: "s1", StepID: 3, Event: ledger.EventBeforeStep})
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, second.CommitSHA, third.CommitSHA)
	assert.Zero(t, third.FilesChanged)
	require.NotNil(t, third.Message)
	assert.Equal(t, NoChangesMessage, *third.Message)

	records := e.Records("s1")
	require.Len(t, records, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{records[0].StepID, records[1].StepID, records[2].StepID})
	assert.Equal(t, *third, records[2])

	body := gitOutput(t, e.Layout().ProjectDir(), "log", "-1", "--format=%B", second.CommitSHA)
	assert.True(t, strings.HasPrefix(body, "[ledgit] session:abcdef12 step:2 event:after-step\n\nSession: abcdef123456\nStep: 2\nEvent: after-step\nTimestamp: "), body)
}

func TestSnapshot_LedgerCommittedWithNextContentChange(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	e := f.engine(t, nil)
	ctx := context.Background()
	dir := e.Layout().ProjectDir()

	_, err := e.Snapshot(ctx, Request{SessionID: "s", SessionFolder: "s", StepID: 1, Event: ledger.EventBeforeStep})
	require.NoError(t, err)
	before := commitCount(t, dir)

	// The ledger written by step 1 alone must not produce a commit.
	rec, err := e.Snapshot(ctx, Request{SessionID: "s", SessionFolder: "s", StepID: 2, Event: ledger.EventAfterStep})
	require.NoError(t, err)
	assert.Zero(t, rec.FilesChanged)
	assert.Equal(t, before, commitCount(t, dir))

	testutil.WriteFile(t, f.source, "b.txt", "b")
	rec, err = e.Snapshot(ctx, Request{SessionID: "s", SessionFolder: "s", StepID: 3, Event: ledger.EventAfterStep})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FilesChanged)

	tracked := gitOutput(t, dir, "ls-files", "trajectories")
	assert.Contains(t, tracked, "trajectories/s/commits.json")
}

func TestSnapshot_CustomMessageAndNoFolder(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	e := f.engine(t, nil)

	rec, err := e.Snapshot(context.Background(), Request{SessionID: "s", StepID: 9, Event: "custom", Message: "hand written"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "hand written", *rec.Message)
	assert.Equal(t, "custom", rec.Event)

	entries, err := os.ReadDir(e.Layout().TrajectoriesDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no ledger is written without a session folder")
}

func TestSnapshot_DeletionIsCommitted(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a", "dir/b.txt": "b"})
	e := f.engine(t, nil)
	ctx := context.Background()

	_, err := e.Snapshot(ctx, Request{SessionID: "s", StepID: 1, Event: ledger.EventBeforeStep})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(f.source, "dir")))
	rec, err := e.Snapshot(ctx, Request{SessionID: "s", StepID: 2, Event: ledger.EventAfterStep})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FilesChanged)

	tracked := gitOutput(t, e.Layout().ProjectDir(), "ls-files", "files")
	assert.Equal(t, "files/a.txt", tracked)
}

func TestEnsureInitialized(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	e := f.engine(t, nil)
	ctx := context.Background()

	cfg, err := e.EnsureInitialized(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.id.Hash, cfg.ProjectHash)
	assert.Equal(t, f.id.SourcePath, cfg.SourcePath)
	assert.Equal(t, "src", cfg.ProjectName)

	layout := e.Layout()
	assert.DirExists(t, layout.GitDir())
	assert.DirExists(t, layout.TrajectoriesDir())
	assert.FileExists(t, filepath.Join(layout.FilesDir(), "a.txt"), "initial sync fills the mirror")

	ignore, err := os.ReadFile(layout.GitIgnoreFile())
	require.NoError(t, err)
	assert.Contains(t, string(ignore), project.LockFileName)

	dir := layout.ProjectDir()
	assert.Equal(t, 1, commitCount(t, dir))
	assert.Equal(t, InitialCommitMessage, gitOutput(t, dir, "log", "-1", "--format=%s"))
	assert.Empty(t, gitOutput(t, dir, "ls-files", "files"), "mirror content is left for the first snapshot")

	entries, err := registry.List(layout.GlobalIndexFile())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, registry.Entry{
		ProjectHash: f.id.Hash,
		SourcePath:  f.id.SourcePath,
		ProjectName: f.id.Name,
		LedgitPath:  dir,
	}, entries[0])

	// idempotent
	_, err = f.engine(t, nil).EnsureInitialized(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, commitCount(t, dir))
	entries, err = registry.List(layout.GlobalIndexFile())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnsureInitialized_Concurrent(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		e := f.engine(t, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.EnsureInitialized(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	dir := project.NewLayout(f.root, f.id).ProjectDir()
	assert.Equal(t, 1, commitCount(t, dir))
}

func TestEnsureInitialized_CorruptConfigReinitializes(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	ctx := context.Background()
	e := f.engine(t, nil)
	_, err := e.EnsureInitialized(ctx)
	require.NoError(t, err)

	layout := e.Layout()
	require.NoError(t, os.WriteFile(layout.ConfigFile(), []byte(`{"created_at": "2020-01-01T00:00:00Z"}`), 0644))

	fresh := f.engine(t, nil)
	rec, err := fresh.Snapshot(ctx, Request{SessionID: "s", StepID: 1, Event: ledger.EventBeforeStep})
	require.NoError(t, err)
	require.NotNil(t, rec)

	cfg, ok := fresh.Config()
	require.True(t, ok)
	assert.Equal(t, f.id.Hash, cfg.ProjectHash)
	assert.Equal(t, "2020-01-01T00:00:00Z", cfg.CreatedAt, "a readable creation time survives")

	initials := gitOutput(t, layout.ProjectDir(), "log", "--format=%s", "--grep", InitialCommitMessage)
	assert.Equal(t, InitialCommitMessage, initials, "no second initial commit")
}

func TestSnapshot_ConcurrentEngines(t *testing.T) {
	f := newFixture(t, map[string]string{"seed.txt": "seed"})
	ctx := context.Background()
	_, err := f.engine(t, nil).EnsureInitialized(ctx)
	require.NoError(t, err)

	const workers = 4
	records := make([]*ledger.Record, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		e := f.engine(t, nil)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := filepath.Join(f.source, fmt.Sprintf("worker-%d.txt", i))
			if !assert.NoError(t, os.WriteFile(name, []byte("data"), 0644)) {
				return
			}
			rec, err := e.Snapshot(ctx, Request{SessionID: "s", SessionFolder: "shared", StepID: i + 1, Event: ledger.EventAfterStep})
			if assert.NoError(t, err) {
				records[i] = rec
			}
		}(i)
	}
	wg.Wait()

	dir := project.NewLayout(f.root, f.id).ProjectDir()
	distinct := map[string]bool{}
	for _, rec := range records {
		require.NotNil(t, rec)
		assert.Regexp(t, shaPattern, rec.CommitSHA)
		gitOutput(t, dir, "cat-file", "-e", rec.CommitSHA+"^{commit}")
		distinct[rec.CommitSHA] = true
	}
	assert.NotEmpty(t, distinct)
	assert.Len(t, ledger.LoadAll(project.NewLayout(f.root, f.id).SessionDir("shared")), workers)
	assert.Equal(t, 1+len(distinct), commitCount(t, dir), "every distinct sha is its own commit after the initial one")

	tracked := gitOutput(t, dir, "ls-files", "files")
	for i := 0; i < workers; i++ {
		assert.Contains(t, tracked, fmt.Sprintf("files/worker-%d.txt", i))
	}
}

// failingClient fails selected operations of an otherwise real client.
type failingClient struct {
	git.Client
	failCommit bool
	failInit   bool
}

func (c *failingClient) Commit(ctx context.Context, dir, message string, allowEmpty bool) error {
	if c.failCommit && !allowEmpty {
		return &git.CommandError{Args: []string{"commit"}, Err: errors.New("exit status 128")}
	}
	return c.Client.Commit(ctx, dir, message, allowEmpty)
}

func (c *failingClient) Init(ctx context.Context, dir string) error {
	if c.failInit {
		return fmt.Errorf("git init: %w", git.ErrTimeout)
	}
	return c.Client.Init(ctx, dir)
}

func TestSnapshot_BackendFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	e := f.engine(t, &failingClient{Client: testGit(), failCommit: true})

	rec, err := e.Snapshot(context.Background(), Request{SessionID: "s", SessionFolder: "s", StepID: 1, Event: ledger.EventBeforeStep})
	assert.Nil(t, rec)
	require.ErrorIs(t, err, ErrBackend)
	assert.Empty(t, e.Records("s"), "failed steps are not recorded")

	// the next step with a working backend picks the changes up
	rec, err = f.engine(t, nil).Snapshot(context.Background(), Request{SessionID: "s", SessionFolder: "s", StepID: 2, Event: ledger.EventBeforeStep})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.FilesChanged)
}

func TestSnapshot_InitFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	e := f.engine(t, &failingClient{Client: testGit(), failInit: true})

	rec, err := e.Snapshot(context.Background(), Request{SessionID: "s", StepID: 1, Event: ledger.EventBeforeStep})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, git.ErrTimeout)
	assert.NoFileExists(t, e.Layout().ConfigFile())
}

func TestSync_DryRun(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	e := f.engine(t, nil)
	ctx := context.Background()
	_, err := e.EnsureInitialized(ctx)
	require.NoError(t, err)

	testutil.WriteFile(t, f.source, "new.txt", "n")
	res, err := e.Sync(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Copied)
	assert.NoFileExists(t, filepath.Join(e.Layout().FilesDir(), "new.txt"))

	res, err = e.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Copied)
	assert.FileExists(t, filepath.Join(e.Layout().FilesDir(), "new.txt"))
}

func TestDefaultMessage(t *testing.T) {
	assert.Equal(t, "session:12345678 step:4 event:before-step", DefaultMessage("1234567890", 4, "before-step"))
	assert.Equal(t, "session:abc step:1 event:x", DefaultMessage("abc", 1, "x"))
}
