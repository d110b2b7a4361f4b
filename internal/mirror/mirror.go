// Package mirror reconciles a managed mirror directory with a live source
// tree, copying new or changed files and removing files that left tracking.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/ledgit/internal/ignore"
)

// Syncer mirrors one source directory. It is not safe to run two syncers
// against the same mirror concurrently; callers serialize with a project lock.
type Syncer struct {
	source string
	mirror string
	logger *slog.Logger
	dryRun bool

	exclude []string
}

// NewSyncer creates a syncer copying from sourceDir into mirrorDir.
func NewSyncer(sourceDir, mirrorDir string, logger *slog.Logger, dryRun bool) *Syncer {
	return &Syncer{
		source: sourceDir,
		mirror: mirrorDir,
		logger: logger,
		dryRun: dryRun,
	}
}

// Exclude skips the given directories when they appear inside the source.
// The mirror itself is always excluded.
func (s *Syncer) Exclude(dirs ...string) *Syncer {
	for _, d := range dirs {
		if resolved, err := filepath.EvalSymlinks(d); err == nil {
			d = resolved
		}
		s.exclude = append(s.exclude, filepath.Clean(d))
	}
	return s
}

// Sync brings the mirror in line with the source. Per-file failures are
// logged and counted; only an unreadable source root or a cancelled context
// aborts the pass.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	plan, err := s.BuildPlan(ctx)
	if err != nil {
		return Result{}, err
	}

	s.logger.Debug("sync plan",
		"add", len(plan.Add),
		"update", len(plan.Update),
		"delete", len(plan.Delete),
		"unchanged", plan.Unchanged)

	if s.dryRun {
		s.logPlanDetails(plan)
		return Result{
			Copied:    len(plan.Add) + len(plan.Update),
			Deleted:   len(plan.Delete),
			Unchanged: plan.Unchanged,
			Failed:    plan.Failed,
			DryRun:    true,
		}, nil
	}

	res := s.applyPlan(ctx, plan)
	res.Unchanged = plan.Unchanged
	res.Failed += plan.Failed

	s.logger.Info("mirror synced",
		"copied", res.Copied,
		"deleted", res.Deleted,
		"unchanged", res.Unchanged,
		"failed", res.Failed)
	return res, ctx.Err()
}

// BuildPlan walks the source once and the mirror once and computes the
// operations needed. Ignore rules are rebuilt for every call.
func (s *Syncer) BuildPlan(ctx context.Context) (*Plan, error) {
	if _, err := os.Stat(s.source); err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}

	plan := &Plan{}
	matcher := ignore.New()
	visited := make(map[string]bool)
	var protected []string // source dirs we could not read

	err := filepath.WalkDir(s.source, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := relSlash(s.source, path)
		if relErr != nil {
			return relErr
		}

		if err != nil {
			if rel == "" {
				return err
			}
			s.logger.Warn("skipping unreadable source entry", "path", rel, "error", err)
			plan.Failed++
			if d != nil && d.IsDir() {
				protected = append(protected, rel)
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			// a ledgit root placed inside the source must not mirror itself
			if s.excluded(path) {
				return filepath.SkipDir
			}
			if rel != "" && matcher.ShouldSkipDir(rel) {
				return filepath.SkipDir
			}
			// Rules of a directory apply to everything below it, so they are
			// loaded before any child is visited.
			matcher.AddDir(path, rel)
			return nil
		}

		if matcher.ShouldIgnore(rel) {
			return nil
		}

		srcInfo, ok := s.regularFileInfo(path, d, rel, plan)
		if !ok {
			return nil
		}

		visited[rel] = true
		op := FileOp{
			RelPath:    rel,
			SourcePath: path,
			DestPath:   filepath.Join(s.mirror, filepath.FromSlash(rel)),
		}

		dstInfo, err := os.Stat(op.DestPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			plan.Add = append(plan.Add, op)
		case err != nil:
			s.logger.Warn("cannot stat mirror copy, rewriting", "path", rel, "error", err)
			plan.Update = append(plan.Update, op)
		case dstInfo.IsDir() || needsCopy(srcInfo, dstInfo):
			plan.Update = append(plan.Update, op)
		default:
			plan.Unchanged++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk source directory: %w", err)
	}

	existing, err := s.mirrorFiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, rel := range existing {
		if visited[rel] || underAny(rel, protected) {
			continue
		}
		plan.Delete = append(plan.Delete, FileOp{
			RelPath:  rel,
			DestPath: filepath.Join(s.mirror, filepath.FromSlash(rel)),
		})
	}

	return plan, nil
}

func (s *Syncer) excluded(dir string) bool {
	if dir == s.mirror {
		return true
	}
	for _, ex := range s.exclude {
		if dir == ex {
			return true
		}
	}
	return false
}

// regularFileInfo returns the info of the file behind d. Symlinks to regular
// files are followed; links to directories and special files are skipped.
func (s *Syncer) regularFileInfo(path string, d fs.DirEntry, rel string, plan *Plan) (fs.FileInfo, bool) {
	var (
		info fs.FileInfo
		err  error
	)
	if d.Type()&fs.ModeSymlink != 0 {
		info, err = os.Stat(path)
	} else {
		info, err = d.Info()
	}
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("skipping unreadable source file", "path", rel, "error", err)
			plan.Failed++
		}
		return nil, false
	}
	if !info.Mode().IsRegular() {
		return nil, false
	}
	return info, true
}

// needsCopy applies the change test: the mirror copy is older than the
// source or differs in size.
func needsCopy(src, dst fs.FileInfo) bool {
	return dst.ModTime().Before(src.ModTime()) || dst.Size() != src.Size()
}

// mirrorFiles lists every file currently in the mirror as relative slash paths.
func (s *Syncer) mirrorFiles(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.mirror, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == s.mirror && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			s.logger.Warn("skipping unreadable mirror entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := relSlash(s.mirror, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate mirror: %w", err)
	}
	return files, nil
}

// applyPlan executes the sync plan. Deletes run first so a path that turned
// from a file into a directory, or back, is free before it is copied.
func (s *Syncer) applyPlan(ctx context.Context, plan *Plan) Result {
	var res Result

	for _, op := range plan.Delete {
		if ctx.Err() != nil {
			return res
		}
		s.logger.Debug("deleting file", "path", op.RelPath)
		if err := os.Remove(op.DestPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to delete file", "path", op.RelPath, "error", err)
			res.Failed++
			continue
		}
		res.Deleted++
		s.removeEmptyParents(filepath.Dir(op.DestPath))
	}

	for _, op := range append(plan.Add, plan.Update...) {
		if ctx.Err() != nil {
			return res
		}
		s.logger.Debug("copying file", "path", op.RelPath)
		if err := copyFile(op.SourcePath, op.DestPath); err != nil {
			s.logger.Warn("failed to copy file", "path", op.RelPath, "error", err)
			res.Failed++
			continue
		}
		res.Copied++
	}

	return res
}

// removeEmptyParents removes dir and its ancestors below the mirror root while
// they are empty. A non-empty directory simply stops the climb.
func (s *Syncer) removeEmptyParents(dir string) {
	root := filepath.Clean(s.mirror)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// logPlanDetails logs detailed plan information for dry-run
func (s *Syncer) logPlanDetails(plan *Plan) {
	for _, op := range plan.Add {
		s.logger.Info("[dry-run] would add", "path", op.RelPath)
	}
	for _, op := range plan.Update {
		s.logger.Info("[dry-run] would update", "path", op.RelPath)
	}
	for _, op := range plan.Delete {
		s.logger.Info("[dry-run] would delete", "path", op.RelPath)
	}
}

// copyFile copies src to dst through a temp file in the destination
// directory, keeping the source permission bits and modification time.
func copyFile(src, dst string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	// a directory left where the file goes cannot be renamed over
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".ledgit-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Chtimes(tmpPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

func relSlash(base, path string) (string, error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

func underAny(rel string, dirs []string) bool {
	for _, dir := range dirs {
		if strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	return false
}
