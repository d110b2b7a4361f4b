// Package registry maintains the global index of managed projects at
// <root>/index.json.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schaermu/ledgit/internal/jsonfile"
	"github.com/schaermu/ledgit/internal/lock"
)

// LockFileName guards read-modify-write cycles of the index.
const LockFileName = ".index.lock"

// lockTimeout bounds waiting for another writer of the index.
const lockTimeout = 30 * time.Second

// ErrNotFound is returned by Find when no entry matches.
var ErrNotFound = errors.New("project not found")

// ErrAmbiguous is returned by Find when more than one entry matches.
var ErrAmbiguous = errors.New("ambiguous project reference")

// Entry describes one managed project.
type Entry struct {
	ProjectHash string `json:"project_hash"`
	SourcePath  string `json:"source_path"`
	ProjectName string `json:"project_name"`
	LedgitPath  string `json:"ledgit_path"`
}

type document struct {
	Projects []Entry `json:"projects"`
}

// Register inserts entry, replacing any entry with the same project hash.
func Register(ctx context.Context, indexPath string, entry Entry) error {
	if entry.ProjectHash == "" {
		return errors.New("registry entry has no project hash")
	}

	l, err := lock.Acquire(ctx, filepath.Join(filepath.Dir(indexPath), LockFileName), lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to lock registry: %w", err)
	}
	defer func() {
		_ = l.Release()
	}()

	entries, _ := load(indexPath)
	replaced := false
	for i := range entries {
		if entries[i].ProjectHash == entry.ProjectHash {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	if err := jsonfile.Save(indexPath, document{Projects: entries}); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return nil
}

// List returns every registered project. A missing or corrupt index is
// reported as empty together with the parse error, if any.
func List(indexPath string) ([]Entry, error) {
	return load(indexPath)
}

// Find resolves ref against the registry. ref may be a full or partial
// project hash, a project name, or a source path.
func Find(indexPath, ref string) (Entry, error) {
	entries, _ := load(indexPath)
	if ref == "" {
		return Entry{}, ErrNotFound
	}

	var matches []Entry
	for _, e := range entries {
		if e.ProjectHash == ref || e.SourcePath == ref {
			return e, nil
		}
		if strings.HasPrefix(e.ProjectHash, ref) || e.ProjectName == ref {
			matches = append(matches, e)
		}
	}

	switch len(matches) {
	case 0:
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		hashes := make([]string, len(matches))
		for i, m := range matches {
			hashes[i] = m.ProjectHash
		}
		sort.Strings(hashes)
		return Entry{}, fmt.Errorf("%w: %s matches %s", ErrAmbiguous, ref, strings.Join(hashes, ", "))
	}
}

func load(indexPath string) ([]Entry, error) {
	var doc document
	if err := jsonfile.Load(indexPath, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return []Entry{}, err
	}
	if doc.Projects == nil {
		return []Entry{}, nil
	}
	return doc.Projects, nil
}
