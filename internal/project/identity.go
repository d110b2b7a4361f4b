// Package project resolves the identity of a tracked source directory and
// describes the managed directory that holds its mirror and history.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// HashLength is the number of hex characters kept from the path digest.
const HashLength = 12

// UnknownName is used when the source path has no final segment.
const UnknownName = "unknown"

// Identity names one tracked source directory.
type Identity struct {
	Hash       string
	SourcePath string
	Name       string
}

// Resolve canonicalizes path (absolute, symlinks and ".." resolved) and
// derives its identity. Two spellings of the same directory always resolve
// to the same hash. There is no fallback to an unresolved path.
func Resolve(path string) (Identity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to make %q absolute: %w", path, err)
	}

	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to resolve source path %q: %w", path, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to stat source path %q: %w", canonical, err)
	}
	if !info.IsDir() {
		return Identity{}, fmt.Errorf("source path %q is not a directory", canonical)
	}

	return Identity{
		Hash:       HashPath(canonical),
		SourcePath: canonical,
		Name:       NameFromPath(canonical),
	}, nil
}

// HashPath returns the short SHA-256 digest of an already canonical path.
func HashPath(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// NameFromPath returns the final path segment, or UnknownName for roots.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return UnknownName
	}
	return base
}
