// Package ledger keeps the per-session record of snapshots, mapping step ids
// to the commits that captured them.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/ledgit/internal/jsonfile"
)

// FileName is the ledger document inside a session folder.
const FileName = "commits.json"

// Event labels written by ledgit itself. Callers may use any other label.
const (
	EventBeforeStep = "before-step"
	EventAfterStep  = "after-step"
	EventFSChange   = "fs-change"
)

// Record is one snapshot entry. CommitSHA is opaque; it may repeat when a
// step changed nothing and referenced the previous commit.
type Record struct {
	StepID       int     `json:"step_id"`
	Event        string  `json:"event"`
	CommitSHA    string  `json:"commit_sha"`
	Timestamp    string  `json:"timestamp"`
	Message      *string `json:"message"`
	FilesChanged int     `json:"files_changed"`
}

type document struct {
	Snapshots []Record `json:"snapshots"`
}

// Path returns the ledger file of sessionDir.
func Path(sessionDir string) string {
	return filepath.Join(sessionDir, FileName)
}

// Append adds rec to the end of the ledger in sessionDir, creating the
// folder when needed. An unreadable ledger is replaced by one holding rec.
func Append(sessionDir string, rec Record) error {
	records, _ := load(sessionDir)
	records = append(records, rec)
	if err := jsonfile.Save(Path(sessionDir), document{Snapshots: records}); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

// LoadAll returns the records of sessionDir in append order. A missing or
// corrupt ledger reads as empty.
func LoadAll(sessionDir string) []Record {
	records, _ := load(sessionDir)
	return records
}

// Check reports whether the ledger in sessionDir is readable. A missing
// ledger is fine.
func Check(sessionDir string) error {
	_, err := load(sessionDir)
	return err
}

func load(sessionDir string) ([]Record, error) {
	var doc document
	if err := jsonfile.Load(Path(sessionDir), &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return []Record{}, err
	}
	if doc.Snapshots == nil {
		return []Record{}, nil
	}
	return doc.Snapshots, nil
}

// NextStepID is the step that follows the last record, or 1 for an empty
// ledger.
func NextStepID(records []Record) int {
	if len(records) == 0 {
		return 1
	}
	return records[len(records)-1].StepID + 1
}

// MessagePtr is a convenience for building records with a message.
func MessagePtr(s string) *string {
	return &s
}
