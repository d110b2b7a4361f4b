package project

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schaermu/ledgit/internal/jsonfile"
)

// TimestampFormat is used for every timestamp ledgit persists.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Config is the durable per-project record kept in ledgit.json.
// RemoteURL is the only field that changes after creation.
type Config struct {
	ProjectHash string `json:"project_hash"`
	SourcePath  string `json:"source_path"`
	ProjectName string `json:"project_name"`
	CreatedAt   string `json:"created_at"`
	RemoteURL   string `json:"remote_url,omitempty"`
}

// NewConfig builds the initial record for id.
func NewConfig(id Identity, now time.Time) *Config {
	return &Config{
		ProjectHash: id.Hash,
		SourcePath:  id.SourcePath,
		ProjectName: id.Name,
		CreatedAt:   now.UTC().Format(TimestampFormat),
	}
}

// Store reads and writes ledgit.json. Reads are cached on the Store, so each
// handle has its own view and handles never share cached state.
type Store struct {
	path   string
	cached *Config
}

// NewStore returns a store for the config file of layout.
func NewStore(layout Layout) *Store {
	return &Store{path: layout.ConfigFile()}
}

// Load returns the project config. ok is false when the file is missing or
// unreadable; corruption is reported through err alongside ok=false so the
// caller can log it, but it is never fatal.
func (s *Store) Load() (cfg *Config, ok bool, err error) {
	if s.cached != nil {
		return s.cached, true, nil
	}

	var c Config
	if err := jsonfile.Load(s.path, &c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if c.ProjectHash == "" || c.SourcePath == "" {
		return nil, false, fmt.Errorf("config %s is missing required fields", s.path)
	}

	s.cached = &c
	return s.cached, true, nil
}

// Save persists cfg and refreshes the cache.
func (s *Store) Save(cfg *Config) error {
	if err := jsonfile.Save(s.path, cfg); err != nil {
		return fmt.Errorf("failed to save project config: %w", err)
	}
	c := *cfg
	s.cached = &c
	return nil
}
