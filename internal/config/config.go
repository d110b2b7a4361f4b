package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/ledgit/internal/git"
	"github.com/schaermu/ledgit/internal/project"
)

// RootEnv overrides paths.root when set.
const RootEnv = "LEDGIT_DIR"

// Defaults applied to zero-value fields.
const (
	DefaultRootDir     = "~/.claude/ledgit"
	DefaultGitBinary   = "git"
	DefaultGitTimeout  = 30 * time.Second
	DefaultBranch      = "main"
	DefaultAuthorName  = "ledgit"
	DefaultAuthorEmail = "ledgit@localhost"
	DefaultRemoteName  = "origin"
	DefaultLockTimeout = 60 * time.Second
	DefaultDebounce    = 2 * time.Second
)

// Config represents the complete ledgit configuration
type Config struct {
	Paths  PathsConfig  `yaml:"paths"`
	Git    GitConfig    `yaml:"git"`
	Remote RemoteConfig `yaml:"remote"`
	Auth   AuthConfig   `yaml:"auth"`
	Lock   LockConfig   `yaml:"lock"`
	Watch  WatchConfig  `yaml:"watch"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	Root string `yaml:"root"`
}

// GitConfig configures the backend invocation
type GitConfig struct {
	Binary      string        `yaml:"binary"`
	Timeout     time.Duration `yaml:"timeout"`
	Branch      string        `yaml:"branch"`
	AuthorName  string        `yaml:"author_name"`
	AuthorEmail string        `yaml:"author_email"`
}

// RemoteConfig configures the default push target
type RemoteConfig struct {
	Name string `yaml:"name"`
}

// AuthConfig configures Git authentication for pushes
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// LockConfig configures the per-project lock
type LockConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// WatchConfig configures the source watcher
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultPath returns $HOME/.config/ledgit/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ledgit", "config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return finish(&cfg)
}

// LoadOptional behaves like Load but returns the defaults when path does not
// exist. An empty path means no file.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

// Default returns the configuration used when no file exists.
func Default() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	cfg.expandEnv()
	cfg.applyDefaults()
	if root := os.Getenv(RootEnv); root != "" {
		cfg.Paths.Root = root
	}
	cfg.expandHome()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.Root = os.ExpandEnv(c.Paths.Root)
	c.Git.Binary = os.ExpandEnv(c.Git.Binary)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.Root == "" {
		c.Paths.Root = DefaultRootDir
	}
	if c.Git.Binary == "" {
		c.Git.Binary = DefaultGitBinary
	}
	if c.Git.Timeout == 0 {
		c.Git.Timeout = DefaultGitTimeout
	}
	if c.Git.Branch == "" {
		c.Git.Branch = DefaultBranch
	}
	if c.Git.AuthorName == "" {
		c.Git.AuthorName = DefaultAuthorName
	}
	if c.Git.AuthorEmail == "" {
		c.Git.AuthorEmail = DefaultAuthorEmail
	}
	if c.Remote.Name == "" {
		c.Remote.Name = DefaultRemoteName
	}
	if c.Lock.Timeout == 0 {
		c.Lock.Timeout = DefaultLockTimeout
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = DefaultDebounce
	}
}

// expandHome resolves a leading ~ in path fields.
func (c *Config) expandHome() {
	c.Paths.Root = expandTilde(c.Paths.Root)
	c.Auth.SSHKeyFile = expandTilde(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = expandTilde(c.Auth.HTTPSTokenFile)
}

func expandTilde(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.Root == "" {
		return fmt.Errorf("paths.root is required")
	}
	if !filepath.IsAbs(c.Paths.Root) {
		return fmt.Errorf("paths.root must be an absolute path: %s", c.Paths.Root)
	}

	if c.Git.Binary == "" {
		return fmt.Errorf("git.binary is required")
	}
	if c.Git.Timeout <= 0 {
		return fmt.Errorf("git.timeout must be positive: %s", c.Git.Timeout)
	}
	if c.Git.Branch == "" {
		return fmt.Errorf("git.branch is required")
	}
	if c.Remote.Name == "" {
		return fmt.Errorf("remote.name is required")
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive: %s", c.Lock.Timeout)
	}
	if c.Watch.Debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive: %s", c.Watch.Debounce)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// GitOptions returns the backend client options for this configuration.
func (c *Config) GitOptions() git.Options {
	return git.Options{
		Binary:         c.Git.Binary,
		Timeout:        c.Git.Timeout,
		Branch:         c.Git.Branch,
		AuthorName:     c.Git.AuthorName,
		AuthorEmail:    c.Git.AuthorEmail,
		SSHKeyFile:     c.Auth.SSHKeyFile,
		HTTPSTokenFile: c.Auth.HTTPSTokenFile,
	}
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// GlobalIndexFile returns the path of the project registry
func (c *Config) GlobalIndexFile() string {
	return project.GlobalIndexFile(c.Paths.Root)
}
