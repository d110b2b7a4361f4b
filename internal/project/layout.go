package project

import "path/filepath"

// Layout locates the managed directory of one project under the ledgit root:
//
//	<root>/index.json                          global registry
//	<root>/projects/<hash>/.git/               backend repository
//	<root>/projects/<hash>/files/              mirror
//	<root>/projects/<hash>/trajectories/<f>/   per-session ledgers
//	<root>/projects/<hash>/ledgit.json         project config
type Layout struct {
	Root     string
	Identity Identity
}

// NewLayout returns the layout of id under root.
func NewLayout(root string, id Identity) Layout {
	return Layout{Root: root, Identity: id}
}

// Mirror and ledger directories relative to ProjectDir. These are also the
// pathspecs handed to the backend.
const (
	FilesDirName        = "files"
	TrajectoriesDirName = "trajectories"
	LockFileName        = ".ledgit.lock"
	ConfigFileName      = "ledgit.json"
)

// ProjectsDir holds one managed directory per identity hash.
func (l Layout) ProjectsDir() string {
	return filepath.Join(l.Root, "projects")
}

// ProjectDir is the managed directory and the backend's working tree.
func (l Layout) ProjectDir() string {
	return filepath.Join(l.ProjectsDir(), l.Identity.Hash)
}

// FilesDir is the mirror of tracked source files.
func (l Layout) FilesDir() string {
	return filepath.Join(l.ProjectDir(), FilesDirName)
}

// TrajectoriesDir holds one folder per session.
func (l Layout) TrajectoriesDir() string {
	return filepath.Join(l.ProjectDir(), TrajectoriesDirName)
}

// SessionDir is the folder of a single session.
func (l Layout) SessionDir(folder string) string {
	return filepath.Join(l.TrajectoriesDir(), folder)
}

// GitDir is the backend's repository state.
func (l Layout) GitDir() string {
	return filepath.Join(l.ProjectDir(), ".git")
}

// GitIgnoreFile is the managed repository's own ignore file.
func (l Layout) GitIgnoreFile() string {
	return filepath.Join(l.ProjectDir(), ".gitignore")
}

// ConfigFile is the durable ProjectConfig record.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.ProjectDir(), ConfigFileName)
}

// LockFile serializes writers of this project across processes.
func (l Layout) LockFile() string {
	return filepath.Join(l.ProjectDir(), LockFileName)
}

// GlobalIndexFile is the registry of all known projects.
func (l Layout) GlobalIndexFile() string {
	return GlobalIndexFile(l.Root)
}

// GlobalIndexFile returns the registry path under root.
func GlobalIndexFile(root string) string {
	return filepath.Join(root, "index.json")
}
