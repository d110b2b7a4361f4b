// Package ignore decides which source files participate in tracking.
//
// It implements a documented subset of the gitignore grammar:
//
//   - rules from a .gitignore in a subdirectory only apply below that
//     subdirectory and are matched against the path relative to it;
//   - "name/" matches when name appears among a path's directory components;
//   - patterns with *, ? or [ are shell globs matched against the full
//     relative path and against the base name;
//   - other patterns match the full relative path, the base name, or a run of
//     directory components;
//   - a leading "/" is dropped, negations ("!pattern") are skipped, and blank
//     lines and # comments are ignored.
//
// Anchoring, negation and "**" semantics of full gitignore are not provided.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileName is the rule file discovered in the source tree.
const FileName = ".gitignore"

// ControlDir is the backend's own directory, which is never tracked.
const ControlDir = ".git"

// Rule is one raw pattern qualified by the slash-separated directory of the
// rule file that declared it ("" for the source root).
type Rule struct {
	Dir     string
	Pattern string
}

// String returns the pattern prefixed with its directory.
func (r Rule) String() string {
	if r.Dir == "" {
		return r.Pattern
	}
	return r.Dir + "/" + r.Pattern
}

type compiled struct {
	Rule
	name     string // pattern without leading/trailing slashes
	dirOnly  bool
	wildcard bool
}

// Matcher answers ShouldIgnore for relative slash paths. Build a fresh one
// per sync pass; it is not safe for concurrent mutation.
type Matcher struct {
	rules []compiled
}

// New returns a matcher seeded with the mandatory control-directory rules
// followed by extra.
func New(extra ...Rule) *Matcher {
	m := &Matcher{}
	m.Add(Rule{Pattern: ControlDir + "/"}, Rule{Pattern: ControlDir})
	m.Add(extra...)
	return m
}

// Load builds a matcher from every rule file under sourceDir. Directories
// already excluded by rules loaded from their parents are not scanned.
func Load(sourceDir string) (*Matcher, error) {
	if _, err := os.Stat(sourceDir); err != nil {
		return nil, fmt.Errorf("failed to scan ignore rules: %w", err)
	}

	m := New()
	err := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == sourceDir {
				return err
			}
			// unreadable subtree: its rules are unknown, keep going
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			rel = ""
		}
		if rel != "" && m.ShouldSkipDir(rel) {
			return filepath.SkipDir
		}
		m.AddDir(p, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ignore rules: %w", err)
	}
	return m, nil
}

// AddDir loads the rule file of the directory absDir, whose path relative to
// the source root is rel. A missing or unreadable rule file adds nothing.
func (m *Matcher) AddDir(absDir, rel string) {
	f, err := os.Open(filepath.Join(absDir, FileName))
	if err != nil {
		return
	}
	defer func() {
		_ = f.Close()
	}()

	// a read error keeps the rules parsed before it
	rules, _ := ParseRules(rel, f)
	m.Add(rules...)
}

// ParseRules reads gitignore-style lines declared in directory dir.
func ParseRules(dir string, r io.Reader) ([]Rule, error) {
	var rules []Rule
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Negations would need ordered re-inclusion; they are skipped.
		if strings.HasPrefix(line, "!") {
			continue
		}
		// "\#" and "\!" escape a literal leading character.
		if strings.HasPrefix(line, `\#`) || strings.HasPrefix(line, `\!`) {
			line = line[1:]
		}
		rules = append(rules, Rule{Dir: dir, Pattern: line})
	}
	return rules, scanner.Err()
}

// Add appends rules in order.
func (m *Matcher) Add(rules ...Rule) {
	for _, r := range rules {
		name := strings.TrimPrefix(r.Pattern, "/")
		dirOnly := strings.HasSuffix(name, "/")
		name = strings.TrimRight(name, "/")
		if name == "" {
			continue
		}
		m.rules = append(m.rules, compiled{
			Rule:     r,
			name:     name,
			dirOnly:  dirOnly,
			wildcard: strings.ContainsAny(name, "*?["),
		})
	}
}

// Rules returns the loaded rules in declaration order.
func (m *Matcher) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.Rule
	}
	return out
}

// ShouldIgnore reports whether the file at the relative slash path rel is
// excluded from tracking.
func (m *Matcher) ShouldIgnore(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, r := range m.rules {
		sub, ok := scoped(r.Dir, rel)
		if !ok {
			continue
		}
		if r.matchFile(sub) {
			return true
		}
	}
	return false
}

// ShouldSkipDir reports whether every file below the relative directory rel
// is ignored, so a walk can prune it without changing ShouldIgnore results.
// Glob rules never prune because they are matched against file names.
func (m *Matcher) ShouldSkipDir(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, r := range m.rules {
		if r.wildcard {
			continue
		}
		sub, ok := scoped(r.Dir, rel)
		if !ok {
			continue
		}
		if containsRun(sub, r.name) {
			return true
		}
	}
	return false
}

// scoped strips the rule directory from rel. Rules only apply strictly below
// the directory that declared them.
func scoped(dir, rel string) (string, bool) {
	if dir == "" {
		return rel, true
	}
	prefix := dir + "/"
	if !strings.HasPrefix(rel, prefix) {
		return "", false
	}
	return rel[len(prefix):], true
}

func (r compiled) matchFile(sub string) bool {
	dirs, base := path.Split(sub)
	dirs = strings.TrimSuffix(dirs, "/")

	switch {
	case r.dirOnly:
		return containsRun(dirs, r.name)
	case r.wildcard:
		if ok, _ := path.Match(r.name, sub); ok {
			return true
		}
		ok, _ := path.Match(r.name, base)
		return ok
	default:
		return sub == r.name || base == r.name || containsRun(dirs, r.name)
	}
}

// containsRun reports whether name (one or more slash-separated segments)
// appears as whole consecutive components of the slash path p.
func containsRun(p, name string) bool {
	if p == "" {
		return false
	}
	return strings.Contains("/"+p+"/", "/"+name+"/")
}
