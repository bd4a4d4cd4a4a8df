// Package lockfile implements derenpy.lock, a manifest written next to a
// generated overlay (tl/<lang>/derenpy.lock). It records the MD5 of every
// source script and how many entries each contributed, so a later patch run
// can report which scripts were added, changed or removed since the overlay
// was generated.
package lockfile

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// LockFileName is the manifest file name inside the overlay directory.
const LockFileName = "derenpy.lock"

// Version is the manifest format version.
const Version = 1

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Script is the record kept for one source script.
type Script struct {
	Checksum string `yaml:"md5"`
	Dialogue int    `yaml:"dialogue"`
	Strings  int    `yaml:"strings,omitempty"`
}

// LockFile represents the derenpy.lock file structure.
type LockFile struct {
	Version  int               `yaml:"version"`
	Language string            `yaml:"language"`
	Provider string            `yaml:"provider,omitempty"`
	Scripts  map[string]Script `yaml:"scripts"` // rel path -> record

	mu   sync.Mutex `yaml:"-"`
	path string     `yaml:"-"`
}

// Diff lists scripts by how they differ from the manifest.
type Diff struct {
	Added     []string
	Changed   []string
	Removed   []string
	Unchanged int
}

// Empty reports whether nothing differs.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// ---------------------------------------------------------------------------
// Loading and saving
// ---------------------------------------------------------------------------

// New returns an empty manifest that saves into dir.
func New(dir string) *LockFile {
	return &LockFile{
		Version: Version,
		Scripts: make(map[string]Script),
		path:    filepath.Join(dir, LockFileName),
	}
}

// Load reads the manifest from dir (the tl/<lang> directory).
// Returns an empty manifest if the file doesn't exist.
func Load(dir string) (*LockFile, error) {
	lf := New(dir)
	path := lf.path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lf, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, lf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	lf.path = path

	if lf.Scripts == nil {
		lf.Scripts = make(map[string]Script)
	}

	return lf, nil
}

// Save writes the manifest to disk, creating its directory.
func (lf *LockFile) Save() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.path == "" {
		return fmt.Errorf("lock file path not set")
	}

	data, err := yaml.Marshal(lf)
	if err != nil {
		return fmt.Errorf("marshaling lock file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(lf.path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(lf.path), err)
	}
	if err := os.WriteFile(lf.path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", lf.path, err)
	}

	return nil
}

// Path returns the manifest path.
func (lf *LockFile) Path() string {
	return lf.path
}

// ---------------------------------------------------------------------------
// Checksums
// ---------------------------------------------------------------------------

// Hash computes the MD5 hex digest of data.
func Hash(data []byte) string {
	return fmt.Sprintf("%x", md5.Sum(data))
}

// HashFile computes the MD5 hex digest of a file's contents.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Hash(data), nil
}

// ScriptKey normalizes a relative script path for use as a manifest key.
func ScriptKey(rel string) string {
	return filepath.ToSlash(rel)
}

// IsChanged reports whether a script is new or its checksum differs.
func (lf *LockFile) IsChanged(rel, checksum string) bool {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	s, ok := lf.Scripts[ScriptKey(rel)]
	return !ok || s.Checksum != checksum
}

// Record stores the checksum and entry counts of a script.
func (lf *LockFile) Record(rel, checksum string, dialogue, strs int) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	lf.Scripts[ScriptKey(rel)] = Script{Checksum: checksum, Dialogue: dialogue, Strings: strs}
}

// Compare classifies current (rel path -> checksum) against the manifest.
// Every returned list is sorted.
func (lf *LockFile) Compare(current map[string]string) Diff {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	var d Diff
	seen := make(map[string]bool, len(current))
	for rel, sum := range current {
		key := ScriptKey(rel)
		seen[key] = true
		old, ok := lf.Scripts[key]
		switch {
		case !ok:
			d.Added = append(d.Added, key)
		case old.Checksum != sum:
			d.Changed = append(d.Changed, key)
		default:
			d.Unchanged++
		}
	}
	for key := range lf.Scripts {
		if !seen[key] {
			d.Removed = append(d.Removed, key)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Changed)
	sort.Strings(d.Removed)
	return d
}

// Clean removes scripts that are no longer present in currentRels.
func (lf *LockFile) Clean(currentRels []string) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	valid := make(map[string]bool, len(currentRels))
	for _, r := range currentRels {
		valid[ScriptKey(r)] = true
	}
	for k := range lf.Scripts {
		if !valid[k] {
			delete(lf.Scripts, k)
		}
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns the number of scripts and total entries in the manifest.
func (lf *LockFile) Stats() (scripts, dialogue, strs int) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	scripts = len(lf.Scripts)
	for _, s := range lf.Scripts {
		dialogue += s.Dialogue
		strs += s.Strings
	}
	return
}

// Summary returns a human-readable summary string.
func (lf *LockFile) Summary() string {
	scripts, dialogue, strs := lf.Stats()
	if scripts == 0 {
		return "empty"
	}
	return fmt.Sprintf("%d scripts, %d dialogue lines, %d strings", scripts, dialogue, strs)
}

// String renders a diff as "2 new, 1 changed, 0 removed".
func (d Diff) String() string {
	parts := []string{
		fmt.Sprintf("%d new", len(d.Added)),
		fmt.Sprintf("%d changed", len(d.Changed)),
		fmt.Sprintf("%d removed", len(d.Removed)),
	}
	return strings.Join(parts, ", ")
}
