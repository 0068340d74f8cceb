package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// LockFileName records what each manifest entry resolved to.
const LockFileName = "repofetch.lock"

const lockVersion = 1

type LockFile struct {
	Version int         `toml:"version"`
	Sources []LockEntry `toml:"sources,omitempty"`
}

type LockEntry struct {
	Name      string `toml:"name"`
	Repo      string `toml:"repo"`
	Ref       string `toml:"ref,omitempty"`
	Provider  string `toml:"provider"`
	ContentID string `toml:"content_id"`
	Dir       string `toml:"dir"`
}

// NewLockFile returns an empty lockfile at the current version.
func NewLockFile() *LockFile {
	return &LockFile{Version: lockVersion}
}

// LoadLockFile reads a lockfile. A missing file yields an empty lockfile.
func LoadLockFile(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewLockFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	lf := &LockFile{}
	if err := toml.Unmarshal(data, lf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if lf.Version > lockVersion {
		return nil, fmt.Errorf("%s has version %d, this build understands up to %d", path, lf.Version, lockVersion)
	}
	for _, e := range lf.Sources {
		if !ValidName(e.Name) {
			return nil, fmt.Errorf("%s: invalid source name %q", path, e.Name)
		}
	}
	return lf, nil
}

// SaveLockFile writes lf with its entries sorted by name.
func SaveLockFile(path string, lf *LockFile) error {
	if lf.Version == 0 {
		lf.Version = lockVersion
	}
	sort.Slice(lf.Sources, func(i, j int) bool {
		return lf.Sources[i].Name < lf.Sources[j].Name
	})

	data, err := toml.Marshal(lf)
	if err != nil {
		return fmt.Errorf("marshaling lockfile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (lf *LockFile) Find(name string) (LockEntry, bool) {
	for _, e := range lf.Sources {
		if e.Name == name {
			return e, true
		}
	}
	return LockEntry{}, false
}

// Upsert replaces the entry with the same name, or appends it.
func (lf *LockFile) Upsert(entry LockEntry) {
	for i, e := range lf.Sources {
		if e.Name == entry.Name {
			lf.Sources[i] = entry
			return
		}
	}
	lf.Sources = append(lf.Sources, entry)
}

// Prune drops entries whose name is not in keep.
func (lf *LockFile) Prune(keep map[string]SourceEntry) []string {
	var removed []string
	kept := lf.Sources[:0]
	for _, e := range lf.Sources {
		if _, ok := keep[e.Name]; ok {
			kept = append(kept, e)
		} else {
			removed = append(removed, e.Name)
		}
	}
	lf.Sources = kept
	return removed
}

// Matches reports whether the entry was locked from the canonical repo and
// ref, so its fetched directory can be reused.
func (e LockEntry) Matches(repo, ref string) bool {
	return e.Repo == repo && e.Ref == ref && e.ContentID != ""
}
