package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// ManifestFileName is the project manifest listing the sources to fetch.
const ManifestFileName = "repofetch.toml"

// Manifest is the committed list of sources a project depends on.
type Manifest struct {
	Sources map[string]SourceEntry `toml:"sources"`
}

type SourceEntry struct {
	// Repo is any source string a provider recognizes: a URL, a path,
	// "npm:<pkg>", "pypi:<pkg>" or "docker://<image>".
	Repo string `toml:"repo"`
	Ref  string `toml:"ref,omitempty"`
	// Dir is where the source is materialised, relative to the manifest.
	// Empty means <store root>/sources/<name>.
	Dir string `toml:"dir,omitempty"`
	// Provider pins detection to a single provider.
	Provider string `toml:"provider,omitempty"`
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName reports whether name can be used as a manifest key and a
// directory name.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

func UnmarshalManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, err
	}
	if m.Sources == nil {
		m.Sources = map[string]SourceEntry{}
	}
	return m, nil
}

func (m *Manifest) Marshal() ([]byte, error) {
	return toml.Marshal(m)
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := UnmarshalManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func SaveManifest(path string, m *Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Names returns the source names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Sources))
	for name := range m.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add inserts a new source. It fails if the name is taken or invalid.
func (m *Manifest) Add(name string, entry SourceEntry) error {
	if !ValidName(name) {
		return fmt.Errorf("invalid source name %q", name)
	}
	if _, ok := m.Sources[name]; ok {
		return fmt.Errorf("source %q already exists in %s", name, ManifestFileName)
	}
	if m.Sources == nil {
		m.Sources = map[string]SourceEntry{}
	}
	m.Sources[name] = entry
	if err := m.Validate(); err != nil {
		delete(m.Sources, name)
		return err
	}
	return nil
}

// Validate checks that every entry names a repo and that no two entries
// share a target directory.
func (m *Manifest) Validate() error {
	dirs := make(map[string]string)
	for _, name := range m.Names() {
		entry := m.Sources[name]
		if !ValidName(name) {
			return fmt.Errorf("invalid source name %q", name)
		}
		if entry.Repo == "" {
			return fmt.Errorf("source %q has no repo", name)
		}
		if entry.Dir == "" {
			continue
		}
		dir := filepath.Clean(entry.Dir)
		if other, ok := dirs[dir]; ok {
			return fmt.Errorf("sources %q and %q share directory %s", other, name, dir)
		}
		dirs[dir] = name
	}
	return nil
}
