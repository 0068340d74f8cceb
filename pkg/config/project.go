package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// InitManifest creates an empty repofetch.toml in dir. Returns an error if
// the manifest already exists.
func InitManifest(dir string) error {
	path := filepath.Join(dir, ManifestFileName)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", ManifestFileName)
	}

	m := &Manifest{Sources: map[string]SourceEntry{}}
	if err := SaveManifest(path, m); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// EnsureGitignore appends the entries missing from dir/.gitignore and
// returns the ones it added.
func EnsureGitignore(dir string, entries []string) ([]string, error) {
	path := filepath.Join(dir, ".gitignore")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	lines := strings.Split(string(existing), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	var missing []string
	for _, entry := range entries {
		if !slices.Contains(lines, entry) && !slices.Contains(missing, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		b.WriteByte('\n')
	}
	for _, entry := range missing {
		b.WriteString(entry + "\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return missing, nil
}

// IgnoreEntries returns the .gitignore lines for a store root and the
// developer settings file.
func IgnoreEntries(storeRoot string) []string {
	root := filepath.ToSlash(filepath.Clean(storeRoot))
	if filepath.IsAbs(storeRoot) || strings.HasPrefix(root, "../") {
		return []string{LocalConfigFile}
	}
	return []string{root + "/", LocalConfigFile}
}
