package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const (
	dirPerm     = 0o755
	hashPrefix  = "sha256:"
	DefaultRoot = ".repofetch"
	// SourcesDir holds fetched working copies of manifest entries that do
	// not name their own directory.
	SourcesDir = "sources"
)

// ErrOutsideRoot is returned when segments would leave the store root.
var ErrOutsideRoot = errors.New("path outside store root")

type Store interface {
	// Path returns the absolute filesystem path for the given segments
	// joined under the store root. Does not create or verify the path.
	// Use this to get a path for external tools (e.g., git clone target).
	Path(segments ...string) string
	// Exists reports whether the path at the given segments exists.
	Exists(segments ...string) (bool, error)
	// IsEmpty reports whether the directory at segments is missing or has
	// no entries.
	IsEmpty(segments ...string) (bool, error)
	// EnsureDir creates the directory at segments (starting at store root),
	// including parents.
	EnsureDir(segments ...string) error
	// Remove deletes the entire tree at segments. Segments that resolve to
	// the root itself or outside it are refused with ErrOutsideRoot.
	Remove(segments ...string) error
	// HashDir computes a "sha256:<hex>" integrity hash over all file
	// contents in the directory at segments, walking recursively in sorted
	// order for determinism. Symlinks contribute their target, not the
	// content they point at.
	HashDir(segments ...string) (string, error)
	// Size returns the total size in bytes of regular files under segments.
	Size(segments ...string) (int64, error)
}

func New(root string) Store {
	return &store{root: root}
}

type store struct {
	root string
}

var _ Store = &store{}

func (s *store) Path(segments ...string) string {
	return filepath.Join(append([]string{s.root}, segments...)...)
}

func (s *store) Exists(segments ...string) (bool, error) {
	_, err := os.Lstat(s.Path(segments...))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *store) IsEmpty(segments ...string) (bool, error) {
	f, err := os.Open(s.Path(segments...))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}

func (s *store) EnsureDir(segments ...string) error {
	if len(segments) > 0 {
		if err := checkLocal(segments); err != nil {
			return err
		}
	}
	return os.MkdirAll(s.Path(segments...), dirPerm)
}

func (s *store) Remove(segments ...string) error {
	if err := checkLocal(segments); err != nil {
		return err
	}
	return os.RemoveAll(s.Path(segments...))
}

func checkLocal(segments []string) error {
	rel := filepath.Join(segments...)
	if rel == "." || !filepath.IsLocal(rel) {
		return fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return nil
}

func (s *store) HashDir(segments ...string) (string, error) {
	dir := s.Path(segments...)
	h := sha256.New()

	var files []string
	links := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			links[rel] = target
		} else if !d.Type().IsRegular() {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(files)

	for _, f := range files {
		h.Write([]byte(filepath.ToSlash(f)))
		if target, ok := links[f]; ok {
			h.Write([]byte("->" + target))
			continue
		}
		if err := hashFile(h, filepath.Join(dir, f)); err != nil {
			return "", err
		}
	}

	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

func (s *store) Size(segments ...string) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.Path(segments...), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", s.Path(segments...), err)
	}
	return total, nil
}

// TrimHashPrefix returns the hex part of a HashDir result.
func TrimHashPrefix(hash string) string {
	if len(hash) > len(hashPrefix) && hash[:len(hashPrefix)] == hashPrefix {
		return hash[len(hashPrefix):]
	}
	return hash
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
