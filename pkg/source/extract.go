package source

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

type archiveFormat int

const (
	formatTar archiveFormat = iota
	formatTarGz
	formatTarZst
	formatZip
)

// archiveSuffixes is checked in order, so compound suffixes come first.
var archiveSuffixes = []struct {
	suffix string
	format archiveFormat
}{
	{".tar.gz", formatTarGz},
	{".tgz", formatTarGz},
	{".tar.zst", formatTarZst},
	{".tzst", formatTarZst},
	{".tar", formatTar},
	{".zip", formatZip},
	{".whl", formatZip},
}

var errUnsafePath = errors.New("archive entry escapes the target directory")

// matchArchive reports the archive format of a file name or URL path and
// the suffix that identified it.
func matchArchive(name string) (format archiveFormat, suffix string, ok bool) {
	name = name[strings.LastIndexAny(name, `/\`)+1:]
	lower := strings.ToLower(name)
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(lower, s.suffix) && len(lower) > len(s.suffix) {
			return s.format, name[len(name)-len(s.suffix):], true
		}
	}
	return 0, "", false
}

func archiveFormatOf(name string) (archiveFormat, bool) {
	format, _, ok := matchArchive(name)
	return format, ok
}

// extractFile unpacks the archive at path into dst.
func extractFile(ctx context.Context, path string, format archiveFormat, dst string) error {
	if format == formatZip {
		return extractZip(ctx, path, dst)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch format {
	case formatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip reader failed: %w", err)
		}
		defer gz.Close()
		r = gz
	case formatTarZst:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("zstd reader failed: %w", err)
		}
		defer dec.Close()
		r = dec
	}
	return extractTar(ctx, r, dst)
}

// extractTar unpacks a tar stream into dst.
func extractTar(ctx context.Context, r io.Reader, dst string) error {
	x, err := newExtractor(dst)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read failed: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		mode := header.FileInfo().Mode()
		switch header.Typeflag {
		case tar.TypeDir:
			err = x.dir(header.Name, mode)
		case tar.TypeReg:
			err = x.file(header.Name, tr, mode)
		case tar.TypeSymlink:
			err = x.symlink(header.Name, header.Linkname)
		case tar.TypeLink:
			err = x.hardlink(header.Name, header.Linkname)
		default:
			// Global headers, devices and fifos carry no content.
		}
		if err != nil {
			return err
		}
	}
}

func extractZip(ctx context.Context, path, dst string) error {
	x, err := newExtractor(dst)
	if err != nil {
		return err
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("zip reader failed: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.zipEntry(f); err != nil {
			return err
		}
	}
	return nil
}

// extractor writes archive entries below root. Entry names that escape
// root are rejected, and nothing is ever written or hard linked through a
// symlink that resolves outside it.
type extractor struct {
	root     string
	realRoot string
}

func newExtractor(root string) (*extractor, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}
	return &extractor{root: root, realRoot: resolved}, nil
}

// join maps an archive entry name onto a path below root.
func (x *extractor) join(name string) (string, error) {
	rel := strings.TrimLeft(filepath.FromSlash(name), string(filepath.Separator))
	rel = filepath.Clean(rel)
	if rel == "." {
		return x.root, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, name)
	}
	return filepath.Join(x.root, rel), nil
}

// prepare resolves name and makes sure its parent directory exists inside
// root. Any non-directory already at the path is removed so later entries
// replace earlier ones.
func (x *extractor) prepare(name string) (string, error) {
	target, err := x.join(name)
	if err != nil {
		return "", err
	}
	if target == x.root {
		return target, nil
	}

	if err := x.checkParents(target); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("mkdir failed: %w", err)
	}
	if info, err := os.Lstat(target); err == nil && !info.IsDir() {
		if err := os.Remove(target); err != nil {
			return "", err
		}
	}
	return target, nil
}

// checkParents fails when the nearest existing ancestor of target resolves
// outside root.
func (x *extractor) checkParents(target string) error {
	dir := filepath.Dir(target)
	for dir != x.root && dir != filepath.Dir(dir) {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if !x.inside(resolved) {
		return fmt.Errorf("%w: %s", errUnsafePath, target)
	}
	return nil
}

func (x *extractor) inside(resolved string) bool {
	return resolved == x.realRoot || strings.HasPrefix(resolved, x.realRoot+string(filepath.Separator))
}

func (x *extractor) dir(name string, mode fs.FileMode) error {
	target, err := x.join(name)
	if err != nil {
		return err
	}
	if err := x.checkParents(target); err != nil {
		return err
	}
	return os.MkdirAll(target, mode.Perm()|0o700)
}

func (x *extractor) file(name string, r io.Reader, mode fs.FileMode) error {
	target, err := x.prepare(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return fmt.Errorf("create file failed: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("copy failed: %w", err)
	}
	return f.Close()
}

func (x *extractor) symlink(name, linkname string) error {
	target, err := x.prepare(name)
	if err != nil {
		return err
	}
	return os.Symlink(linkname, target)
}

func (x *extractor) hardlink(name, linkname string) error {
	source, err := x.join(linkname)
	if err != nil {
		return err
	}
	// The link source must be an entry already extracted under root, reached
	// without crossing a symlink that points elsewhere.
	resolved, err := filepath.EvalSymlinks(source)
	if err != nil {
		return fmt.Errorf("%w: hard link to %q: %v", errUnsafePath, linkname, err)
	}
	if !x.inside(resolved) {
		return fmt.Errorf("%w: hard link to %q", errUnsafePath, linkname)
	}
	target, err := x.prepare(name)
	if err != nil {
		return err
	}
	return os.Link(source, target)
}

func (x *extractor) zipEntry(f *zip.File) error {
	mode := f.Mode()
	switch {
	case mode.IsDir():
		return x.dir(f.Name, mode)
	case mode&fs.ModeSymlink != 0:
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		link, err := io.ReadAll(io.LimitReader(rc, 4096))
		if err != nil {
			return err
		}
		return x.symlink(f.Name, string(link))
	default:
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", f.Name, err)
		}
		defer rc.Close()
		return x.file(f.Name, rc, mode)
	}
}

// flattenSingleRoot moves the contents of dir's only subdirectory up into
// dir, the way release tarballs wrap everything in "<name>-<version>/".
func flattenSingleRoot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	// Move the wrapper aside first in case it contains an entry of its own name.
	wrapper := filepath.Join(dir, ".repofetch-unwrap")
	if err := os.Rename(filepath.Join(dir, entries[0].Name()), wrapper); err != nil {
		return err
	}
	children, err := os.ReadDir(wrapper)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := os.Rename(filepath.Join(wrapper, child.Name()), filepath.Join(dir, child.Name())); err != nil {
			return err
		}
	}
	return os.Remove(wrapper)
}
