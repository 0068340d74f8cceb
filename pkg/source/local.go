package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/dustin/go-humanize"

	"github.com/repofetch/repofetch/pkg/logging"
	"github.com/repofetch/repofetch/pkg/store"
)

// Local copies a plain directory. It is the fallback provider: any existing
// directory not claimed by a version-control backend ends up here.
type Local struct {
	fetchState
	exclude  []string
	idLength int
	log      *logging.Logger
}

var _ Provider = &Local{}

func NewLocal(opts Options) Provider {
	return &Local{
		exclude:  opts.LocalExclude,
		idLength: opts.IDLength("local"),
		log:      opts.logger("local"),
	}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Detect(_ context.Context, src, ref string) (*Spec, error) {
	path := strings.TrimPrefix(src, "file://")
	if (path == src && isRemote(src)) || !isDir(path) {
		return nil, nil
	}
	if ref = strings.TrimSpace(ref); ref != "" {
		return nil, &RefError{Provider: l.Name(), Repo: path, Ref: ref, Reason: "plain directories have no references"}
	}
	return &Spec{Repo: path}, nil
}

func (l *Local) Fetch(ctx context.Context, spec Spec, outputDir string) iter.Seq2[Progress, error] {
	return l.sequence(l.Name(), func(emit emitFunc) (string, error) {
		if spec.Ref != "" {
			return "", &RefError{Provider: l.Name(), Repo: spec.Repo, Ref: spec.Ref, Reason: "plain directories have no references"}
		}

		src, err := filepath.Abs(spec.Repo)
		if err != nil {
			return "", fmt.Errorf("resolving absolute path for %q: %w", spec.Repo, err)
		}
		dst, err := filepath.Abs(outputDir)
		if err != nil {
			return "", fmt.Errorf("resolving absolute path for %q: %w", outputDir, err)
		}
		if dst == src || strings.HasPrefix(dst, src+string(filepath.Separator)) {
			return "", fmt.Errorf("target %s is inside source %s", dst, src)
		}
		if err := prepareTarget(dst); err != nil {
			return "", err
		}

		if err := emit(StepMaterialize, "copying %s", src); err != nil {
			return "", err
		}
		files, size, err := l.copyTree(ctx, src, dst)
		if err != nil {
			return "", &BackendError{Provider: l.Name(), Err: err}
		}
		if err := emit(StepMaterialize, "copied %d files (%s)", files, humanize.Bytes(uint64(size))); err != nil {
			return "", err
		}
		if err := emit(StepCheckout, "no reference to resolve"); err != nil {
			return "", err
		}

		if err := emit(StepIdentify, "hashing directory contents"); err != nil {
			return "", err
		}
		hash, err := store.New(dst).HashDir()
		if err != nil {
			return "", &BackendError{Provider: l.Name(), Err: fmt.Errorf("computing integrity hash: %w", err)}
		}
		if err := emit(StepIdentify, "tree hash %s", hash); err != nil {
			return "", err
		}
		return shortID(store.TrimHashPrefix(hash), l.idLength), nil
	})
}

// copyTree copies src into dst, preserving modes and symlinks and skipping
// excluded paths. It returns the number and total size of files copied.
func (l *Local) copyTree(ctx context.Context, src, dst string) (files int, size int64, err error) {
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if l.excluded(filepath.ToSlash(rel)) {
			l.log.Debug().Str("path", rel).Msg("excluded")
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			files++
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			files++
			size += info.Size()
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and pipes are not content.
			return nil
		}
	})
	return files, size, err
}

func (l *Local) excluded(rel string) bool {
	for _, pattern := range l.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
