// Package syncer materializes every source in a manifest and produces the
// lockfile pinning each one to a content id.
package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"golang.org/x/sync/errgroup"

	"github.com/repofetch/repofetch/pkg/config"
	"github.com/repofetch/repofetch/pkg/fetcher"
	"github.com/repofetch/repofetch/pkg/logging"
	"github.com/repofetch/repofetch/pkg/source"
	"github.com/repofetch/repofetch/pkg/store"
)

// LockName is the file inside the store root that serializes syncs across
// processes.
const LockName = ".lock"

const lockHeldDelay = 500 * time.Millisecond

type Syncer struct {
	Registry   *source.Registry
	Store      store.Store
	ProjectDir string
	Logger     *logging.Logger

	Retries     int
	Concurrency int
	// Force refetches every source even when the lockfile pin still holds.
	Force bool

	// OnProgress receives progress for each source. It is called from
	// multiple goroutines.
	OnProgress func(name string, p source.Progress)

	// retryInterval fixes the fetcher backoff interval when non-zero.
	retryInterval time.Duration
}

// Result reports what happened to one source.
type Result struct {
	Name      string
	Provider  string
	ContentID string
	Dir       string
	Size      int64
	Reused    bool
}

type Report struct {
	Lock    *config.LockFile
	Results []Result
	// Pruned names lockfile entries with no manifest entry any more.
	Pruned []string
}

// Sync fetches every manifest source, reusing directories whose lockfile pin
// still matches, and returns the lockfile describing the result. Entries in
// existing that are no longer in the manifest are pruned, and their store
// directories removed.
func (s *Syncer) Sync(ctx context.Context, m *config.Manifest, existing *config.LockFile) (*Report, error) {
	log := logging.OrNop(s.Logger)
	if existing == nil {
		existing = config.NewLockFile()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := s.Store.EnsureDir(); err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	var report *Report
	err := fslock.WithBlocking(s.Store.Path(LockName), blocker(ctx, log), func() error {
		var err error
		report, err = s.syncLocked(ctx, m, existing)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// blocker waits between attempts to take a held store lock.
func blocker(ctx context.Context, log *logging.Logger) fslock.Blocker {
	return func() error {
		log.Debug().Dur("delay", lockHeldDelay).Msg("store lock is held, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockHeldDelay):
			return nil
		}
	}
}

func (s *Syncer) syncLocked(ctx context.Context, m *config.Manifest, existing *config.LockFile) (*Report, error) {
	names := m.Names()
	results := make([]Result, len(names))
	entries := make([]config.LockEntry, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Concurrency, 1))
	for i, name := range names {
		g.Go(func() error {
			locked, _ := existing.Find(name)
			res, entry, err := s.syncOne(gctx, name, m.Sources[name], locked)
			if err != nil {
				return fmt.Errorf("syncing %q: %w", name, err)
			}
			results[i] = res
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lf := config.NewLockFile()
	for _, e := range entries {
		lf.Upsert(e)
	}

	log := logging.OrNop(s.Logger)
	pruned := existing.Prune(m.Sources)
	for _, name := range pruned {
		if !config.ValidName(name) {
			log.Warn().Str("source", name).Msg("not removing directory of invalid lockfile entry")
			continue
		}
		// Only store-managed directories are removed; custom dirs belong to
		// the user.
		if err := s.Store.Remove(store.SourcesDir, name); err != nil {
			return nil, fmt.Errorf("removing pruned source %q: %w", name, err)
		}
	}

	return &Report{Lock: lf, Results: results, Pruned: pruned}, nil
}

func (s *Syncer) syncOne(ctx context.Context, name string, entry config.SourceEntry, locked config.LockEntry) (Result, config.LockEntry, error) {
	log := logging.OrNop(s.Logger).WithSource(name)

	reg := s.Registry
	if entry.Provider != "" {
		var err error
		if reg, err = reg.Only(entry.Provider); err != nil {
			return Result{}, config.LockEntry{}, err
		}
	}

	p, spec, err := reg.Select(ctx, entry.Repo, entry.Ref)
	if err != nil {
		return Result{}, config.LockEntry{}, err
	}

	dir, rel := s.targetDir(name, entry)
	lockEntry := config.LockEntry{
		Name:     name,
		Repo:     spec.Repo,
		Ref:      spec.Ref,
		Provider: p.Name(),
		Dir:      rel,
	}

	if !s.Force && locked.Matches(spec.Repo, spec.Ref) && locked.Provider == p.Name() && locked.Dir == rel {
		empty, err := store.New(dir).IsEmpty()
		if err != nil {
			return Result{}, config.LockEntry{}, err
		}
		if !empty {
			log.Debug().Str("content_id", locked.ContentID).Msg("lockfile pin matches, reusing")
			lockEntry.ContentID = locked.ContentID
			return Result{Name: name, Provider: p.Name(), ContentID: locked.ContentID, Dir: rel, Reused: true}, lockEntry, nil
		}
	}

	if err := fetcher.ClearDir(dir); err != nil {
		return Result{}, config.LockEntry{}, err
	}

	f := &fetcher.Fetcher{
		Providers:       reg,
		Logger:          s.Logger,
		Retries:         s.Retries,
		InitialInterval: s.retryInterval,
		MaxInterval:     s.retryInterval,
	}
	if s.OnProgress != nil {
		f.OnProgress = func(p source.Progress) { s.OnProgress(name, p) }
	}

	res, err := f.FetchSpec(ctx, p.Name(), *spec, dir)
	if err != nil {
		return Result{}, config.LockEntry{}, err
	}

	log.Info().Str("provider", res.Provider).Str("content_id", res.ContentID).Msg("fetched")
	lockEntry.ContentID = res.ContentID
	return Result{Name: name, Provider: res.Provider, ContentID: res.ContentID, Dir: rel, Size: res.Size}, lockEntry, nil
}

// targetDir returns the absolute directory for a source and the form
// recorded in the lockfile: relative to the project when possible.
func (s *Syncer) targetDir(name string, entry config.SourceEntry) (string, string) {
	dir := s.Store.Path(store.SourcesDir, name)
	if entry.Dir != "" {
		dir = entry.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.ProjectDir, dir)
		}
	}
	rel, err := filepath.Rel(s.ProjectDir, dir)
	if err != nil {
		return dir, filepath.ToSlash(dir)
	}
	return dir, filepath.ToSlash(rel)
}
