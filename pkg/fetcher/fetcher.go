// Package fetcher drives content providers end to end: it selects a
// provider for a source string, consumes the provider's progress sequence
// and retries backend failures with a fresh provider and a clean target.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/repofetch/repofetch/pkg/logging"
	"github.com/repofetch/repofetch/pkg/source"
	"github.com/repofetch/repofetch/pkg/store"
)

// Providers selects and constructs providers. *source.Registry satisfies it.
type Providers interface {
	Select(ctx context.Context, src, ref string) (source.Provider, *source.Spec, error)
	New(name string) (source.Provider, error)
}

// Result describes a completed fetch.
type Result struct {
	Provider  string      `json:"provider"`
	Spec      source.Spec `json:"spec"`
	ContentID string      `json:"content_id"`
	Dir       string      `json:"dir"`
	Size      int64       `json:"size"`
	Attempts  int         `json:"attempts"`
}

type Fetcher struct {
	Providers Providers
	Logger    *logging.Logger

	// Retries is the number of extra attempts after a backend failure.
	// Bad references are never retried.
	Retries         int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// OnProgress, if set, receives every progress event.
	OnProgress func(source.Progress)
}

// Fetch selects a provider for src and materializes it into dir.
func (f *Fetcher) Fetch(ctx context.Context, src, ref, dir string) (*Result, error) {
	p, spec, err := f.Providers.Select(ctx, src, ref)
	if err != nil {
		return nil, err
	}
	return f.fetch(ctx, p, *spec, dir)
}

// FetchSpec fetches an already-detected spec with the named provider.
func (f *Fetcher) FetchSpec(ctx context.Context, provider string, spec source.Spec, dir string) (*Result, error) {
	p, err := f.Providers.New(provider)
	if err != nil {
		return nil, err
	}
	return f.fetch(ctx, p, spec, dir)
}

func (f *Fetcher) fetch(ctx context.Context, first source.Provider, spec source.Spec, dir string) (*Result, error) {
	name := first.Name()
	log := logging.OrNop(f.Logger).WithProvider(name)

	attempts := 0
	op := func() (string, error) {
		attempts++
		p := first
		if attempts > 1 {
			// A provider runs once; failed attempts leave partial output.
			var err error
			if p, err = f.Providers.New(name); err != nil {
				return "", backoff.Permanent(err)
			}
			if err := os.RemoveAll(dir); err != nil {
				return "", backoff.Permanent(fmt.Errorf("clearing %s after failed attempt: %w", dir, err))
			}
		}

		id, err := Consume(ctx, p, spec, dir, f.OnProgress)
		if err == nil {
			return id, nil
		}
		if !source.IsBackendFailure(err) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", wait).Str("spec", spec.String()).Msg("fetch failed, retrying")
	}

	id, err := backoff.RetryNotifyWithData(op, f.newBackOff(ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", spec, err)
	}

	size, err := store.New(dir).Size()
	if err != nil {
		return nil, err
	}

	log.Debug().Str("spec", spec.String()).Str("content_id", id).Int("attempts", attempts).Msg("fetch complete")
	return &Result{
		Provider:  name,
		Spec:      spec,
		ContentID: id,
		Dir:       dir,
		Size:      size,
		Attempts:  attempts,
	}, nil
}

func (f *Fetcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if f.InitialInterval > 0 {
		b.InitialInterval = f.InitialInterval
	}
	b.MaxInterval = 30 * time.Second
	if f.MaxInterval > 0 {
		b.MaxInterval = f.MaxInterval
	}
	b.RandomizationFactor = 0.5
	b.Reset()

	retries := max(f.Retries, 0)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Consume ranges over p's fetch sequence, forwarding events to onProgress,
// and returns the content id once the sequence is exhausted.
func Consume(ctx context.Context, p source.Provider, spec source.Spec, dir string, onProgress func(source.Progress)) (string, error) {
	for ev, err := range p.Fetch(ctx, spec, dir) {
		if err != nil {
			return "", err
		}
		if onProgress != nil {
			onProgress(ev)
		}
	}
	id := p.ContentID()
	if id == "" {
		return "", errors.New(p.Name() + " provider finished without a content id")
	}
	return id, nil
}

// ClearDir removes everything inside dir, leaving dir itself in place. A
// missing dir is not an error.
func ClearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	s := store.New(dir)
	for _, e := range entries {
		if err := s.Remove(e.Name()); err != nil {
			return fmt.Errorf("clearing %s: %w", dir, err)
		}
	}
	return nil
}
