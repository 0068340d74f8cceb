package fetcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/repofetch/repofetch/pkg/source"
)

// flakyProvider writes a marker and a payload into the target and reports a fixed
// content id. The shared failures counter makes the first attempts fail.
type flakyProvider struct {
	failures *int
	failWith error
	used     bool
	id       string
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Detect(_ context.Context, src, ref string) (*source.Spec, error) {
	if src != "flaky://repo" {
		return nil, nil
	}
	return &source.Spec{Repo: src, Ref: ref}, nil
}

func (p *flakyProvider) Fetch(_ context.Context, spec source.Spec, dir string) iter.Seq2[source.Progress, error] {
	return func(yield func(source.Progress, error) bool) {
		if p.used {
			yield(source.Progress{}, source.ErrFetchReused)
			return
		}
		p.used = true

		entries, _ := os.ReadDir(dir)
		if len(entries) > 0 {
			yield(source.Progress{}, source.ErrTargetNotEmpty)
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			yield(source.Progress{}, err)
			return
		}
		if err := os.WriteFile(filepath.Join(dir, "partial"), []byte("x"), 0o644); err != nil {
			yield(source.Progress{}, err)
			return
		}
		if !yield(source.Progress{Provider: "flaky", Step: source.StepMaterialize, Message: "cloning"}, nil) {
			return
		}
		if *p.failures > 0 {
			*p.failures--
			yield(source.Progress{}, p.failWith)
			return
		}
		if err := os.WriteFile(filepath.Join(dir, "payload"), []byte("hello"), 0o644); err != nil {
			yield(source.Progress{}, err)
			return
		}
		p.id = "abc1234"
		yield(source.Progress{Provider: "flaky", Step: source.StepDone, Message: "content id abc1234"}, nil)
	}
}

func (p *flakyProvider) ContentID() string { return p.id }

type stubProviders struct {
	failures  int
	failWith  error
	instances int
}

func (s *stubProviders) Select(ctx context.Context, src, ref string) (source.Provider, *source.Spec, error) {
	p, _ := s.New("flaky")
	spec, err := p.Detect(ctx, src, ref)
	if err != nil {
		return nil, nil, err
	}
	if spec == nil {
		return nil, nil, fmt.Errorf("%w: %q", source.ErrNoProvider, src)
	}
	return p, spec, nil
}

func (s *stubProviders) New(name string) (source.Provider, error) {
	if name != "flaky" {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	s.instances++
	return &flakyProvider{failures: &s.failures, failWith: s.failWith}, nil
}

func TestFetch(t *testing.T) {
	backendErr := &source.BackendError{Provider: "flaky", Err: errors.New("connection reset")}
	refErr := &source.RefError{Provider: "flaky", Repo: "flaky://repo", Ref: "nope"}

	tests := map[string]struct {
		failures     int
		failWith     error
		retries      int
		wantAttempts int
		wantErr      error
	}{
		"first try": {
			retries:      2,
			wantAttempts: 1,
		},
		"recovers after backend failures": {
			failures:     2,
			failWith:     backendErr,
			retries:      2,
			wantAttempts: 3,
		},
		"retries exhausted": {
			failures: 3,
			failWith: backendErr,
			retries:  2,
			wantErr:  source.ErrBackend,
		},
		"bad ref is not retried": {
			failures: 1,
			failWith: refErr,
			retries:  5,
			wantErr:  source.ErrBadRef,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			providers := &stubProviders{failures: tc.failures, failWith: tc.failWith}
			var events []source.Step
			f := &Fetcher{
				Providers:       providers,
				Retries:         tc.retries,
				InitialInterval: time.Millisecond,
				MaxInterval:     time.Millisecond,
				OnProgress:      func(p source.Progress) { events = append(events, p.Step) },
			}
			dir := filepath.Join(t.TempDir(), "out")

			res, err := f.Fetch(context.Background(), "flaky://repo", "", dir)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Fetch() error = %v, want %v", err, tc.wantErr)
				}
				if errors.Is(tc.wantErr, source.ErrBadRef) && providers.instances != 1 {
					t.Errorf("bad ref built %d providers, want 1", providers.instances)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}

			want := &Result{
				Provider:  "flaky",
				Spec:      source.Spec{Repo: "flaky://repo"},
				ContentID: "abc1234",
				Dir:       dir,
				Size:      6,
				Attempts:  tc.wantAttempts,
			}
			if diff := cmp.Diff(want, res); diff != "" {
				t.Errorf("Result mismatch (-want +got):\n%s", diff)
			}
			if providers.instances != tc.wantAttempts {
				t.Errorf("constructed %d providers, want one per attempt (%d)", providers.instances, tc.wantAttempts)
			}
			if events[len(events)-1] != source.StepDone {
				t.Errorf("last event = %q, want %q", events[len(events)-1], source.StepDone)
			}
		})
	}
}

func TestFetchNoProvider(t *testing.T) {
	f := &Fetcher{Providers: &stubProviders{}}
	_, err := f.Fetch(context.Background(), "svn://elsewhere", "", t.TempDir())
	if !errors.Is(err, source.ErrNoProvider) {
		t.Fatalf("Fetch() error = %v, want ErrNoProvider", err)
	}
}

func TestFetchSpecUnknownProvider(t *testing.T) {
	f := &Fetcher{Providers: &stubProviders{}}
	if _, err := f.FetchSpec(context.Background(), "svn", source.Spec{Repo: "x"}, t.TempDir()); err == nil {
		t.Fatal("FetchSpec() with an unknown provider should fail")
	}
}

func TestFetchCancelledStopsRetrying(t *testing.T) {
	providers := &stubProviders{failures: 10, failWith: &source.BackendError{Provider: "flaky", Err: errors.New("down")}}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fetcher{
		Providers:       providers,
		Retries:         10,
		InitialInterval: time.Millisecond,
		OnProgress:      func(source.Progress) { cancel() },
	}

	if _, err := f.Fetch(ctx, "flaky://repo", "", filepath.Join(t.TempDir(), "out")); err == nil {
		t.Fatal("Fetch() should fail once the context is cancelled")
	}
	if providers.instances != 1 {
		t.Errorf("constructed %d providers after cancellation, want 1", providers.instances)
	}
}

// silentProvider ends its sequence without ever producing a content id.
type silentProvider struct{ flakyProvider }

func (p *silentProvider) Fetch(context.Context, source.Spec, string) iter.Seq2[source.Progress, error] {
	return func(func(source.Progress, error) bool) {}
}

func TestConsume(t *testing.T) {
	used := &flakyProvider{failures: new(int), used: true}
	if _, err := Consume(context.Background(), used, source.Spec{}, t.TempDir(), nil); !errors.Is(err, source.ErrFetchReused) {
		t.Errorf("Consume() on a used provider error = %v, want ErrFetchReused", err)
	}

	if _, err := Consume(context.Background(), &silentProvider{}, source.Spec{}, t.TempDir(), nil); err == nil {
		t.Error("Consume() should fail when the provider reports no content id")
	}
}

func TestClearDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub", "deep"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ClearDir(dir); err != nil {
		t.Fatalf("ClearDir() error: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("directory itself was removed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ClearDir() left %d entries", len(entries))
	}

	if err := ClearDir(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("ClearDir() on a missing dir error: %v", err)
	}
}
