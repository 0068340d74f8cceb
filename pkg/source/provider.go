// Package source implements content providers: backends that recognise a
// repository specification (a URL or a local path plus an optional ref),
// materialise it into a target directory and report a short, stable content
// identifier for the result.
//
// Fetch returns a lazy sequence of progress events. Callers must range over
// it to exhaustion; the target directory is complete and ContentID is set
// only when the loop ends without an error. Breaking out of the loop early
// aborts the fetch, leaving the directory in an undefined state that the
// caller is responsible for removing.
package source

import (
	"context"
	"fmt"
	"iter"
	"net/http"

	"github.com/repofetch/repofetch/pkg/logging"
)

// Spec is the canonical form of a source produced by Detect. An empty Ref
// means the backend's default (default branch, tip, latest release).
type Spec struct {
	Repo string `json:"repo" toml:"repo"`
	Ref  string `json:"ref,omitempty" toml:"ref,omitempty"`
}

func (s Spec) String() string {
	if s.Ref == "" {
		return s.Repo
	}
	return s.Repo + "@" + s.Ref
}

type Provider interface {
	// Name returns the backend name, e.g. "git".
	Name() string
	// Detect reports whether src belongs to this backend. It returns
	// (nil, nil) when it does not, and an error only when the input is in
	// this backend's format but cannot be accepted. Detect never modifies
	// anything.
	Detect(ctx context.Context, src, ref string) (*Spec, error)
	// Fetch materialises spec into outputDir, which must be absent or
	// empty. See the package documentation for the consumption contract.
	Fetch(ctx context.Context, spec Spec, outputDir string) iter.Seq2[Progress, error]
	// ContentID returns the identifier of the fetched content, or "" until
	// a Fetch sequence has completed without error.
	ContentID() string
}

// Options configures provider construction. The zero value is usable.
type Options struct {
	Logger *logging.Logger

	// IDLengths overrides the content id length per provider name.
	IDLengths map[string]int

	GitBinary string
	HgBinary  string
	NPMBinary string
	// ContainerEngine overrides container engine detection for the oci
	// provider ("docker", "podman" or a path).
	ContainerEngine string

	// LocalExclude lists doublestar patterns, relative to the source root,
	// that the local provider skips when copying.
	LocalExclude []string

	// PyPIURL is the base URL of the PyPI JSON API.
	PyPIURL    string
	HTTPClient *http.Client
}

const defaultPyPIURL = "https://pypi.org"

func (o Options) logger(provider string) *logging.Logger {
	return logging.OrNop(o.Logger).WithProvider(provider)
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func (o Options) binary(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// Step names the phase of a fetch a Progress event belongs to.
type Step string

const (
	StepMaterialize Step = "materialize"
	StepCheckout    Step = "checkout"
	StepIdentify    Step = "identify"
	StepDone        Step = "done"
)

// Progress is a single status event yielded by Fetch.
type Progress struct {
	Provider string
	Step     Step
	Message  string
}

func (p Progress) String() string {
	return fmt.Sprintf("[%s] %s: %s", p.Provider, p.Step, p.Message)
}
