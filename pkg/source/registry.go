package source

import (
	"context"
	"fmt"
	"slices"
)

// Factory constructs a fresh provider. Every fetch gets its own instance.
type Factory func(Options) Provider

// Registry is an ordered set of provider factories. Select asks each
// provider in order whether it recognizes a source; earlier entries win.
type Registry struct {
	opts      Options
	names     []string
	factories map[string]Factory
}

// builtins lists the bundled providers in default detection order. VCS
// backends come before the plain-directory fallback.
var builtins = []struct {
	name    string
	factory Factory
}{
	{"git", NewGit},
	{"hg", NewMercurial},
	{"oci", NewOCI},
	{"npm", NewNPM},
	{"pypi", NewPyPI},
	{"archive", NewArchive},
	{"local", NewLocal},
}

// NewRegistry returns an empty registry whose providers are constructed
// with opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding every bundled provider.
func DefaultRegistry(opts Options) *Registry {
	r := NewRegistry(opts)
	for _, b := range builtins {
		// Names are unique, so this cannot fail.
		_ = r.Register(b.name, b.factory)
	}
	return r
}

// BuiltinNames returns the bundled provider names in default order.
func BuiltinNames() []string {
	names := make([]string, len(builtins))
	for i, b := range builtins {
		names[i] = b.name
	}
	return names
}

// Register appends a provider to the detection order.
func (r *Registry) Register(name string, f Factory) error {
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("failed to register provider %q: another provider is already registered under that name", name)
	}
	r.names = append(r.names, name)
	r.factories[name] = f
	return nil
}

// Names returns the registered provider names in detection order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Only returns a registry restricted to names, in the order given.
func (r *Registry) Only(names ...string) (*Registry, error) {
	out := NewRegistry(r.opts)
	for _, name := range names {
		f, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q (known: %v)", name, r.names)
		}
		if err := out.Register(name, f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// New constructs the named provider.
func (r *Registry) New(name string) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return f(r.opts), nil
}

// Select returns a fresh instance of the first provider that recognizes
// src, together with the canonical spec it produced. A provider that
// recognizes src but rejects it ends the search with its error.
func (r *Registry) Select(ctx context.Context, src, ref string) (Provider, *Spec, error) {
	log := r.opts.logger("registry")
	for _, name := range r.names {
		p := r.factories[name](r.opts)
		spec, err := p.Detect(ctx, src, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("%s provider rejected %q: %w", name, src, err)
		}
		if spec != nil {
			log.Debug().Str("source", src).Str("selected", name).Str("spec", spec.String()).Msg("provider selected")
			return p, spec, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrNoProvider, src)
}
