package source

import (
	"context"
	"iter"
	"path/filepath"
	"strings"

	"github.com/repofetch/repofetch/pkg/invoke"
	"github.com/repofetch/repofetch/pkg/logging"
)

// hgSchemes are URL prefixes that select Mercurial explicitly. The prefix
// is stripped before the URL is handed to hg.
var hgSchemes = []string{"hg+http://", "hg+https://", "hg+ssh://", "hg+file://"}

type Mercurial struct {
	fetchState
	runner   invoke.Runner
	idLength int
	log      *logging.Logger
}

var _ Provider = &Mercurial{}

func NewMercurial(opts Options) Provider {
	log := opts.logger("hg")
	return &Mercurial{
		runner: invoke.Runner{
			Binary: opts.binary(opts.HgBinary, "hg"),
			// Keep output stable regardless of the user's hgrc.
			Env:    []string{"HGPLAIN=1"},
			Logger: log,
		},
		idLength: opts.IDLength("hg"),
		log:      log,
	}
}

func (m *Mercurial) Name() string { return "hg" }

func (m *Mercurial) Detect(ctx context.Context, src, ref string) (*Spec, error) {
	ref = strings.TrimSpace(ref)
	for _, scheme := range hgSchemes {
		if strings.HasPrefix(src, scheme) {
			return &Spec{Repo: strings.TrimPrefix(src, "hg+"), Ref: ref}, nil
		}
	}

	if isRemote(src) || !isDir(filepath.Join(src, ".hg")) {
		return nil, nil
	}
	if _, err := m.in(src).Output(ctx, "identify"); err != nil {
		m.log.Debug().Err(err).Str("path", src).Msg("hg cannot identify directory")
		return nil, nil
	}
	return &Spec{Repo: src, Ref: ref}, nil
}

func (m *Mercurial) Fetch(ctx context.Context, spec Spec, outputDir string) iter.Seq2[Progress, error] {
	return m.sequence(m.Name(), func(emit emitFunc) (string, error) {
		if err := prepareTarget(outputDir); err != nil {
			return "", err
		}
		if err := m.clone(ctx, spec, outputDir, emit); err != nil {
			return "", classify(m.Name(), Spec{Repo: spec.Repo}, err, nil)
		}
		if err := m.update(ctx, spec, outputDir, emit); err != nil {
			return "", classify(m.Name(), spec, err, hgBadRef)
		}
		id, err := m.identify(ctx, outputDir, emit)
		if err != nil {
			return "", classify(m.Name(), Spec{Repo: spec.Repo}, err, nil)
		}
		return id, nil
	})
}

// clone copies the repository without a working directory; update then
// populates it at the requested revision. The hg-git extension is disabled
// so git URLs are never cloned through hg.
func (m *Mercurial) clone(ctx context.Context, spec Spec, dir string, emit emitFunc) error {
	if err := emit(StepMaterialize, "cloning %s", spec.Repo); err != nil {
		return err
	}
	return m.runner.Stream(ctx, streamTo(emit, StepMaterialize),
		"clone", "--noupdate", "--config", "extensions.hggit=!", "--", spec.Repo, dir)
}

func (m *Mercurial) update(ctx context.Context, spec Spec, dir string, emit emitFunc) error {
	args := []string{"update"}
	if spec.Ref != "" {
		args = append(args, "-r", spec.Ref)
		if err := emit(StepCheckout, "updating to %s", spec.Ref); err != nil {
			return err
		}
	} else if err := emit(StepCheckout, "updating to tip of default branch"); err != nil {
		return err
	}
	return m.in(dir).Stream(ctx, streamTo(emit, StepCheckout), args...)
}

func (m *Mercurial) identify(ctx context.Context, dir string, emit emitFunc) (string, error) {
	if err := emit(StepIdentify, "identifying working copy"); err != nil {
		return "", err
	}
	out, err := m.in(dir).Output(ctx, "identify", "-i")
	if err != nil {
		return "", err
	}
	// A trailing "+" marks uncommitted changes.
	node := strings.TrimSuffix(strings.TrimSpace(out), "+")
	if err := emit(StepIdentify, "working copy at %s", node); err != nil {
		return "", err
	}
	return shortID(node, m.idLength), nil
}

func (m *Mercurial) in(dir string) *invoke.Runner {
	r := m.runner
	r.Dir = dir
	return &r
}
