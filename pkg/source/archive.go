package source

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/repofetch/repofetch/pkg/logging"
)

// archiveDigestRef is the only ref form an archive accepts: a full or
// abbreviated sha256 of the archive file.
var archiveDigestRef = regexp.MustCompile(`^sha256:[0-9a-f]{7,64}$`)

// Archive downloads (or reads) a tarball or zip file and unpacks it. A
// single top-level directory is stripped. The content id is derived from
// the sha256 of the archive file.
type Archive struct {
	fetchState
	client   *http.Client
	idLength int
	log      *logging.Logger
}

var _ Provider = &Archive{}

func NewArchive(opts Options) Provider {
	return &Archive{
		client:   opts.httpClient(),
		idLength: opts.IDLength("archive"),
		log:      opts.logger("archive"),
	}
}

func (a *Archive) Name() string { return "archive" }

func (a *Archive) Detect(_ context.Context, src, ref string) (*Spec, error) {
	if !isArchiveSource(src) {
		return nil, nil
	}
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref != "" && !archiveDigestRef.MatchString(ref) {
		return nil, &RefError{Provider: a.Name(), Repo: src, Ref: ref, Reason: "archive refs must be sha256:<hex digest>"}
	}
	return &Spec{Repo: src, Ref: ref}, nil
}

func isArchiveSource(src string) bool {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		u, err := url.Parse(src)
		if err != nil {
			return false
		}
		_, ok := archiveFormatOf(u.Path)
		return ok
	}
	if isRemote(src) || !isRegularFile(src) {
		return false
	}
	_, ok := archiveFormatOf(src)
	return ok
}

func (a *Archive) Fetch(ctx context.Context, spec Spec, outputDir string) iter.Seq2[Progress, error] {
	return a.sequence(a.Name(), func(emit emitFunc) (string, error) {
		name := spec.Repo
		if u, err := url.Parse(spec.Repo); err == nil && u.Scheme != "" {
			name = u.Path
		}
		format, ok := archiveFormatOf(name)
		if !ok {
			return "", &BackendError{Provider: a.Name(), Err: fmt.Errorf("unrecognised archive type: %s", spec.Repo)}
		}
		if err := prepareTarget(outputDir); err != nil {
			return "", err
		}

		b, err := a.obtain(ctx, spec.Repo, emit)
		if err != nil {
			return "", classify(a.Name(), Spec{Repo: spec.Repo}, err, nil)
		}
		defer b.cleanup()

		if err := a.verify(spec, b, emit); err != nil {
			return "", err
		}

		if err := emit(StepMaterialize, "extracting %s", humanize.Bytes(uint64(b.size))); err != nil {
			return "", err
		}
		if err := extractFile(ctx, b.path, format, outputDir); err != nil {
			return "", &BackendError{Provider: a.Name(), Err: err}
		}
		if err := flattenSingleRoot(outputDir); err != nil {
			return "", &BackendError{Provider: a.Name(), Err: err}
		}

		if err := emit(StepIdentify, "archive digest sha256:%s", b.sha256); err != nil {
			return "", err
		}
		return shortID(b.sha256, a.idLength), nil
	})
}

func (a *Archive) obtain(ctx context.Context, repo string, emit emitFunc) (*blob, error) {
	if strings.HasPrefix(repo, "http://") || strings.HasPrefix(repo, "https://") {
		if err := emit(StepMaterialize, "downloading %s", repo); err != nil {
			return nil, err
		}
		return download(ctx, a.client, repo, emit)
	}
	if err := emit(StepMaterialize, "reading %s", repo); err != nil {
		return nil, err
	}
	return hashLocal(repo)
}

// verify checks the archive against a pinned digest ref.
func (a *Archive) verify(spec Spec, b *blob, emit emitFunc) error {
	if spec.Ref == "" {
		return emit(StepCheckout, "no digest pinned")
	}
	if err := emit(StepCheckout, "verifying %s", spec.Ref); err != nil {
		return err
	}
	want := strings.TrimPrefix(spec.Ref, "sha256:")
	if !strings.HasPrefix(b.sha256, want) {
		return &RefError{Provider: a.Name(), Repo: spec.Repo, Ref: spec.Ref, Reason: "archive digest is sha256:" + b.sha256}
	}
	return nil
}
