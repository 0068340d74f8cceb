package source

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/repofetch/repofetch/pkg/container"
	"github.com/repofetch/repofetch/pkg/logging"
)

const ociPrefix = "docker://"

// OCI pulls a container image with the local container engine and exports
// its root filesystem into the target directory. The content id is the
// image ID.
type OCI struct {
	fetchState
	engine   string
	idLength int
	log      *logging.Logger
}

var _ Provider = &OCI{}

func NewOCI(opts Options) Provider {
	return &OCI{
		engine:   opts.ContainerEngine,
		idLength: opts.IDLength("oci"),
		log:      opts.logger("oci"),
	}
}

func (o *OCI) Name() string { return "oci" }

func (o *OCI) Detect(_ context.Context, src, ref string) (*Spec, error) {
	rest, ok := strings.CutPrefix(src, ociPrefix)
	if !ok {
		return nil, nil
	}
	image, tag := splitImageRef(rest)
	if image == "" {
		return nil, fmt.Errorf("oci: missing image name in %q", src)
	}
	if ref = strings.TrimSpace(ref); ref != "" {
		tag = ref
	}
	return &Spec{Repo: ociPrefix + image, Ref: tag}, nil
}

// splitImageRef splits "name[:tag|@digest]". A colon before the last slash
// belongs to a registry port.
func splitImageRef(s string) (image, ref string) {
	if i := strings.Index(s, "@"); i >= 0 {
		return s[:i], s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// imageRef joins an image name and a tag or digest for the engine CLI.
func imageRef(image, ref string) string {
	switch {
	case ref == "":
		return image
	case strings.HasPrefix(ref, "sha256:"):
		return image + "@" + ref
	default:
		return image + ":" + ref
	}
}

func (o *OCI) Fetch(ctx context.Context, spec Spec, outputDir string) iter.Seq2[Progress, error] {
	return o.sequence(o.Name(), func(emit emitFunc) (string, error) {
		engine, err := container.DetectEngine(o.engine)
		if err != nil {
			return "", &BackendError{Provider: o.Name(), Err: err}
		}
		engine.Logger = o.log
		if err := prepareTarget(outputDir); err != nil {
			return "", err
		}

		image := imageRef(strings.TrimPrefix(spec.Repo, ociPrefix), spec.Ref)
		if err := o.pull(ctx, engine, image, spec, emit); err != nil {
			return "", err
		}

		digest, err := engine.ImageDigest(ctx, image)
		if err != nil {
			return "", classify(o.Name(), Spec{Repo: spec.Repo}, err, nil)
		}

		if err := emit(StepMaterialize, "exporting %s filesystem", image); err != nil {
			return "", err
		}
		if err := o.export(ctx, engine, image, outputDir); err != nil {
			return "", classify(o.Name(), Spec{Repo: spec.Repo}, err, nil)
		}

		if err := emit(StepIdentify, "image id sha256:%s", digest); err != nil {
			return "", err
		}
		return shortID(digest, o.idLength), nil
	})
}

// pull fetches the image unless it is pinned by digest and already present.
func (o *OCI) pull(ctx context.Context, engine *container.Engine, image string, spec Spec, emit emitFunc) error {
	if strings.HasPrefix(spec.Ref, "sha256:") && engine.Present(ctx, image) {
		return emit(StepCheckout, "%s already present", image)
	}
	if err := emit(StepCheckout, "pulling %s with %s", image, engine.Name); err != nil {
		return err
	}
	if err := engine.Pull(ctx, image, streamTo(emit, StepCheckout)); err != nil {
		return classify(o.Name(), spec, err, ociBadRef)
	}
	return nil
}

// export streams the filesystem of a throwaway container into dir.
func (o *OCI) export(ctx context.Context, engine *container.Engine, image, dir string) error {
	id, err := engine.Create(ctx, image)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Remove(context.WithoutCancel(ctx), id); err != nil {
			o.log.Warn().Err(err).Str("container", id).Msg("failed to remove export container")
		}
	}()

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Export(gctx, id, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := extractTar(gctx, pr, dir)
		// Unblock the exporter if extraction stopped early.
		pr.CloseWithError(err)
		return err
	})
	return g.Wait()
}
