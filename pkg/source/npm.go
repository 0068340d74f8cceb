package source

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/repofetch/repofetch/pkg/invoke"
	"github.com/repofetch/repofetch/pkg/logging"
)

const npmPrefix = "npm:"

// NPM resolves a package on the npm registry through the npm CLI, packs the
// resolved version and unpacks it. The content id is the registry shasum.
type NPM struct {
	fetchState
	runner   invoke.Runner
	idLength int
	log      *logging.Logger
}

var _ Provider = &NPM{}

func NewNPM(opts Options) Provider {
	log := opts.logger("npm")
	return &NPM{
		runner: invoke.Runner{
			Binary: opts.binary(opts.NPMBinary, "npm"),
			Env:    []string{"NO_UPDATE_NOTIFIER=1"},
			Logger: log,
		},
		idLength: opts.IDLength("npm"),
		log:      log,
	}
}

func (n *NPM) Name() string { return "npm" }

func (n *NPM) Detect(_ context.Context, src, ref string) (*Spec, error) {
	rest, ok := strings.CutPrefix(src, npmPrefix)
	if !ok {
		return nil, nil
	}
	name, version := splitNPMPackage(rest)
	if name == "" {
		return nil, fmt.Errorf("npm: missing package name in %q", src)
	}
	if ref = strings.TrimSpace(ref); ref != "" {
		version = ref
	}
	return &Spec{Repo: npmPrefix + name, Ref: version}, nil
}

// splitNPMPackage splits "name@version" into its parts.
func splitNPMPackage(pkg string) (name, version string) {
	// if idx == -1, no version tag, if idx == 0, then there is a scoped
	// package, and no version tag (i.e. @modelcontextprotocol/inspector)
	if idx := strings.LastIndex(pkg, "@"); idx > 0 {
		return pkg[:idx], pkg[idx+1:]
	}
	return pkg, ""
}

// npmManifest is the subset of "npm view --json" output we use.
type npmManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Dist    struct {
		Tarball string `json:"tarball"`
		Shasum  string `json:"shasum"`
	} `json:"dist"`
}

// parseNPMView decodes "npm view --json" output. It returns nil when
// nothing matched. A range matching several versions yields an array in
// ascending order; the last entry is the highest.
func parseNPMView(out string) (*npmManifest, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	if strings.HasPrefix(out, "[") {
		var list []npmManifest
		if err := json.Unmarshal([]byte(out), &list); err != nil {
			return nil, fmt.Errorf("parsing npm view output: %w", err)
		}
		if len(list) == 0 {
			return nil, nil
		}
		return &list[len(list)-1], nil
	}
	var m npmManifest
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		return nil, fmt.Errorf("parsing npm view output: %w", err)
	}
	return &m, nil
}

func (n *NPM) Fetch(ctx context.Context, spec Spec, outputDir string) iter.Seq2[Progress, error] {
	return n.sequence(n.Name(), func(emit emitFunc) (string, error) {
		name := strings.TrimPrefix(spec.Repo, npmPrefix)
		if err := prepareTarget(outputDir); err != nil {
			return "", err
		}

		m, err := n.resolve(ctx, name, spec, emit)
		if err != nil {
			return "", classify(n.Name(), spec, err, npmBadRef)
		}

		tmp, err := os.MkdirTemp("", "repofetch-npm-*")
		if err != nil {
			return "", err
		}
		defer os.RemoveAll(tmp)

		tgz, err := n.pack(ctx, m, tmp, emit)
		if err != nil {
			return "", classify(n.Name(), Spec{Repo: spec.Repo}, err, nil)
		}
		shasum, err := sha1File(tgz)
		if err != nil {
			return "", &BackendError{Provider: n.Name(), Err: err}
		}
		if m.Dist.Shasum != "" && !strings.EqualFold(shasum, m.Dist.Shasum) {
			return "", &BackendError{Provider: n.Name(), Err: fmt.Errorf("integrity mismatch for %s@%s: registry shasum %s, tarball %s", m.Name, m.Version, m.Dist.Shasum, shasum)}
		}

		if err := emit(StepMaterialize, "extracting %s", filepath.Base(tgz)); err != nil {
			return "", err
		}
		if err := extractFile(ctx, tgz, formatTarGz, outputDir); err != nil {
			return "", &BackendError{Provider: n.Name(), Err: err}
		}
		if err := flattenSingleRoot(outputDir); err != nil {
			return "", &BackendError{Provider: n.Name(), Err: err}
		}

		if err := emit(StepIdentify, "%s@%s shasum %s", m.Name, m.Version, shasum); err != nil {
			return "", err
		}
		return shortID(shasum, n.idLength), nil
	})
}

// resolve maps the requested version, range or dist-tag onto one published
// version.
func (n *NPM) resolve(ctx context.Context, name string, spec Spec, emit emitFunc) (*npmManifest, error) {
	query := name
	if spec.Ref != "" {
		query += "@" + spec.Ref
	}
	if err := emit(StepCheckout, "resolving %s", query); err != nil {
		return nil, err
	}

	out, err := n.runner.Output(ctx, "view", query, "--json")
	if err != nil {
		if spec.Ref != "" && isNPMNotFound(err) && n.packageExists(ctx, name) {
			return nil, &RefError{Provider: n.Name(), Repo: spec.Repo, Ref: spec.Ref, Reason: "no such version or tag", Err: err}
		}
		return nil, err
	}

	m, err := parseNPMView(out)
	if err != nil {
		return nil, err
	}
	if m == nil {
		if spec.Ref == "" {
			return nil, fmt.Errorf("no versions published for %s", name)
		}
		return nil, &RefError{Provider: n.Name(), Repo: spec.Repo, Ref: spec.Ref, Reason: "no matching version"}
	}
	if m.Name == "" {
		m.Name = name
	}

	n.log.Debug().Str("package", m.Name).Str("version", m.Version).Msg("resolved npm version")
	if err := emit(StepCheckout, "resolved %s@%s", m.Name, m.Version); err != nil {
		return nil, err
	}
	return m, nil
}

func (n *NPM) packageExists(ctx context.Context, name string) bool {
	_, err := n.runner.Output(ctx, "view", name, "name", "--json")
	return err == nil
}

func isNPMNotFound(err error) bool {
	var cmdErr *invoke.CommandError
	return errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "E404")
}

// pack downloads the package tarball into dir and returns its path.
func (n *NPM) pack(ctx context.Context, m *npmManifest, dir string, emit emitFunc) (string, error) {
	pkg := m.Name + "@" + m.Version
	if err := emit(StepMaterialize, "packing %s", pkg); err != nil {
		return "", err
	}

	out, err := n.runner.Output(ctx, "pack", pkg, "--pack-destination", dir, "--json")
	if err != nil {
		return "", err
	}
	var packed []struct {
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal([]byte(out), &packed); err != nil {
		return "", fmt.Errorf("parsing npm pack output: %w", err)
	}
	if len(packed) == 0 || packed[0].Filename == "" {
		return "", fmt.Errorf("npm pack produced no tarball for %s", pkg)
	}
	// Scoped packages are reported as "@scope/name-1.0.0.tgz" by some npm
	// versions but written as "scope-name-1.0.0.tgz".
	filename := strings.ReplaceAll(strings.TrimPrefix(packed[0].Filename, "@"), "/", "-")
	return filepath.Join(dir, filename), nil
}

func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
