package source

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/repofetch/repofetch/pkg/logging"
)

const pypiPrefix = "pypi:"

// PyPI resolves a release through the PyPI JSON API, downloads its source
// distribution (or a wheel when no sdist was published) and unpacks it. The
// content id is the sha256 of the distribution file.
type PyPI struct {
	fetchState
	baseURL  string
	client   *http.Client
	idLength int
	log      *logging.Logger
}

var _ Provider = &PyPI{}

func NewPyPI(opts Options) Provider {
	base := opts.PyPIURL
	if base == "" {
		base = defaultPyPIURL
	}
	return &PyPI{
		baseURL:  strings.TrimRight(base, "/"),
		client:   opts.httpClient(),
		idLength: opts.IDLength("pypi"),
		log:      opts.logger("pypi"),
	}
}

func (p *PyPI) Name() string { return "pypi" }

func (p *PyPI) Detect(_ context.Context, src, ref string) (*Spec, error) {
	rest, ok := strings.CutPrefix(src, pypiPrefix)
	if !ok {
		return nil, nil
	}
	name, version, _ := strings.Cut(rest, "==")
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("pypi: missing project name in %q", src)
	}
	version = strings.TrimSpace(version)
	if ref = strings.TrimSpace(ref); ref != "" {
		version = ref
	}
	return &Spec{Repo: pypiPrefix + name, Ref: version}, nil
}

// pypiRelease is the subset of the JSON API response we use.
type pypiRelease struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	URLs []pypiFile `json:"urls"`
}

type pypiFile struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	PackageType string `json:"packagetype"`
	Digests     struct {
		SHA256 string `json:"sha256"`
	} `json:"digests"`
}

// pick returns the sdist when there is one, and otherwise the first wheel.
func (r *pypiRelease) pick() (pypiFile, bool) {
	for _, f := range r.URLs {
		if f.PackageType == "sdist" {
			if _, ok := archiveFormatOf(f.Filename); ok {
				return f, true
			}
		}
	}
	for _, f := range r.URLs {
		if f.PackageType == "bdist_wheel" {
			return f, true
		}
	}
	return pypiFile{}, false
}

func (p *PyPI) Fetch(ctx context.Context, spec Spec, outputDir string) iter.Seq2[Progress, error] {
	return p.sequence(p.Name(), func(emit emitFunc) (string, error) {
		name := strings.TrimPrefix(spec.Repo, pypiPrefix)
		if err := prepareTarget(outputDir); err != nil {
			return "", err
		}

		rel, err := p.resolve(ctx, name, spec, emit)
		if err != nil {
			return "", classify(p.Name(), Spec{Repo: spec.Repo}, err, nil)
		}
		dist, ok := rel.pick()
		if !ok {
			return "", &BackendError{Provider: p.Name(), Err: fmt.Errorf("%s %s has no sdist or wheel", rel.Info.Name, rel.Info.Version)}
		}
		format, ok := archiveFormatOf(dist.Filename)
		if !ok {
			return "", &BackendError{Provider: p.Name(), Err: fmt.Errorf("unrecognised distribution type: %s", dist.Filename)}
		}

		if err := emit(StepMaterialize, "downloading %s", dist.Filename); err != nil {
			return "", err
		}
		b, err := download(ctx, p.client, dist.URL, emit)
		if err != nil {
			return "", classify(p.Name(), Spec{Repo: spec.Repo}, err, nil)
		}
		defer b.cleanup()

		if dist.Digests.SHA256 != "" && !strings.EqualFold(b.sha256, dist.Digests.SHA256) {
			return "", &BackendError{Provider: p.Name(), Err: fmt.Errorf("integrity mismatch for %s: registry sha256 %s, download %s", dist.Filename, dist.Digests.SHA256, b.sha256)}
		}

		if err := emit(StepMaterialize, "extracting %s", dist.Filename); err != nil {
			return "", err
		}
		if err := extractFile(ctx, b.path, format, outputDir); err != nil {
			return "", &BackendError{Provider: p.Name(), Err: err}
		}
		if err := flattenSingleRoot(outputDir); err != nil {
			return "", &BackendError{Provider: p.Name(), Err: err}
		}

		if err := emit(StepIdentify, "%s==%s sha256 %s", rel.Info.Name, rel.Info.Version, b.sha256); err != nil {
			return "", err
		}
		return shortID(b.sha256, p.idLength), nil
	})
}

// resolve looks up the requested release, or the latest one when spec has
// no ref.
func (p *PyPI) resolve(ctx context.Context, name string, spec Spec, emit emitFunc) (*pypiRelease, error) {
	endpoint := p.baseURL + "/pypi/" + url.PathEscape(name)
	query := name
	if spec.Ref != "" {
		endpoint += "/" + url.PathEscape(spec.Ref)
		query += "==" + spec.Ref
	}
	endpoint += "/json"

	if err := emit(StepCheckout, "resolving %s", query); err != nil {
		return nil, err
	}

	var rel pypiRelease
	if err := getJSON(ctx, p.client, endpoint, &rel); err != nil {
		if spec.Ref != "" && isNotFound(err) && p.projectExists(ctx, name) {
			return nil, &RefError{Provider: p.Name(), Repo: spec.Repo, Ref: spec.Ref, Reason: "no such release", Err: err}
		}
		return nil, err
	}
	if rel.Info.Name == "" {
		rel.Info.Name = name
	}

	p.log.Debug().Str("project", rel.Info.Name).Str("version", rel.Info.Version).Msg("resolved pypi release")
	if err := emit(StepCheckout, "resolved %s==%s", rel.Info.Name, rel.Info.Version); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (p *PyPI) projectExists(ctx context.Context, name string) bool {
	var rel pypiRelease
	return getJSON(ctx, p.client, p.baseURL+"/pypi/"+url.PathEscape(name)+"/json", &rel) == nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{URL: endpoint, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}
