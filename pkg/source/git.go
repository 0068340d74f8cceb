package source

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"

	"github.com/repofetch/repofetch/pkg/invoke"
	"github.com/repofetch/repofetch/pkg/logging"
)

// gitHosts are forges whose https://host/owner/repo URLs are git repositories
// even without a .git suffix.
var gitHosts = map[string]bool{
	"github.com":    true,
	"gitlab.com":    true,
	"bitbucket.org": true,
	"codeberg.org":  true,
}

type Git struct {
	fetchState
	runner   invoke.Runner
	idLength int
	log      *logging.Logger
}

var _ Provider = &Git{}

func NewGit(opts Options) Provider {
	log := opts.logger("git")
	return &Git{
		runner: invoke.Runner{
			Binary: opts.binary(opts.GitBinary, "git"),
			Env:    []string{"GIT_TERMINAL_PROMPT=0"},
			Logger: log,
		},
		idLength: opts.IDLength("git"),
		log:      log,
	}
}

func (g *Git) Name() string { return "git" }

func (g *Git) Detect(_ context.Context, src, ref string) (*Spec, error) {
	repo, ok := recognizeGit(src)
	if !ok {
		return nil, nil
	}
	return &Spec{Repo: repo, Ref: strings.TrimSpace(ref)}, nil
}

// recognizeGit returns the canonical repository string for src when it
// names a git repository.
func recognizeGit(src string) (string, bool) {
	if rest, ok := strings.CutPrefix(src, "git+"); ok && strings.Contains(rest, "://") {
		return rest, true
	}
	if isRemote(src) {
		return src, isGitURL(src)
	}
	if !isDir(src) {
		return "", false
	}
	if _, err := gogit.PlainOpen(src); err != nil {
		return "", false
	}
	return src, true
}

func isGitURL(src string) bool {
	if !strings.Contains(src, "://") {
		return scpLikeURL.MatchString(src)
	}
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	if _, ok := archiveFormatOf(u.Path); ok {
		return false
	}
	switch u.Scheme {
	case "git", "ssh":
		return true
	case "file":
		return strings.HasSuffix(u.Path, ".git")
	case "http", "https":
		if strings.HasSuffix(u.Path, ".git") {
			return true
		}
		if !gitHosts[strings.ToLower(u.Hostname())] {
			return false
		}
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		return len(segs) == 2 && segs[0] != "" && segs[1] != ""
	}
	return false
}

func (g *Git) Fetch(ctx context.Context, spec Spec, outputDir string) iter.Seq2[Progress, error] {
	return g.sequence(g.Name(), func(emit emitFunc) (string, error) {
		if err := prepareTarget(outputDir); err != nil {
			return "", err
		}
		if err := g.clone(ctx, spec, outputDir, emit); err != nil {
			return "", classify(g.Name(), spec, err, gitBadRef)
		}
		if err := g.checkout(ctx, spec, outputDir, emit); err != nil {
			return "", classify(g.Name(), spec, err, gitBadRef)
		}
		if err := g.updateSubmodules(ctx, outputDir, emit); err != nil {
			return "", classify(g.Name(), Spec{Repo: spec.Repo}, err, nil)
		}
		id, err := g.identify(outputDir, emit)
		if err != nil {
			return "", classify(g.Name(), Spec{Repo: spec.Repo}, err, nil)
		}
		return id, nil
	})
}

// clone copies the repository into dir. Remotes are cloned shallow unless
// a ref is given. Branch and tag refs are checked out by clone itself;
// commit refs are handled by checkout.
func (g *Git) clone(ctx context.Context, spec Spec, dir string, emit emitFunc) error {
	args := []string{"clone", "--progress"}

	switch {
	case spec.Ref == "":
		if isRemote(spec.Repo) {
			args = append(args, "--depth", "1")
		}
	case looksLikeCommit(spec.Ref):
	default:
		commit, err := g.lsRemote(ctx, spec)
		if err != nil {
			return err
		}
		if commit == "" {
			return &RefError{Provider: g.Name(), Repo: spec.Repo, Ref: spec.Ref, Reason: "no such branch or tag"}
		}
		g.log.Debug().Str("ref", spec.Ref).Str("commit", commit).Msg("resolved ref")
		args = append(args, "--branch", cloneBranch(spec.Ref))
	}
	args = append(args, "--", spec.Repo, dir)

	if err := emit(StepMaterialize, "cloning %s", spec.Repo); err != nil {
		return err
	}
	return g.runner.Stream(ctx, streamTo(emit, StepMaterialize), args...)
}

// cloneBranch turns a fully qualified branch or tag ref into the short name
// "git clone --branch" accepts.
func cloneBranch(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if short, ok := strings.CutPrefix(ref, prefix); ok {
			return short
		}
	}
	return ref
}

// lsRemote resolves a branch or tag name to a commit hash on the remote.
// It returns "" when the remote has no such ref.
func (g *Git) lsRemote(ctx context.Context, spec Spec) (string, error) {
	out, err := g.runner.Output(ctx, "ls-remote", spec.Repo, spec.Ref, spec.Ref+"^{}")
	if err != nil {
		return "", err
	}

	var commit string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		commit = fields[0]
		// Annotated tags: the dereferenced entry is the commit.
		if strings.HasSuffix(fields[1], "^{}") {
			return fields[0], nil
		}
	}
	return commit, nil
}

func (g *Git) checkout(ctx context.Context, spec Spec, dir string, emit emitFunc) error {
	if spec.Ref == "" {
		return emit(StepCheckout, "using default branch")
	}
	if !looksLikeCommit(spec.Ref) {
		return emit(StepCheckout, "checked out %s", spec.Ref)
	}

	if err := emit(StepCheckout, "checking out %s", spec.Ref); err != nil {
		return err
	}
	commit, err := g.resolveCommit(ctx, dir, spec.Ref)
	if err != nil {
		return err
	}
	if commit == "" {
		return &RefError{Provider: g.Name(), Repo: spec.Repo, Ref: spec.Ref, Reason: "no commit matches"}
	}
	return g.in(dir).Run(ctx, "checkout", "--quiet", "--detach", commit)
}

// resolveCommit expands ref to a full commit hash inside the clone at dir,
// trying it as a local revision first and then as a remote branch. It
// returns "" when nothing matches.
func (g *Git) resolveCommit(ctx context.Context, dir, ref string) (string, error) {
	r := g.in(dir)
	for _, candidate := range []string{ref, "origin/" + ref} {
		out, err := r.Output(ctx, "rev-parse", "--quiet", "--verify", candidate+"^{commit}")
		if err == nil {
			return out, nil
		}
		if invoke.ExitCode(err) != 1 && !gitBadRef.match(err) {
			return "", err
		}
	}
	return "", nil
}

func (g *Git) updateSubmodules(ctx context.Context, dir string, emit emitFunc) error {
	if _, err := os.Stat(filepath.Join(dir, ".gitmodules")); err != nil {
		return nil
	}
	if err := emit(StepCheckout, "updating submodules"); err != nil {
		return err
	}
	return g.in(dir).Stream(ctx, streamTo(emit, StepCheckout), "submodule", "update", "--init", "--recursive")
}

func (g *Git) identify(dir string, emit emitFunc) (string, error) {
	if err := emit(StepIdentify, "reading HEAD"); err != nil {
		return "", err
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening clone: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	hash := head.Hash().String()
	if err := emit(StepIdentify, "HEAD is %s", hash); err != nil {
		return "", err
	}
	return shortID(hash, g.idLength), nil
}

// in returns a runner for commands inside the working copy at dir.
func (g *Git) in(dir string) *invoke.Runner {
	r := g.runner
	r.Dir = dir
	return &r
}

// parseGitURL extracts the host and repository path from a git URL.
// Supports HTTPS URLs and SSH shorthand (git@host:owner/repo.git).
func parseGitURL(rawURL string) (host, repoPath string, err error) {
	// SSH shorthand: git@github.com:owner/repo.git
	if idx := strings.Index(rawURL, ":"); idx > 0 && !strings.Contains(rawURL[:idx], "/") && !strings.Contains(rawURL, "://") {
		host = rawURL[:idx]
		if at := strings.Index(host, "@"); at >= 0 {
			host = host[at+1:]
		}
		repoPath = strings.TrimSuffix(rawURL[idx+1:], ".git")
		return host, repoPath, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	repoPath = strings.TrimPrefix(u.Path, "/")
	repoPath = strings.TrimSuffix(repoPath, ".git")
	return u.Host, repoPath, nil
}
