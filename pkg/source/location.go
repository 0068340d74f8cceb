package source

import (
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
)

// scpLikeURL matches ssh shorthand such as git@github.com:owner/repo.git.
var scpLikeURL = regexp.MustCompile(`^[A-Za-z0-9._~-]+@[A-Za-z0-9.-]+:`)

// isRemote reports whether src is a URL rather than a filesystem path.
func isRemote(src string) bool {
	return strings.Contains(src, "://") || scpLikeURL.MatchString(src)
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// InferName derives a short, filesystem-friendly name from a canonical repo
// string, e.g. "https://github.com/org/tool.git" → "tool",
// "npm:@scope/pkg" → "pkg", "docker://library/alpine" → "alpine".
func InferName(repo string) string {
	for _, prefix := range []string{"npm:", "pypi:", "docker://"} {
		repo = strings.TrimPrefix(repo, prefix)
	}

	var p string
	switch {
	case scpLikeURL.MatchString(repo) && !strings.Contains(repo, "://"):
		_, p, _ = parseGitURL(repo)
	case strings.Contains(repo, "://"):
		if u, err := url.Parse(repo); err == nil {
			p = u.Path
		}
	default:
		p = repo
	}

	p = strings.TrimRight(path.Clean("/"+strings.ReplaceAll(p, `\`, "/")), "/")
	name := path.Base(p)
	if _, suffix, ok := matchArchive(name); ok {
		name = strings.TrimSuffix(name, suffix)
	}
	name = strings.TrimSuffix(name, ".git")
	if i := strings.IndexAny(name, "@:="); i > 0 {
		name = name[:i]
	}
	if name == "" || name == "/" || name == "." {
		return "source"
	}
	return name
}
