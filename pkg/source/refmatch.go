package source

import (
	"errors"
	"regexp"

	"github.com/repofetch/repofetch/pkg/invoke"
)

// refPatterns match backend stderr that means "this reference does not
// exist" as opposed to a broken tool or environment.
type refPatterns []*regexp.Regexp

var (
	gitBadRef = refPatterns{
		regexp.MustCompile(`unknown revision`),
		regexp.MustCompile(`did not match any file\(s\) known to git`),
		regexp.MustCompile(`Needed a single revision`),
		regexp.MustCompile(`couldn't find remote ref`),
		regexp.MustCompile(`Remote branch .* not found`),
		regexp.MustCompile(`not a valid object name`),
		regexp.MustCompile(`invalid reference`),
	}

	hgBadRef = refPatterns{
		regexp.MustCompile(`unknown revision`),
		regexp.MustCompile(`unknown branch`),
		regexp.MustCompile(`filtered revision`),
		regexp.MustCompile(`ambiguous identifier`),
	}

	ociBadRef = refPatterns{
		regexp.MustCompile(`manifest unknown`),
		regexp.MustCompile(`manifest for .* not found`),
		regexp.MustCompile(`not found: manifest`),
		regexp.MustCompile(`reference does not exist`),
	}

	npmBadRef = refPatterns{
		regexp.MustCompile(`ETARGET`),
		regexp.MustCompile(`No matching version`),
	}
)

// match reports whether err carries backend stderr matching one of p.
func (p refPatterns) match(err error) bool {
	var cmdErr *invoke.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode <= 0 {
		return false
	}
	for _, re := range p {
		if re.MatchString(cmdErr.Stderr) {
			return true
		}
	}
	return false
}

// classify sorts a backend failure into the bad-reference or backend
// category. Interruptions by the consumer pass through unchanged.
func classify(provider string, spec Spec, err error, patterns refPatterns) error {
	switch {
	case err == nil:
		return nil
	case interrupted(err):
		return err
	case errors.Is(err, ErrBadRef), errors.Is(err, ErrBackend):
		return err
	case spec.Ref != "" && patterns.match(err):
		return &RefError{Provider: provider, Repo: spec.Repo, Ref: spec.Ref, Err: err}
	default:
		return &BackendError{Provider: provider, Err: err}
	}
}
