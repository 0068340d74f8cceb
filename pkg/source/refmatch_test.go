package source

import (
	"errors"
	"fmt"
	"testing"

	"github.com/repofetch/repofetch/pkg/invoke"
)

func commandError(binary string, code int, stderr string) error {
	return &invoke.CommandError{
		Binary:   binary,
		ExitCode: code,
		Stderr:   stderr,
		Err:      fmt.Errorf("exit status %d", code),
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]struct {
		patterns    refPatterns
		ref         string
		err         error
		wantBadRef  bool
		wantBackend bool
	}{
		"hg unknown revision": {
			patterns:   hgBadRef,
			ref:        "x",
			err:        commandError("hg", 255, "abort: unknown revision 'x'"),
			wantBadRef: true,
		},
		"hg unknown branch": {
			patterns:   hgBadRef,
			ref:        "feature",
			err:        commandError("hg", 255, "abort: unknown branch 'feature'"),
			wantBadRef: true,
		},
		"hg abort that is not about the ref": {
			patterns:    hgBadRef,
			ref:         "x",
			err:         commandError("hg", 255, "abort: No space left on device"),
			wantBackend: true,
		},
		"git remote branch": {
			patterns:   gitBadRef,
			ref:        "x",
			err:        commandError("git", 128, "warning: Could not find remote branch x to clone.\nfatal: Remote branch x not found in upstream origin"),
			wantBadRef: true,
		},
		"git pathspec": {
			patterns:   gitBadRef,
			ref:        "v9",
			err:        commandError("git", 1, "error: pathspec 'v9' did not match any file(s) known to git"),
			wantBadRef: true,
		},
		"git repository not found": {
			patterns:    gitBadRef,
			ref:         "main",
			err:         commandError("git", 128, "fatal: repository 'https://example.com/none/' not found"),
			wantBackend: true,
		},
		"docker manifest unknown": {
			patterns:   ociBadRef,
			ref:        "nope",
			err:        commandError("docker", 1, "Error response from daemon: manifest unknown: manifest unknown"),
			wantBadRef: true,
		},
		"podman manifest": {
			patterns:   ociBadRef,
			ref:        "nope",
			err:        commandError("podman", 125, "Error: initializing source docker://alpine:nope: reading manifest nope in docker.io/library/alpine: manifest unknown"),
			wantBadRef: true,
		},
		"docker daemon down": {
			patterns:    ociBadRef,
			ref:         "3.19",
			err:         commandError("docker", 1, "Cannot connect to the Docker daemon at unix:///var/run/docker.sock"),
			wantBackend: true,
		},
		"npm no matching version": {
			patterns:   npmBadRef,
			ref:        "9.9.9",
			err:        commandError("npm", 1, "npm error code ETARGET\nnpm error No matching version found for left-pad@9.9.9."),
			wantBadRef: true,
		},
		"matching stderr without a ref": {
			patterns:    hgBadRef,
			err:         commandError("hg", 255, "abort: unknown revision 'tip'"),
			wantBackend: true,
		},
		"tool never started": {
			patterns:    gitBadRef,
			ref:         "main",
			err:         commandError("git", -1, "unknown revision"),
			wantBackend: true,
		},
		"plain error": {
			patterns:    gitBadRef,
			ref:         "main",
			err:         errors.New("disk full"),
			wantBackend: true,
		},
		"ref error passes through": {
			patterns:   nil,
			ref:        "x",
			err:        &RefError{Provider: "pypi", Ref: "x"},
			wantBadRef: true,
		},
		"interruption passes through": {
			patterns: gitBadRef,
			ref:      "main",
			err:      invoke.ErrInterrupted,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := classify("test", Spec{Repo: "repo", Ref: tc.ref}, tc.err, tc.patterns)
			if IsBadRef(got) != tc.wantBadRef {
				t.Errorf("IsBadRef(%v) = %v, want %v", got, !tc.wantBadRef, tc.wantBadRef)
			}
			if IsBackendFailure(got) != tc.wantBackend {
				t.Errorf("IsBackendFailure(%v) = %v, want %v", got, !tc.wantBackend, tc.wantBackend)
			}
			if !errors.Is(got, tc.err) {
				t.Errorf("classify() = %v, does not wrap %v", got, tc.err)
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if err := classify("git", Spec{Repo: "repo", Ref: "main"}, nil, gitBadRef); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}
