// Package container drives a docker-compatible container engine to pull
// images and export their filesystems.
package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/repofetch/repofetch/pkg/invoke"
	"github.com/repofetch/repofetch/pkg/logging"
)

// EnvEngine names the environment variable that overrides engine detection.
const EnvEngine = "REPOFETCH_CONTAINER_ENGINE"

// Engine represents a detected container runtime (docker or podman).
type Engine struct {
	Path   string // absolute path to the binary
	Name   string // "docker" or "podman"
	Logger *logging.Logger
}

// DetectEngine finds a container engine. An explicit override (a name or a
// path) wins, then the REPOFETCH_CONTAINER_ENGINE env var, then a PATH
// search for docker and podman.
func DetectEngine(override string) (*Engine, error) {
	if override == "" {
		override = os.Getenv(EnvEngine)
	}
	if override != "" {
		path, err := exec.LookPath(override)
		if err != nil {
			return nil, fmt.Errorf("container engine %q not found in PATH: %w", override, err)
		}
		return &Engine{Path: path, Name: filepath.Base(override)}, nil
	}

	for _, candidate := range []string{"docker", "podman"} {
		path, err := exec.LookPath(candidate)
		if err == nil {
			return &Engine{Path: path, Name: candidate}, nil
		}
	}

	return nil, fmt.Errorf("no container engine found: install docker or podman, or set %s", EnvEngine)
}

func (e *Engine) runner() *invoke.Runner {
	return &invoke.Runner{Binary: e.Path, Logger: e.Logger}
}

// Present reports whether image is available locally.
func (e *Engine) Present(ctx context.Context, image string) bool {
	return e.runner().Run(ctx, "image", "inspect", image) == nil
}

// Pull pulls image, passing each line of engine output to onLine.
func (e *Engine) Pull(ctx context.Context, image string, onLine func(string) bool) error {
	if err := e.runner().Stream(ctx, onLine, "pull", image); err != nil {
		return fmt.Errorf("pulling image %q: %w", image, err)
	}
	return nil
}

// ImageDigest returns the image ID (sha256 digest) for a locally available image.
func (e *Engine) ImageDigest(ctx context.Context, image string) (string, error) {
	out, err := e.runner().Output(ctx, "image", "inspect", "--format", "{{.Id}}", image)
	if err != nil {
		return "", fmt.Errorf("inspecting image %q: %w", image, err)
	}
	// Normalize: strip "sha256:" prefix if present so callers get a bare hex string.
	return strings.TrimPrefix(out, "sha256:"), nil
}

// Create makes a stopped container from image and returns its ID. The
// container is never started; the placeholder command only satisfies images
// that define no CMD.
func (e *Engine) Create(ctx context.Context, image string) (string, error) {
	out, err := e.runner().Output(ctx, "create", image, "/repofetch-export")
	if err != nil {
		return "", fmt.Errorf("creating container from %q: %w", image, err)
	}
	return out, nil
}

// Export writes the container's filesystem to w as a tar stream.
func (e *Engine) Export(ctx context.Context, id string, w io.Writer) error {
	if err := e.runner().Pipe(ctx, w, "export", id); err != nil {
		return fmt.Errorf("exporting container %q: %w", id, err)
	}
	return nil
}

// Remove deletes a container. It is not an error if the container does
// not exist.
func (e *Engine) Remove(ctx context.Context, id string) error {
	if err := e.runner().Run(ctx, "rm", "-f", id); err != nil && !strings.Contains(err.Error(), "No such container") {
		return fmt.Errorf("removing container %q: %w", id, err)
	}
	return nil
}
