package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"sigs.k8s.io/yaml"

	"github.com/repofetch/repofetch/pkg/config"
	"github.com/repofetch/repofetch/pkg/source"
	"github.com/repofetch/repofetch/pkg/store"
)

// projectPaths returns the working directory and the manifest and lockfile
// paths inside it.
func projectPaths() (projectDir, manifestPath, lockPath string, err error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", "", "", fmt.Errorf("getting working directory: %w", err)
	}
	return wd, filepath.Join(wd, config.ManifestFileName), filepath.Join(wd, config.LockFileName), nil
}

// projectStore returns the store rooted at the configured store root,
// resolved against projectDir.
func projectStore(projectDir string) store.Store {
	root := Settings.StoreRoot
	if !filepath.IsAbs(root) {
		root = filepath.Join(projectDir, root)
	}
	return store.New(root)
}

// registry returns the configured provider registry, optionally pinned to a
// single provider.
func registry(pin string) (*source.Registry, error) {
	reg, err := Settings.Registry(Log)
	if err != nil {
		return nil, err
	}
	if pin == "" {
		return reg, nil
	}
	return reg.Only(pin)
}

// relativeTo returns path relative to base in slash form, or path itself
// when either cannot be resolved.
func relativeTo(base, path string) string {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return filepath.ToSlash(path)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
	formatTOML = "toml"
)

// writeStructured encodes v in a machine-readable format.
func writeStructured(w io.Writer, format string, v any) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case formatJSON:
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	case formatYAML:
		data, err = yaml.Marshal(v)
	case formatTOML:
		data, err = toml.Marshal(v)
	default:
		return fmt.Errorf("unsupported output format %q (want text, json, yaml or toml)", format)
	}
	if err != nil {
		return fmt.Errorf("encoding %s output: %w", format, err)
	}
	_, err = w.Write(data)
	return err
}
