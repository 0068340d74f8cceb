package config

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/repofetch/repofetch/pkg/logging"
	"github.com/repofetch/repofetch/pkg/source"
	"github.com/repofetch/repofetch/pkg/store"
)

// LocalConfigFile is the project-local developer settings filename.
const LocalConfigFile = "repofetch.local.toml"

// EnvPrefix prefixes environment variable overrides, e.g.
// REPOFETCH_LOG_LEVEL=debug.
const EnvPrefix = "REPOFETCH"

// Settings holds developer-specific configuration that is NOT committed to
// version control. It is resolved with Viper precedence:
// CLI flags > REPOFETCH_* env > repofetch.local.toml > ~/.repofetch/config.toml.
type Settings struct {
	LogLevel  string `toml:"log_level" mapstructure:"log_level"`
	LogFormat string `toml:"log_format" mapstructure:"log_format"`

	// Providers is the ordered list of enabled providers.
	Providers []string       `toml:"providers" mapstructure:"providers"`
	IDLength  map[string]int `toml:"id_length" mapstructure:"id_length"`

	GitBinary       string        `toml:"git_binary" mapstructure:"git_binary"`
	HgBinary        string        `toml:"hg_binary" mapstructure:"hg_binary"`
	NPMBinary       string        `toml:"npm_binary" mapstructure:"npm_binary"`
	ContainerEngine string        `toml:"container_engine" mapstructure:"container_engine"`
	PyPIURL         string        `toml:"pypi_url" mapstructure:"pypi_url"`
	HTTPTimeout     time.Duration `toml:"http_timeout" mapstructure:"http_timeout"`
	LocalExclude    []string      `toml:"local_exclude" mapstructure:"local_exclude"`

	Retries     int    `toml:"retries" mapstructure:"retries"`
	Concurrency int    `toml:"concurrency" mapstructure:"concurrency"`
	StoreRoot   string `toml:"store_root" mapstructure:"store_root"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", logging.FormatPretty)
	v.SetDefault("providers", source.BuiltinNames())
	v.SetDefault("git_binary", "")
	v.SetDefault("hg_binary", "")
	v.SetDefault("npm_binary", "")
	v.SetDefault("container_engine", "")
	v.SetDefault("pypi_url", "")
	v.SetDefault("http_timeout", time.Minute)
	v.SetDefault("local_exclude", []string{})
	v.SetDefault("retries", 2)
	v.SetDefault("concurrency", 4)
	v.SetDefault("store_root", store.DefaultRoot)
}

// LoadSettings resolves settings using Viper's merge semantics. overrides
// holds values from CLI flags the user set explicitly, keyed by setting
// name; they take highest precedence.
func LoadSettings(overrides map[string]any) (*Settings, error) {
	dir, err := GlobalConfigDir()
	if err != nil {
		return nil, err
	}
	return loadSettings(overrides, filepath.Join(dir, "config.toml"), LocalConfigFile)
}

// loadSettings is the internal implementation that accepts explicit paths,
// making it testable without touching the real home directory.
func loadSettings(overrides map[string]any, globalPath, localPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("toml")
	defaults(v)

	// Lowest priority: global config. Ignore it if missing.
	v.SetConfigFile(globalPath)
	_ = v.ReadInConfig()

	// Higher priority: project-local config
	if _, err := os.Stat(localPath); err == nil {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", localPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Highest priority: CLI flags
	for key, val := range overrides {
		v.Set(key, val)
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	if err := s.expandPaths(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) expandPaths() error {
	for _, p := range []*string{&s.GitBinary, &s.HgBinary, &s.NPMBinary, &s.ContainerEngine, &s.StoreRoot} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// SourceOptions builds provider options from the settings.
func (s *Settings) SourceOptions(log *logging.Logger) source.Options {
	return source.Options{
		Logger:          log,
		IDLengths:       s.IDLength,
		GitBinary:       s.GitBinary,
		HgBinary:        s.HgBinary,
		NPMBinary:       s.NPMBinary,
		ContainerEngine: s.ContainerEngine,
		LocalExclude:    s.LocalExclude,
		PyPIURL:         s.PyPIURL,
		HTTPClient:      &http.Client{Transport: s.httpTransport()},
	}
}

// httpTransport applies HTTPTimeout to connecting and to waiting for
// response headers. Reading a body is bounded only by the context.
func (s *Settings) httpTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: s.HTTPTimeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = s.HTTPTimeout
	t.ResponseHeaderTimeout = s.HTTPTimeout
	return t
}

// Registry returns the provider registry restricted to the configured
// provider order.
func (s *Settings) Registry(log *logging.Logger) (*source.Registry, error) {
	all := source.DefaultRegistry(s.SourceOptions(log))
	if len(s.Providers) == 0 {
		return all, nil
	}
	return all.Only(s.Providers...)
}

// GlobalConfigDir returns the path to ~/.repofetch. It is not created.
func GlobalConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".repofetch"), nil
}
