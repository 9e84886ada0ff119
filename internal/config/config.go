// Package config loads the orchestrator's run configuration from a TOML
// file, using the same library the teacher's own manifest-reading code
// (toml.go) relies on for its alternate, TOML-shaped Gopkg.toml format.
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Config is the run configuration for one orchestrator invocation.
type Config struct {
	CloneRoot        string   `toml:"clone_root"`
	InstallRoot      string   `toml:"install_root"`
	BuildTool        string   `toml:"build_tool"`
	RemotePackageURL string   `toml:"remote_package_url"`
	LocalOverlay     string   `toml:"local_overlay"`
	Branches         []string `toml:"branches"`
	Version          string   `toml:"version"`
	Tag              string   `toml:"tag"`
	Flavor           string   `toml:"flavor"`
}

// Default returns a Config with every field at its zero value except those
// the core requires to have a sane out-of-the-box value.
func Default() Config {
	return Config{
		CloneRoot:   "resources",
		InstallRoot: "install",
		Version:     "current",
	}
}

// Load reads and parses a TOML config file at path, overlaying it onto
// Default().
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "opening config file %s", path)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, nil
}

// Validate reports whether the configuration has enough information to run
// the orchestrator.
func (c Config) Validate() error {
	if c.CloneRoot == "" {
		return errors.New("clone_root must be set")
	}
	if c.InstallRoot == "" {
		return errors.New("install_root must be set")
	}
	if c.BuildTool == "" {
		return errors.New("build_tool must be set")
	}
	if c.RemotePackageURL == "" {
		return errors.New("remote_package_url must be set")
	}
	if c.Version == "" {
		return errors.New("version must be set")
	}
	return nil
}
