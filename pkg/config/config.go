// Package config loads workflow defaults from a YAML file. Flags always win;
// the file only supplies values the user did not pass on the command line.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "SDGGUF_CONFIG"

// EnvCivitaiToken supplies the Civitai API token without putting it in a
// file or on the command line.
const EnvCivitaiToken = "CIVITAI_TOKEN"

// Config holds workflow defaults. Zero values mean "unspecified".
type Config struct {
	OutputDir    string   `yaml:"output_dir"`
	DownloadDir  string   `yaml:"download_dir"`
	QuantTypes   []string `yaml:"quant_types"`
	CivitaiToken string   `yaml:"civitai_token"`
	LogLevel     string   `yaml:"log_level"`
}

// DefaultPath returns the default config file location,
// ~/.config/sdgguf/config.yaml, or "" when the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sdgguf", "config.yaml")
}

// Load reads the config file at path. An empty path falls back to
// $SDGGUF_CONFIG and then the default location; a missing fallback file is
// not an error, a missing explicit path is.
func Load(path string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return applyEnv(cfg), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return applyEnv(cfg), nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return applyEnv(cfg), nil
}

// applyEnv layers environment values over the file. The environment sits
// between the file and the flags in precedence.
func applyEnv(cfg Config) Config {
	if token := os.Getenv(EnvCivitaiToken); token != "" {
		cfg.CivitaiToken = token
	}
	return cfg
}
