package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads a config file, or the config.yaml inside a project directory.
// BaseDir is set to the directory that holds the file.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, errors.Errorf("config file not found: %s", path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}
	if info.IsDir() {
		path = filepath.Join(path, FileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "config %s", path)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrap(err, "resolving project directory")
	}
	cfg.BaseDir = abs
	return cfg, nil
}

// Parse decodes, defaults and validates YAML config bytes. Duplicate keys,
// unknown fields and schema violations are all fatal.
func Parse(data []byte) (*Config, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Raw = append([]byte(nil), data...)
	return &cfg, nil
}
