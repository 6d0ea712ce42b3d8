// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
	"sigs.k8s.io/yaml"
)

var (
	ErrReadConfig  = errors.New("reading config file")
	ErrParseConfig = errors.New("parsing config file")
)

// envOverrides maps environment variables to the field they override.
var envOverrides = map[string]func(c *Config, v string){
	"DEVVM_NAME":                  func(c *Config, v string) { c.Name = v },
	"DEVVM_HOSTNAME":              func(c *Config, v string) { c.Hostname = v },
	"DEVVM_USER":                  func(c *Config, v string) { c.User = v },
	"DEVVM_TARGET_KIND":           func(c *Config, v string) { c.Target.Kind = TargetKind(v) },
	"DEVVM_LIBVIRT_URI":           func(c *Config, v string) { c.Target.LibvirtURI = v },
	"DEVVM_IMAGE":                 func(c *Config, v string) { c.Target.Image = v },
	"DEVVM_SSH_HOST":              func(c *Config, v string) { c.Target.SSH.Host = v },
	"DEVVM_SSH_PORT":              func(c *Config, v string) { c.Target.SSH.Port = v },
	"DEVVM_SSH_PRIVATE_KEY_PATH":  func(c *Config, v string) { c.Target.SSH.PrivateKeyPath = v },
	"DEVVM_METRICS_TEXTFILE_PATH": func(c *Config, v string) { c.Metrics.TextfilePath = v },
}

// Load builds a Config from the defaults, the file at path (if not empty) and
// the DEVVM_* environment variables, in that order of increasing precedence.
//
// Files ending in .toml are decoded as TOML, anything else as YAML or JSON.
// Relative paths in the file are resolved against the file's directory.
// The returned Config is complete but not validated.
func Load(path string) (Config, error) {
	cfg := newBaseConfig()
	baseDir, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return Config{}, err
		}
		baseDir = filepath.Dir(abs)
	}

	if err := applyEnvironmentOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg.complete(baseDir)

	return cfg, nil
}

// decodeFile decodes the file at path onto cfg. Keys absent from the file
// keep the value already in cfg.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrReadConfig, path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("%w %s: %w", ErrParseConfig, path, err)
		}
		return nil
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("%w %s: %w", ErrParseConfig, path, err)
	}

	return nil
}

// applyEnvironmentOverrides merges the non-empty DEVVM_* variables into cfg.
func applyEnvironmentOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var overrides Config
	for key, set := range envOverrides {
		if v, ok := lookup(key); ok && v != "" {
			set(&overrides, v)
		}
	}

	if err := mergo.Merge(cfg, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("applying environment overrides: %w", err)
	}

	return nil
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
