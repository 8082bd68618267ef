package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads path into cfg, leaving fields the file does not mention at
// their current values. Files ending in .yaml or .yml are YAML, anything
// else is TOML. Unknown keys are an error.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	default:
		err = decodeTOML(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

func decodeTOML(data []byte, cfg *Config) error {
	// decode over a copy so a legacy listen_addr is only honoured when
	// listen_https_addr is absent from this file
	https := cfg.Server.ListenHTTPSAddr
	cfg.Server.ListenHTTPSAddr = ""
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	if err != nil {
		cfg.Server.ListenHTTPSAddr = https
		return err
	}
	if und := md.Undecoded(); len(und) > 0 {
		keys := make([]string, len(und))
		for i, k := range und {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	applyLegacy(cfg, https)
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	https := cfg.Server.ListenHTTPSAddr
	cfg.Server.ListenHTTPSAddr = ""
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		cfg.Server.ListenHTTPSAddr = https
		return err
	}
	applyLegacy(cfg, https)
	return nil
}

func applyLegacy(cfg *Config, prev string) {
	if cfg.Server.ListenHTTPSAddr == "" {
		cfg.Server.ListenHTTPSAddr = cfg.Server.ListenAddr
	}
	if cfg.Server.ListenHTTPSAddr == "" {
		cfg.Server.ListenHTTPSAddr = prev
	}
	cfg.Server.ListenAddr = ""
}
