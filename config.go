package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConversionConfig holds the TOML-driven conversion configuration.
type ConversionConfig struct {
	Source         SourceConfig `toml:"source"`
	Target         TargetConfig `toml:"target"`
	BatchSize      int          `toml:"batch_size"`
	OnTargetExists string       `toml:"on_target_exists"` // append|error|recreate
	Hooks          HooksConfig  `toml:"hooks"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

// SourceConfig identifies the source database engine and connection string.
type SourceConfig struct {
	Type string `toml:"type"` // "postgres" or "mysql"
	DSN  string `toml:"dsn"`
}

type TargetConfig struct {
	Path string `toml:"path"`
}

// HooksConfig lists SQL files run against the target inside the run transaction.
type HooksConfig struct {
	AfterData []string `toml:"after_data"`
	AfterAll  []string `toml:"after_all"`
}

func defaultConfig() *ConversionConfig {
	return &ConversionConfig{
		BatchSize:      defaultBatchSize,
		OnTargetExists: "append",
	}
}

// loadConfig reads a TOML config file. Relative target and hook paths are
// resolved against the file's directory. The result is not validated.
func loadConfig(path string) (*ConversionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if cfg.Target.Path != "" {
		cfg.Target.Path = cfg.resolvePath(cfg.Target.Path)
	}
	for i, f := range cfg.Hooks.AfterData {
		cfg.Hooks.AfterData[i] = cfg.resolvePath(f)
	}
	for i, f := range cfg.Hooks.AfterAll {
		cfg.Hooks.AfterAll[i] = cfg.resolvePath(f)
	}
	return cfg, nil
}

// validate checks the merged file and flag values.
func (c *ConversionConfig) validate() error {
	c.Source.Type = strings.TrimSpace(c.Source.Type)
	if c.Source.Type == "" {
		return fmt.Errorf("source.type is required (must be one of %s)", strings.Join(supportedDialects(), ", "))
	}
	if _, err := resolveDialect(c.Source.Type); err != nil {
		return err
	}
	if c.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required")
	}
	if c.Target.Path == "" {
		return fmt.Errorf("target.path is required")
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.OnTargetExists == "" {
		c.OnTargetExists = "append"
	}
	switch c.OnTargetExists {
	case "append", "error", "recreate":
	default:
		return fmt.Errorf("on_target_exists must be one of: append, error, recreate")
	}
	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *ConversionConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) || c.configDir == "" {
		return p
	}
	return filepath.Join(c.configDir, p)
}

func (c *ConversionConfig) request() ConvertRequest {
	return ConvertRequest{
		Dialect:    c.Source.Type,
		DSN:        c.Source.DSN,
		TargetPath: c.Target.Path,
		BatchSize:  c.BatchSize,
		Hooks:      c.Hooks,
	}
}

// prepareTarget applies on_target_exists to the target file and creates its
// parent directory.
func (c *ConversionConfig) prepareTarget() error {
	_, err := os.Stat(c.Target.Path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat target: %w", err)
	}

	if exists {
		switch c.OnTargetExists {
		case "error":
			return fmt.Errorf("target %s already exists (set on_target_exists to append or recreate)", c.Target.Path)
		case "recreate":
			for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
				if err := os.Remove(c.Target.Path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("remove target: %w", err)
				}
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(c.Target.Path), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}
	return nil
}
