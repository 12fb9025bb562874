// Package config loads the YAML configuration of a block metadata store.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ocelotpotpie/BlockStore/internal/store"
)

// Config mirrors store.Config plus logging settings. Keys are snake_case.
type Config struct {
	Dir                string   `yaml:"dir"`
	MaxHeight          int      `yaml:"max_height"`
	Backend            string   `yaml:"backend"`
	Compression        string   `yaml:"compression"`
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	FlushWorkers       int      `yaml:"flush_workers"`
	MaxLoadedChunks    int      `yaml:"max_loaded_chunks"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Dir:                "data",
		MaxHeight:          store.DefaultMaxHeight,
		Backend:            store.BackendFile,
		Compression:        store.CodecZstd.String(),
		CheckpointInterval: Duration(5 * time.Minute),
		FlushWorkers:       runtime.NumCPU(),
		LogLevel:           "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values Open would reject, so a bad file fails early.
func (c Config) Validate() error {
	var errs []error
	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}
	if c.MaxHeight < 0 {
		errs = append(errs, fmt.Errorf("max_height %d is negative", c.MaxHeight))
	}
	if _, err := store.ParseBackend(c.Backend); err != nil {
		errs = append(errs, err)
	}
	if _, err := store.ParseCodec(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.CheckpointInterval < 0 {
		errs = append(errs, errors.New("checkpoint_interval is negative"))
	}
	if c.MaxLoadedChunks < 0 {
		errs = append(errs, fmt.Errorf("max_loaded_chunks %d is negative", c.MaxLoadedChunks))
	}
	if c.FlushWorkers < 0 {
		errs = append(errs, fmt.Errorf("flush_workers %d is negative", c.FlushWorkers))
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	return errors.Join(errs...)
}

// StoreConfig converts c into the store's configuration.
func (c Config) StoreConfig(logger *zerolog.Logger) store.Config {
	return store.Config{
		Dir:                c.Dir,
		MaxHeight:          c.MaxHeight,
		Backend:            c.Backend,
		Compression:        c.Compression,
		CheckpointInterval: time.Duration(c.CheckpointInterval),
		FlushWorkers:       c.FlushWorkers,
		MaxLoadedChunks:    c.MaxLoadedChunks,
		Logger:             logger,
	}
}

// Write saves c as YAML.
func (c Config) Write(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}
