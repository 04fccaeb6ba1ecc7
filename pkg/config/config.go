package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config - root application configuration.
// yaml tags drive parsing, validate tags are enforced by Validate.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DB           `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"min=0"`
}

type DB struct {
	RootPath string         `yaml:"path" validate:"required"`
	Chunk    ChunkConfig    `yaml:"chunk"`
	Cache    CacheConfig    `yaml:"cache"`
	Commit   CommitConfig   `yaml:"commit"`
	Rollover RolloverConfig `yaml:"rollover"`
}

type ChunkConfig struct {
	// Compression is applied to every value stored in chunk data files.
	Compression string `yaml:"compression" validate:"omitempty,oneof=none zstd snappy"`
	// Sync makes every chunk and journal write fsync before returning.
	Sync bool `yaml:"sync"`
}

type CacheConfig struct {
	// Capacity is the number of keys whose ranged results are cached per branch.
	// Zero disables the cache.
	Capacity int `yaml:"capacity" validate:"min=0"`
}

type CommitConfig struct {
	ConflictStrategy         string `yaml:"conflict_strategy" validate:"omitempty,oneof=do_not_merge overwrite_with_source overwrite_with_target"`
	BlindOverwriteProtection bool   `yaml:"blind_overwrite_protection"`
}

type RolloverConfig struct {
	// ThresholdBytes triggers a background rollover once the head data file
	// grows past it. Zero disables automatic rollover.
	ThresholdBytes int64 `yaml:"threshold_bytes" validate:"min=0"`
	QueueSize      int   `yaml:"queue_size" validate:"min=0"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		DB: DefaultDB(),
	}
}

// DefaultDB returns storage defaults rooted at ./data.
func DefaultDB() DB {
	return DB{
		RootPath: "./data",
		Chunk: ChunkConfig{
			Compression: "zstd",
			Sync:        true,
		},
		Cache: CacheConfig{
			Capacity: 10_000,
		},
		Commit: CommitConfig{
			ConflictStrategy: "do_not_merge",
		},
		Rollover: RolloverConfig{
			ThresholdBytes: 256 << 20,
			QueueSize:      8,
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks the whole application config.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate checks the values the storage engine depends on.
func (db DB) Validate() error {
	if err := validate.Struct(db); err != nil {
		return fmt.Errorf("invalid db config: %w", err)
	}
	return nil
}
