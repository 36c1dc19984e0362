// Package config loads the upload client configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
)

// Environment variables overriding the config file.
const (
	ConfigPathEnvKey             = "CHUNKUPLOAD_CONFIG"
	ServerEnvKey                 = "CHUNKUPLOAD_SERVER"
	NameEnvKey                   = "CHUNKUPLOAD_NAME"
	ChunkSizeEnvKey              = "CHUNKUPLOAD_CHUNK_SIZE"
	ConcurrencyEnvKey            = "CHUNKUPLOAD_CONCURRENCY"
	ChunkTimeoutEnvKey           = "CHUNKUPLOAD_CHUNK_TIMEOUT"
	HTTPRetriesEnvKey            = "CHUNKUPLOAD_HTTP_RETRIES"
	FinalizeOnChunkFailureEnvKey = "CHUNKUPLOAD_FINALIZE_ON_CHUNK_FAILURE"
	CheckLimitEnvKey             = "CHUNKUPLOAD_CHECK_LIMIT"
	VerboseEnvKey                = "CHUNKUPLOAD_VERBOSE"
)

// DefaultChunkSize is the human readable form of chunk.DefaultSize.
const DefaultChunkSize = "512KiB"

// Config holds the upload client configuration.
type Config struct {
	Server string `yaml:"server"`
	File   string `yaml:"file"`
	// Name is the logical file name sent at finalize. Defaults to the base name of File.
	Name string `yaml:"name"`

	// ChunkSize accepts binary units, e.g. 512KiB or 1MiB.
	ChunkSize    string        `yaml:"chunk_size"`
	Concurrency  int           `yaml:"concurrency"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
	HTTPRetries  int           `yaml:"http_retries"`

	FinalizeOnChunkFailure bool `yaml:"finalize_on_chunk_failure"`
	CheckLimit             bool `yaml:"check_limit"`
	Verbose                bool `yaml:"verbose"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	uploaderConfig := chunkuploader.DefaultConfig()
	return Config{
		ChunkSize:    DefaultChunkSize,
		Concurrency:  uploaderConfig.Concurrency,
		ChunkTimeout: uploaderConfig.ChunkTimeout,
	}
}

// Load builds the configuration from the defaults, the YAML file at configPath (or $CHUNKUPLOAD_CONFIG) and the
// environment, in this order of precedence.
func Load(envRepo env.Repository, configPath string) (Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = envRepo.Get(ConfigPathEnvKey)
	}
	if configPath != "" {
		if err := loadFromFile(&cfg, configPath); err != nil {
			return Config{}, err
		}
	}

	if err := loadFromEnv(&cfg, envRepo); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *Config, envRepo env.Repository) error {
	if v := envRepo.Get(ServerEnvKey); v != "" {
		cfg.Server = v
	}
	if v := envRepo.Get(NameEnvKey); v != "" {
		cfg.Name = v
	}
	if v := envRepo.Get(ChunkSizeEnvKey); v != "" {
		cfg.ChunkSize = v
	}

	var err error
	if cfg.Concurrency, err = intFromEnv(envRepo, ConcurrencyEnvKey, cfg.Concurrency); err != nil {
		return err
	}
	if cfg.HTTPRetries, err = intFromEnv(envRepo, HTTPRetriesEnvKey, cfg.HTTPRetries); err != nil {
		return err
	}
	if v := envRepo.Get(ChunkTimeoutEnvKey); v != "" {
		if cfg.ChunkTimeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", ChunkTimeoutEnvKey, err)
		}
	}
	if cfg.FinalizeOnChunkFailure, err = boolFromEnv(envRepo, FinalizeOnChunkFailureEnvKey, cfg.FinalizeOnChunkFailure); err != nil {
		return err
	}
	if cfg.CheckLimit, err = boolFromEnv(envRepo, CheckLimitEnvKey, cfg.CheckLimit); err != nil {
		return err
	}
	if cfg.Verbose, err = boolFromEnv(envRepo, VerboseEnvKey, cfg.Verbose); err != nil {
		return err
	}

	return nil
}

func intFromEnv(envRepo env.Repository, key string, fallback int) (int, error) {
	v := envRepo.Get(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func boolFromEnv(envRepo env.Repository, key string, fallback bool) (bool, error) {
	v := envRepo.Get(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// ChunkSizeBytes parses ChunkSize. An empty value means the default chunk size.
func (c Config) ChunkSizeBytes() (int64, error) {
	if strings.TrimSpace(c.ChunkSize) == "" {
		return units.RAMInBytes(DefaultChunkSize)
	}
	size, err := units.RAMInBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size: %w", err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("chunk size must be positive: %s", c.ChunkSize)
	}
	return size, nil
}

// UploadName returns the logical file name sent at finalize.
func (c Config) UploadName() string {
	if c.Name != "" {
		return c.Name
	}
	return filepath.Base(c.File)
}

// Validate checks the configuration for a single upload.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return errors.New("server should not be empty")
	}
	if !strings.HasPrefix(c.Server, "http://") && !strings.HasPrefix(c.Server, "https://") {
		return fmt.Errorf("server should be an http(s) URL: %s", c.Server)
	}
	if strings.TrimSpace(c.File) == "" {
		return errors.New("file should not be empty")
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1, got %d", c.Concurrency)
	}
	if c.ChunkTimeout < 0 {
		return fmt.Errorf("chunk timeout should not be negative: %s", c.ChunkTimeout)
	}
	if c.HTTPRetries < 0 {
		return fmt.Errorf("http retries should not be negative: %d", c.HTTPRetries)
	}
	return nil
}

// ResolveFile turns File into an absolute path and checks that it exists.
func (c *Config) ResolveFile(pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker) error {
	absPath, err := pathModifier.AbsPath(c.File)
	if err != nil {
		return fmt.Errorf("failed to resolve path %s: %w", c.File, err)
	}

	exists, err := pathChecker.IsPathExists(absPath)
	if err != nil {
		return fmt.Errorf("failed to check path %s: %w", absPath, err)
	}
	if !exists {
		return fmt.Errorf("file doesn't exist: %s", c.File)
	}

	c.File = absPath
	return nil
}
