// config.go: configuration surface with file loading, env overrides and
// hot reload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override variable.
const envPrefix = "DIRREST_"

// HTTPConfig holds the HTTP server parameters.
type HTTPConfig struct {
	// Addr is the listen address. Zero value selects ":8080".
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

func (c *HTTPConfig) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Directory DirectoryConfig `json:"directory" yaml:"directory"`
	Cache     FabricConfig    `json:"cache" yaml:"cache"`
	Quota     QuotaConfig     `json:"quota" yaml:"quota"`
	Intel     IntelConfig     `json:"intel" yaml:"intel"`

	// Quiet suppresses informational log output.
	Quiet bool `json:"quiet" yaml:"quiet"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

func (c *Config) setDefaults() {
	c.HTTP.setDefaults()
	c.Directory.setDefaults()
	c.Cache.setDefaults()
	c.Quota.setDefaults()
	c.Intel.setDefaults()
}

// Validate checks the fields every process needs. Job-specific fields
// (quota API address) are checked by the process that uses them.
func (c *Config) Validate() error {
	if c.Directory.URI == "" {
		return NewBadRequestError("config: directory.uri is required")
	}
	if c.Directory.BaseDN == "" {
		return NewBadRequestError("config: directory.base_dn is required")
	}
	if c.Intel.Enabled && c.Intel.URL == "" {
		return NewBadRequestError("config: intel.url is required when intel is enabled")
	}
	return nil
}

// LoadConfig reads the configuration file at path (format detected from the
// extension), layers DIRREST_* environment overrides on top, applies
// defaults and validates the result. An empty path skips the file and uses
// environment plus defaults only.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewInternalError("read config file", err)
		}

		format := argus.DetectFormat(path)
		switch format {
		case argus.FormatJSON:
			err = json.Unmarshal(data, config)
		case argus.FormatYAML:
			err = yaml.Unmarshal(data, config)
		default:
			return nil, NewBadRequestError(fmt.Sprintf("config: unsupported format %q", format))
		}
		if err != nil {
			return nil, NewBadRequestError("config: parse " + path + ": " + err.Error())
		}
	}

	config.applyEnv()
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv layers DIRREST_* environment variables over file values.
// Environment always wins, so a deployment can override a shared file
// without editing it.
func (c *Config) applyEnv() {
	envString("HTTP_ADDR", &c.HTTP.Addr)

	envString("DIRECTORY_URI", &c.Directory.URI)
	envString("DIRECTORY_BIND_DN", &c.Directory.BindDN)
	envString("DIRECTORY_BIND_PASSWORD", &c.Directory.BindPassword)
	envString("DIRECTORY_BASE_DN", &c.Directory.BaseDN)
	envDuration("DIRECTORY_CONNECT_TIMEOUT", &c.Directory.ConnectTimeout)
	envInt("DIRECTORY_PAGE_SIZE", &c.Directory.PageSize)

	envDuration("CACHE_TTL", &c.Cache.TTL)
	envInt("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)

	envString("QUOTA_URL", &c.Quota.URL)
	envString("QUOTA_TOKEN", &c.Quota.Token)
	envBool("QUOTA_DRY_RUN", &c.Quota.DryRun)

	envBool("INTEL_ENABLED", &c.Intel.Enabled)
	envString("INTEL_URL", &c.Intel.URL)
	envString("INTEL_API_KEY", &c.Intel.APIKey)

	envBool("QUIET", &c.Quiet)
}

func envString(name string, target *string) {
	if value := os.Getenv(envPrefix + name); value != "" {
		*target = value
	}
}

func envBool(name string, target *bool) {
	if value := os.Getenv(envPrefix + name); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func envInt(name string, target *int) {
	if value := os.Getenv(envPrefix + name); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func envDuration(name string, target *time.Duration) {
	if value := os.Getenv(envPrefix + name); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
		}
	}
}

// WatchConfig starts watching the configuration file and invokes onChange
// with every successfully reloaded configuration. Files that fail to load
// are logged and skipped, keeping the last good configuration active.
//
// The returned watcher must be stopped by the caller on shutdown. Which
// knobs take effect at runtime is the caller's decision; typically only
// cache and intel tunables are safe to apply without a restart.
func WatchConfig(path string, logger Logger, onChange func(*Config)) (*argus.Watcher, error) {
	if logger == nil {
		logger = DefaultLogger()
	}

	watcher := argus.New(argus.Config{
		PollInterval:         5 * time.Second,
		MaxWatchedFiles:      5,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			logger.Error("Config file watching error", "error", err, "file", filepath)
		},
	})

	err := watcher.Watch(path, func(event argus.ChangeEvent) {
		if event.IsDelete {
			logger.Warn("Config file deleted, keeping current configuration", "file", path)
			return
		}
		config, err := LoadConfig(path)
		if err != nil {
			logger.Error("Config reload failed, keeping current configuration",
				"file", path, "error", err)
			return
		}
		logger.Info("Config reloaded", "file", path)
		onChange(config)
	})
	if err != nil {
		return nil, NewInternalError("watch config file", err)
	}

	if err := watcher.Start(); err != nil {
		return nil, NewInternalError("start config watcher", err)
	}
	return watcher, nil
}
