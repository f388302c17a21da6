package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	rhttp "github.com/chrisdmacrae/romulator/internal/http"
	"github.com/chrisdmacrae/romulator/internal/progress"
	"github.com/chrisdmacrae/romulator/internal/transfer"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable.
const EnvPrefix = "ROMULATOR"

// Size is a byte count written as a human string such as "64KiB" or
// "2 GB".
type Size int64

// Decode implements envconfig.Decoder.
func (s *Size) Decode(value string) error {
	n, err := progress.ParseBytes(value)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// UnmarshalYAML accepts both strings and plain integers.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	return s.Decode(node.Value)
}

// MarshalYAML writes the size in IEC units.
func (s Size) MarshalYAML() (any, error) {
	return progress.FormatBytes(int64(s)), nil
}

// Config defines configuration for the romulator server and CLI.
type Config struct {
	Addr        string `yaml:"addr" envconfig:"addr"`
	DownloadDir string `yaml:"download_dir" envconfig:"download_dir"`
	CatalogURL  string `yaml:"catalog_url" envconfig:"catalog_url"`
	UserAgent   string `yaml:"user_agent" envconfig:"user_agent"`

	StateURL      string        `yaml:"state_url" envconfig:"state_url"`
	StateKey      string        `yaml:"state_key" envconfig:"state_key"`
	StateInterval time.Duration `yaml:"state_interval" envconfig:"state_interval"`

	IdleTimeout   time.Duration `yaml:"idle_timeout" envconfig:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"sweep_interval"`
	HistoryLimit  int           `yaml:"history_limit" envconfig:"history_limit"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout" envconfig:"connect_timeout"`
	StallTimeout     time.Duration `yaml:"stall_timeout" envconfig:"stall_timeout"`
	ProgressInterval time.Duration `yaml:"progress_interval" envconfig:"progress_interval"`
	ReadSize         Size          `yaml:"read_size" envconfig:"read_size"`
	MaxRedirects     int           `yaml:"max_redirects" envconfig:"max_redirects"`
	HeadRequest      bool          `yaml:"head_request" envconfig:"head_request"`
	MinFreeSpace     Size          `yaml:"min_free_space" envconfig:"min_free_space"`

	Ruleset       string `yaml:"ruleset" envconfig:"ruleset"`
	RulesetsFile  string `yaml:"rulesets_file" envconfig:"rulesets_file"`
	LibraryDir    string `yaml:"library_dir" envconfig:"library_dir"`
	LibraryBucket string `yaml:"library_bucket" envconfig:"library_bucket"`

	SubscriberBuffer int    `yaml:"subscriber_buffer" envconfig:"subscriber_buffer"`
	LogLevel         string `yaml:"log_level" envconfig:"log_level"`
	LogFormat        string `yaml:"log_format" envconfig:"log_format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Addr:             ":8080",
		DownloadDir:      "downloads",
		UserAgent:        "romulator/1.0",
		StateURL:         "state",
		StateKey:         "state.json",
		StateInterval:    30 * time.Second,
		IdleTimeout:      time.Hour,
		SweepInterval:    time.Minute,
		HistoryLimit:     500,
		ConnectTimeout:   30 * time.Second,
		StallTimeout:     2 * time.Minute,
		ProgressInterval: 500 * time.Millisecond,
		ReadSize:         64 * 1024,
		MaxRedirects:     10,
		HeadRequest:      true,
		MinFreeSpace:     0,
		SubscriberBuffer: 64,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overlays environment variables with the ROMULATOR_ prefix.
// Unset variables leave fields untouched.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New("config: "+msg))
		}
	}

	check(c.Addr != "", "addr is required")
	check(c.DownloadDir != "", "download_dir is required")
	check(c.StateURL != "", "state_url is required")
	check(c.StateInterval > 0, "state_interval must be positive")
	check(c.IdleTimeout > 0, "idle_timeout must be positive")
	check(c.SweepInterval > 0, "sweep_interval must be positive")
	check(c.ConnectTimeout > 0, "connect_timeout must be positive")
	check(c.StallTimeout > 0, "stall_timeout must be positive")
	check(c.ProgressInterval > 0, "progress_interval must be positive")
	check(c.ReadSize > 0, "read_size must be positive")
	check(c.MaxRedirects > 0, "max_redirects must be positive")
	check(c.MinFreeSpace >= 0, "min_free_space must not be negative")
	check(c.HistoryLimit > 0, "history_limit must be positive")
	check(c.Ruleset == "" || c.RulesetsFile != "", "ruleset requires rulesets_file")
	check(c.LogFormat == "console" || c.LogFormat == "json", "log_format must be console or json")
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	mergeString(&c.Addr, override.Addr)
	mergeString(&c.DownloadDir, override.DownloadDir)
	mergeString(&c.CatalogURL, override.CatalogURL)
	mergeString(&c.UserAgent, override.UserAgent)
	mergeString(&c.StateURL, override.StateURL)
	mergeString(&c.StateKey, override.StateKey)
	mergeString(&c.Ruleset, override.Ruleset)
	mergeString(&c.RulesetsFile, override.RulesetsFile)
	mergeString(&c.LibraryDir, override.LibraryDir)
	mergeString(&c.LibraryBucket, override.LibraryBucket)
	mergeString(&c.LogLevel, override.LogLevel)
	mergeString(&c.LogFormat, override.LogFormat)

	mergeDuration(&c.StateInterval, override.StateInterval)
	mergeDuration(&c.IdleTimeout, override.IdleTimeout)
	mergeDuration(&c.SweepInterval, override.SweepInterval)
	mergeDuration(&c.ConnectTimeout, override.ConnectTimeout)
	mergeDuration(&c.StallTimeout, override.StallTimeout)
	mergeDuration(&c.ProgressInterval, override.ProgressInterval)

	if override.ReadSize != 0 {
		c.ReadSize = override.ReadSize
	}
	if override.MinFreeSpace != 0 {
		c.MinFreeSpace = override.MinFreeSpace
	}
	if override.MaxRedirects != 0 {
		c.MaxRedirects = override.MaxRedirects
	}
	if override.HistoryLimit != 0 {
		c.HistoryLimit = override.HistoryLimit
	}
	if override.SubscriberBuffer != 0 {
		c.SubscriberBuffer = override.SubscriberBuffer
	}
	return c
}

// HTTPOptions returns the client options for transfers and scraping.
func (c Config) HTTPOptions() rhttp.Options {
	return rhttp.Options{
		ConnectTimeout: c.ConnectTimeout,
		MaxRedirects:   c.MaxRedirects,
		UserAgent:      c.UserAgent,
	}
}

// TransferOptions returns the transfer options.
func (c Config) TransferOptions() transfer.Options {
	return transfer.Options{
		HTTP:             c.HTTPOptions(),
		HeadRequest:      c.HeadRequest,
		ReadSize:         int(c.ReadSize),
		ProgressInterval: c.ProgressInterval,
		StallTimeout:     c.StallTimeout,
		MinFreeSpace:     int64(c.MinFreeSpace),
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
