package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Values from the YAML file sit beneath
// explicitly set flags.
type Config struct {
	LogLevel        string        `yaml:"log_level"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	Devices         int           `yaml:"devices"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StateDir        string        `yaml:"state_dir"`
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	AllowExtraneous bool          `yaml:"allow_extraneous"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Archive         ArchiveConfig `yaml:"archive"`
}

type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Secure    bool   `yaml:"secure"`
}

func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != ""
}

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		MetricsAddr:     ":9090",
		Devices:         4,
		PollInterval:    30 * time.Second,
		Topic:           "flowcore-next-groups",
		ShutdownTimeout: 30 * time.Second,
		Archive: ArchiveConfig{
			Bucket: "flowcore-snapshots",
			Prefix: "snapshots",
		},
	}
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug|info|warn|error)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address of the /metrics endpoint")
	fs.IntVar(&c.Devices, "devices", c.Devices, "number of simulated devices")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "device snapshot poll interval")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "pebble directory for next groups (in-memory when empty)")
	fs.StringSliceVar(&c.Brokers, "brokers", c.Brokers, "kafka brokers replicating next groups")
	fs.StringVar(&c.Topic, "topic", c.Topic, "compacted changelog topic for next groups")
	fs.BoolVar(&c.AllowExtraneous, "allow-extraneous", c.AllowExtraneous, "keep device rules the store does not know")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "bound for draining each worker pool")
	fs.StringVar(&c.Archive.Endpoint, "archive-endpoint", c.Archive.Endpoint, "S3 endpoint for snapshot archiving (disabled when empty)")
	fs.StringVar(&c.Archive.Bucket, "archive-bucket", c.Archive.Bucket, "S3 bucket for snapshots")
}

// load reads path into the defaults and puts every flag the user set
// explicitly on top.
func load(path string, fs *pflag.FlagSet, flags Config) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	fs.Visit(func(f *pflag.Flag) {
		cfg.override(f.Name, flags)
	})
	return cfg, cfg.validate()
}

func (c *Config) override(flag string, from Config) {
	switch flag {
	case "log-level":
		c.LogLevel = from.LogLevel
	case "metrics-addr":
		c.MetricsAddr = from.MetricsAddr
	case "devices":
		c.Devices = from.Devices
	case "poll-interval":
		c.PollInterval = from.PollInterval
	case "state-dir":
		c.StateDir = from.StateDir
	case "brokers":
		c.Brokers = from.Brokers
	case "topic":
		c.Topic = from.Topic
	case "allow-extraneous":
		c.AllowExtraneous = from.AllowExtraneous
	case "shutdown-timeout":
		c.ShutdownTimeout = from.ShutdownTimeout
	case "archive-endpoint":
		c.Archive.Endpoint = from.Archive.Endpoint
	case "archive-bucket":
		c.Archive.Bucket = from.Archive.Bucket
	}
}

func (c Config) validate() error {
	switch {
	case c.Devices < 0:
		return errors.New("devices must not be negative")
	case c.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	case c.ShutdownTimeout <= 0:
		return errors.New("shutdown timeout must be positive")
	case len(c.Brokers) > 0 && c.Topic == "":
		return errors.New("brokers need a topic")
	case c.Archive.Enabled() && c.Archive.Bucket == "":
		return errors.New("archive needs a bucket")
	}
	return nil
}
