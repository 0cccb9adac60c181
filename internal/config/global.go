// Package config loads global shiplog settings from ~/.shiplog/config.yaml.
// The file only carries tuning defaults; credentials and targets always
// come from flags.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalConfig holds global shiplog settings.
type GlobalConfig struct {
	Relay  RelayConfig  `yaml:"relay"`
	Docker DockerConfig `yaml:"docker"`
	// LogLevel is the default --log-level value.
	LogLevel string `yaml:"log_level"`
}

// RelayConfig holds log-forwarding tuning knobs.
type RelayConfig struct {
	// FlushInterval is how often buffered events are pushed to CloudWatch.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxBatchEvents caps the number of events per PutLogEvents call.
	MaxBatchEvents int `yaml:"max_batch_events"`
}

// DockerConfig holds container lifecycle settings.
type DockerConfig struct {
	// StopTimeout is how long a container gets to exit after stop,
	// before it is killed.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// DefaultGlobalConfig returns the default global configuration.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Relay: RelayConfig{
			FlushInterval:  time.Second,
			MaxBatchEvents: 10000,
		},
		Docker: DockerConfig{
			StopTimeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// LoadGlobal reads ~/.shiplog/config.yaml and applies environment overrides.
// A missing or malformed file falls back to defaults.
func LoadGlobal() (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".shiplog", "config.yaml")
		if data, err := os.ReadFile(configPath); err == nil {
			_ = yaml.Unmarshal(data, cfg) // Ignore unmarshal errors, use defaults
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFile reads a specific config file, applying defaults for unset fields.
func LoadFile(path string) (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *GlobalConfig) {
	if v := os.Getenv("SHIPLOG_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.FlushInterval = d
		}
	}
	if v := os.Getenv("SHIPLOG_MAX_BATCH_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.MaxBatchEvents = n
		}
	}
	if v := os.Getenv("SHIPLOG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
