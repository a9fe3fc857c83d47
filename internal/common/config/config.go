// Package config provides configuration management for agentpool.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/noclaw/agentpool/internal/common/logger"
)

// MaxAgents is the hard ceiling on concurrent agent sessions.
// pool.maxAgents is clamped to this value regardless of configuration.
const MaxAgents = 8

// Config holds all configuration sections for agentpool.
type Config struct {
	Pool    PoolConfig           `mapstructure:"pool"`
	Docker  DockerConfig         `mapstructure:"docker"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
}

// PoolConfig holds agent pool configuration.
type PoolConfig struct {
	MaxAgents      int    `mapstructure:"maxAgents"`
	DefaultModel   string `mapstructure:"defaultModel"`
	DefaultSandbox string `mapstructure:"defaultSandbox"` // host or container
	Timeout        int    `mapstructure:"timeout"`        // per-agent wall clock, in seconds
	Workspace      string `mapstructure:"workspace"`      // shared workspace directory
	WorkspaceRoot  string `mapstructure:"workspaceRoot"`  // optional; all workspaces must lie within
	StateDir       string `mapstructure:"stateDir"`       // task board and message journal directory
	LogFile        string `mapstructure:"logFile"`        // optional JSON-lines operational log
}

// DockerConfig holds container sandbox configuration.
type DockerConfig struct {
	Image       string `mapstructure:"image"`
	MemoryLimit string `mapstructure:"memoryLimit"`
	CPULimit    string `mapstructure:"cpuLimit"`
	Network     string `mapstructure:"network"` // empty means default bridge
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"apiVersion"`
}

// SessionTimeout returns the default per-agent timeout as a duration.
func (p *PoolConfig) SessionTimeout() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// EffectiveMaxAgents returns the configured bound clamped to MaxAgents.
func (p *PoolConfig) EffectiveMaxAgents() int {
	if p.MaxAgents <= 0 {
		return 1
	}
	if p.MaxAgents > MaxAgents {
		return MaxAgents
	}
	return p.MaxAgents
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("pool.maxAgents", 4)
	v.SetDefault("pool.defaultModel", "")
	v.SetDefault("pool.defaultSandbox", "host")
	v.SetDefault("pool.timeout", 300)
	v.SetDefault("pool.workspace", "")
	v.SetDefault("pool.workspaceRoot", "")
	v.SetDefault("pool.stateDir", "")
	v.SetDefault("pool.logFile", "")

	// Docker defaults
	v.SetDefault("docker.image", "ubuntu:24.04")
	v.SetDefault("docker.memoryLimit", "2g")
	v.SetDefault("docker.cpuLimit", "2")
	v.SetDefault("docker.network", "")
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}

// DefaultDockerHost returns the Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTPOOL_ followed by the key path with
// dots replaced by underscores (e.g. AGENTPOOL_POOL_DEFAULTSANDBOX); a few keys
// also have the explicit snake_case names bound in LoadWithPath.
// Config file should be named agentpool.yaml and placed in the current directory
// or /etc/agentpool/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("pool.maxAgents", "AGENTPOOL_MAX_AGENTS")
	_ = v.BindEnv("pool.workspaceRoot", "AGENTPOOL_WORKSPACE_ROOT")
	_ = v.BindEnv("pool.stateDir", "AGENTPOOL_STATE_DIR")
	_ = v.BindEnv("logging.level", "AGENTPOOL_LOG_LEVEL")

	v.SetConfigName("agentpool")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentpool/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration fields hold usable values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Pool.MaxAgents < 0 {
		errs = append(errs, "pool.maxAgents must not be negative")
	}
	if cfg.Pool.Timeout <= 0 {
		errs = append(errs, "pool.timeout must be positive")
	}
	switch cfg.Pool.DefaultSandbox {
	case "host", "container":
	default:
		errs = append(errs, "pool.defaultSandbox must be 'host' or 'container'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
