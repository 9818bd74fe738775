package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/execbox/model"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox"`
	Limits    LimitsConfig              `mapstructure:"limits"`
	Reaper    ReaperConfig              `mapstructure:"reaper"`
	Profiles  map[string]ProfileConfig  `mapstructure:"profiles"`
	Languages map[string]LanguageConfig `mapstructure:"languages"`
}

// ServerConfig holds the intake transport configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"` // MCP transport: stdio, http or none
	HTTPPort  int    `mapstructure:"http_port"` // MCP streamable HTTP port
	APIPort   int    `mapstructure:"api_port"`  // REST API port, 0 disables it
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox backend and scheduling settings
type SandboxConfig struct {
	Backend            string        `mapstructure:"backend"`
	DockerHost         string        `mapstructure:"docker_host"`
	PodmanSocket       string        `mapstructure:"podman_socket"`
	EnableLocalBackend bool          `mapstructure:"enable_local_backend"`
	WorkRoot           string        `mapstructure:"work_root"`
	InstanceID         string        `mapstructure:"instance_id"`
	Concurrency        int           `mapstructure:"concurrency"`
	QueueTimeout       time.Duration `mapstructure:"queue_timeout"`
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	KillWait           time.Duration `mapstructure:"kill_wait"`
	ReclaimTimeout     time.Duration `mapstructure:"reclaim_timeout"`
	AllowNetwork       bool          `mapstructure:"allow_network"`
	CatalogManifest    string        `mapstructure:"catalog_manifest"`
}

// LimitsConfig bounds what a single submission may request
type LimitsConfig struct {
	MaxSourceBytes  int           `mapstructure:"max_source_bytes"`
	MaxStdinBytes   int           `mapstructure:"max_stdin_bytes"`
	MaxArchiveBytes int           `mapstructure:"max_archive_bytes"`
	MaxArgs         int           `mapstructure:"max_args"`
	MaxTimeout      time.Duration `mapstructure:"max_timeout"`
	MaxMemoryMB     int           `mapstructure:"max_memory_mb"`
	MaxOutputBytes  int           `mapstructure:"max_output_bytes"`
}

// ReaperConfig controls the orphaned unit sweeper
type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// ProfileConfig describes one named resource profile
type ProfileConfig struct {
	Version        int           `mapstructure:"version"`
	CPUs           float64       `mapstructure:"cpus"`
	MemoryMB       int           `mapstructure:"memory_mb"`
	PidsLimit      int64         `mapstructure:"pids_limit"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	NetworkEnabled bool          `mapstructure:"network_enabled"`
}

// LanguageConfig describes the sandbox image for one language
type LanguageConfig struct {
	Image       string            `mapstructure:"image"`
	Digest      string            `mapstructure:"digest"`
	User        string            `mapstructure:"user"`
	Profile     string            `mapstructure:"profile"`
	SourceFile  string            `mapstructure:"source_file"`
	Command     []string          `mapstructure:"command"`
	Environment map[string]string `mapstructure:"environment"`
}

// New loads the configuration from config.yaml in the working directory or ./config
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or searches the default locations when path is empty
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("EXECBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.api_port", 5001)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.podman_socket", "unix:///run/podman/podman.sock")
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.concurrency", 4)
	v.SetDefault("sandbox.queue_timeout", "30s")
	v.SetDefault("sandbox.grace_period", "2s")
	v.SetDefault("sandbox.kill_wait", "5s")
	v.SetDefault("sandbox.reclaim_timeout", "10s")
	v.SetDefault("sandbox.allow_network", false)

	v.SetDefault("limits.max_source_bytes", 50000)
	v.SetDefault("limits.max_stdin_bytes", 1<<20)
	v.SetDefault("limits.max_archive_bytes", 10<<20)
	v.SetDefault("limits.max_args", 32)
	v.SetDefault("limits.max_timeout", "60s")
	v.SetDefault("limits.max_memory_mb", 1024)
	v.SetDefault("limits.max_output_bytes", 1<<20)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", "1m")
	v.SetDefault("reaper.max_age", "10m")

	// Default profile
	v.SetDefault("profiles.default.version", 1)
	v.SetDefault("profiles.default.cpus", 1.0)
	v.SetDefault("profiles.default.memory_mb", 256)
	v.SetDefault("profiles.default.pids_limit", 50)
	v.SetDefault("profiles.default.timeout", "10s")
	v.SetDefault("profiles.default.max_output_bytes", 64*1024)
	v.SetDefault("profiles.default.network_enabled", false)

	// Java defaults
	v.SetDefault("languages.java.image", "codezy-java-runner:latest")
	v.SetDefault("languages.java.user", "1000")
	v.SetDefault("languages.java.profile", "default")
	v.SetDefault("languages.java.source_file", "{class}.java")
	v.SetDefault("languages.java.command", []string{
		"/bin/sh", "-c", `cp {workdir}/{source} /tmp/ && cd /tmp && javac {source} && exec java {class} "$@"`, "runner",
	})

	// Python defaults
	v.SetDefault("languages.python.image", "codezy-python-runner:latest")
	v.SetDefault("languages.python.user", "1000")
	v.SetDefault("languages.python.profile", "default")
	v.SetDefault("languages.python.source_file", "main.py")
	v.SetDefault("languages.python.command", []string{"python3", "{workdir}/{source}"})

	// C++ defaults
	v.SetDefault("languages.cpp.image", "codezy-cpp-runner:latest")
	v.SetDefault("languages.cpp.user", "1000")
	v.SetDefault("languages.cpp.profile", "default")
	v.SetDefault("languages.cpp.source_file", "main.cpp")
	v.SetDefault("languages.cpp.command", []string{
		"/bin/sh", "-c", `g++ -std=c++17 -O2 -o /tmp/main {workdir}/{source} && exec /tmp/main "$@"`, "runner",
	})
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "none":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http' or 'none'", c.Server.Transport)
	}

	switch c.Logging.Mode {
	case "production", "development":
	default:
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Concurrency <= 0 {
		return fmt.Errorf("sandbox.concurrency must be positive, got: %d", c.Sandbox.Concurrency)
	}

	if c.Sandbox.GracePeriod <= 0 || c.Sandbox.KillWait <= 0 || c.Sandbox.ReclaimTimeout <= 0 {
		return errors.New("sandbox.grace_period, sandbox.kill_wait and sandbox.reclaim_timeout must be positive")
	}

	if c.Limits.MaxSourceBytes <= 0 {
		return fmt.Errorf("limits.max_source_bytes must be positive, got: %d", c.Limits.MaxSourceBytes)
	}

	if c.Reaper.Enabled && (c.Reaper.Interval <= 0 || c.Reaper.MaxAge <= 0) {
		return errors.New("reaper.interval and reaper.max_age must be positive when the reaper is enabled")
	}

	// The reaper force-removes anything older than max_age, so it must outlive every supervised unit.
	if lifetime := c.MaxUnitLifetime(); c.Reaper.Enabled && c.Reaper.MaxAge <= lifetime {
		return fmt.Errorf("reaper.max_age (%s) must exceed the longest unit lifetime (%s): "+
			"max timeout plus sandbox.grace_period, sandbox.kill_wait and sandbox.reclaim_timeout",
			c.Reaper.MaxAge, lifetime)
	}

	for name, p := range c.Profiles {
		if p.Timeout <= 0 {
			return fmt.Errorf("profiles.%s.timeout must be positive, got: %s", name, p.Timeout)
		}
		if p.MemoryMB <= 0 {
			return fmt.Errorf("profiles.%s.memory_mb must be positive, got: %d", name, p.MemoryMB)
		}
		if p.MaxOutputBytes <= 0 {
			return fmt.Errorf("profiles.%s.max_output_bytes must be positive, got: %d", name, p.MaxOutputBytes)
		}
	}

	for lang, l := range c.Languages {
		if l.Image == "" {
			return fmt.Errorf("languages.%s.image must be set", lang)
		}
		if len(l.Command) == 0 {
			return fmt.Errorf("languages.%s.command must be set", lang)
		}
		if err := model.CheckNonRootUser(l.User); err != nil {
			return fmt.Errorf("languages.%s.user: %w", lang, err)
		}
		if _, ok := c.Profiles[l.Profile]; !ok {
			return fmt.Errorf("languages.%s.profile references unknown profile %q", lang, l.Profile)
		}
	}

	return nil
}

// MaxUnitLifetime bounds how long a unit can live: the largest timeout any
// submission may get plus termination and reclaim
func (c *Config) MaxUnitLifetime() time.Duration {
	timeout := c.Limits.MaxTimeout
	for _, p := range c.Profiles {
		timeout = max(timeout, p.Timeout)
	}
	return timeout + c.Sandbox.GracePeriod + c.Sandbox.KillWait + c.Sandbox.ReclaimTimeout
}

// GetQueueTimeout returns how long Execute may wait for a slot; zero means no limit
func (c *Config) GetQueueTimeout() time.Duration {
	return c.Sandbox.QueueTimeout
}
