package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type EngineConfig struct {
	PoolSize   int    `mapstructure:"pool_size"`
	CacheTTLMs int    `mapstructure:"cache_ttl_ms"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	QueueLimit int    `mapstructure:"queue_limit"`
	Dispatch   string `mapstructure:"dispatch"`
}

type SandboxConfig struct {
	Entry       string `mapstructure:"entry"`
	MemoryPages int    `mapstructure:"memory_pages"`
}

type RegistryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Server          ServerConfig   `mapstructure:"server"`
	Engine          EngineConfig   `mapstructure:"engine"`
	Sandbox         SandboxConfig  `mapstructure:"sandbox"`
	Registry        RegistryConfig `mapstructure:"registry"`
	ModulesManifest string         `mapstructure:"modules_manifest"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("stratus")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.stratus")

	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.pool_size", 2)
	v.SetDefault("engine.cache_ttl_ms", 1000)
	v.SetDefault("engine.timeout_ms", 5000)
	v.SetDefault("engine.queue_limit", 0)
	v.SetDefault("engine.dispatch", "lifo")
	v.SetDefault("sandbox.entry", "_start")
	v.SetDefault("sandbox.memory_pages", 1)
	v.SetDefault("registry.db_path", ":memory:")

	// The config file is optional: everything has a default.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.PoolSize < 1 {
		return fmt.Errorf("engine.pool_size must be >= 1, got %d", c.Engine.PoolSize)
	}
	if c.Engine.CacheTTLMs < 1 {
		return fmt.Errorf("engine.cache_ttl_ms must be >= 1, got %d", c.Engine.CacheTTLMs)
	}
	if c.Engine.TimeoutMs < 1 {
		return fmt.Errorf("engine.timeout_ms must be >= 1, got %d", c.Engine.TimeoutMs)
	}
	if c.Sandbox.MemoryPages < 1 {
		return fmt.Errorf("sandbox.memory_pages must be >= 1, got %d", c.Sandbox.MemoryPages)
	}
	switch c.Engine.Dispatch {
	case "lifo", "fifo":
	default:
		return fmt.Errorf("engine.dispatch must be lifo or fifo, got %q", c.Engine.Dispatch)
	}
	return nil
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Engine.CacheTTLMs) * time.Millisecond
}

func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutMs) * time.Millisecond
}
