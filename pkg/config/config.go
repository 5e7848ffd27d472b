package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed view of the NetPulse configuration, supplied via a
// YAML file with NETPULSE_-prefixed environment overrides.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Job    JobConfig
	Worker WorkerConfig
	Plugin PluginConfig
	Log    LogConfig
}

// ServerConfig covers the REST API surface.
type ServerConfig struct {
	Addr       string
	APIKey     string
	APIKeyName string
}

// StoreConfig covers the shared store connection.
type StoreConfig struct {
	Host             string
	Port             int
	Password         string
	DB               int
	TLS              bool
	SentinelEnabled  bool
	SentinelMaster   string
	SentinelAddrs    []string
	SentinelPassword string
}

// Addr returns the host:port address of the store.
func (s StoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// JobConfig holds default lifetimes for submitted jobs.
type JobConfig struct {
	TTL       time.Duration
	Timeout   time.Duration
	ResultTTL time.Duration
}

// WorkerConfig covers node supervisors and worker processes.
type WorkerConfig struct {
	Scheduler       string
	TTL             time.Duration // node heartbeat expiry
	PinnedPerNode   int
	SpawnTimeout    time.Duration
	SpawnRetries    int
	DrainTimeout    time.Duration
	PollInterval    time.Duration
	FIFOConcurrency int
	LockDir         string
}

// PluginConfig holds plugin directory paths enumerated by the registries at
// boot.
type PluginConfig struct {
	DriverDir    string
	SchedulerDir string
}

// LogConfig covers logging setup.
type LogConfig struct {
	Level string
	JSON  bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:9000")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.api_key_name", "X-API-KEY")

	v.SetDefault("store.host", "127.0.0.1")
	v.SetDefault("store.port", 6379)
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.tls", false)
	v.SetDefault("store.sentinel.enabled", false)
	v.SetDefault("store.sentinel.master", "mymaster")
	v.SetDefault("store.sentinel.addrs", []string{})
	v.SetDefault("store.sentinel.password", "")

	v.SetDefault("job.ttl", "300s")
	v.SetDefault("job.timeout", "300s")
	v.SetDefault("job.result_ttl", "300s")

	v.SetDefault("worker.scheduler", "load_weighted_random")
	v.SetDefault("worker.ttl", "60s")
	v.SetDefault("worker.pinned_per_node", 32)
	v.SetDefault("worker.spawn_timeout", "10s")
	v.SetDefault("worker.spawn_retries", 3)
	v.SetDefault("worker.drain_timeout", "30s")
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.fifo_concurrency", 8)
	v.SetDefault("worker.lock_dir", "/var/run/netpulse")

	v.SetDefault("plugin.driver", "")
	v.SetDefault("plugin.scheduler", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// Load reads configuration from the given file path (optional) and the
// environment, and returns the typed config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:       v.GetString("server.addr"),
			APIKey:     v.GetString("server.api_key"),
			APIKeyName: v.GetString("server.api_key_name"),
		},
		Store: StoreConfig{
			Host:             v.GetString("store.host"),
			Port:             v.GetInt("store.port"),
			Password:         v.GetString("store.password"),
			DB:               v.GetInt("store.db"),
			TLS:              v.GetBool("store.tls"),
			SentinelEnabled:  v.GetBool("store.sentinel.enabled"),
			SentinelMaster:   v.GetString("store.sentinel.master"),
			SentinelAddrs:    v.GetStringSlice("store.sentinel.addrs"),
			SentinelPassword: v.GetString("store.sentinel.password"),
		},
		Job: JobConfig{
			TTL:       v.GetDuration("job.ttl"),
			Timeout:   v.GetDuration("job.timeout"),
			ResultTTL: v.GetDuration("job.result_ttl"),
		},
		Worker: WorkerConfig{
			Scheduler:       v.GetString("worker.scheduler"),
			TTL:             v.GetDuration("worker.ttl"),
			PinnedPerNode:   v.GetInt("worker.pinned_per_node"),
			SpawnTimeout:    v.GetDuration("worker.spawn_timeout"),
			SpawnRetries:    v.GetInt("worker.spawn_retries"),
			DrainTimeout:    v.GetDuration("worker.drain_timeout"),
			PollInterval:    v.GetDuration("worker.poll_interval"),
			FIFOConcurrency: v.GetInt("worker.fifo_concurrency"),
			LockDir:         v.GetString("worker.lock_dir"),
		},
		Plugin: PluginConfig{
			DriverDir:    v.GetString("plugin.driver"),
			SchedulerDir: v.GetString("plugin.scheduler"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Worker.PinnedPerNode <= 0 {
		return fmt.Errorf("worker.pinned_per_node must be positive")
	}
	if c.Worker.TTL <= 0 {
		return fmt.Errorf("worker.ttl must be positive")
	}
	if c.Worker.SpawnRetries < 1 {
		return fmt.Errorf("worker.spawn_retries must be at least 1")
	}
	return nil
}

// HeartbeatInterval derives the node heartbeat period from the node TTL so a
// node always heartbeats at least three times per expiry window.
func (c *Config) HeartbeatInterval() time.Duration {
	interval := c.Worker.TTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
