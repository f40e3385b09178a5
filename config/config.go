// Package config loads the searchsync configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"searchsync/agent"
	"searchsync/cluster"
	"searchsync/db"
	"searchsync/processing"
	"searchsync/shard"
	"searchsync/worker"
)

// Environment variables that override the file.
const (
	EnvDatabaseURL    = "DATABASE_URL"
	EnvDriver         = "SEARCHSYNC_DRIVER"
	EnvAdminJWTSecret = "SEARCHSYNC_ADMIN_JWT_SECRET"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	// AgentName prefixes the names of the agents this process runs. Defaults
	// to the host name.
	AgentName  string     `yaml:"agent_name"`
	Database   Database   `yaml:"database"`
	Schema     db.Schema  `yaml:"schema"`
	Processing Processing `yaml:"processing"`
	Sharding   Sharding   `yaml:"sharding"`
	Admin      Admin      `yaml:"admin"`
}

type Database struct {
	Driver       string          `yaml:"driver"`
	URL          string          `yaml:"url"`
	LockStrategy db.LockStrategy `yaml:"lock_strategy"`
	MaxConns     int             `yaml:"max_conns"`
}

type Processing struct {
	PollingInterval    time.Duration `yaml:"polling_interval"`
	PulseInterval      time.Duration `yaml:"pulse_interval"`
	PulseExpiration    time.Duration `yaml:"pulse_expiration"`
	BatchSize          int           `yaml:"batch_size"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	MaxRetries         int           `yaml:"max_retries"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
}

// Sharding selects dynamic sharding (the default) or a static layout. In
// static mode the process runs one agent per assigned shard.
type Sharding struct {
	Static          bool  `yaml:"static"`
	TotalShardCount int   `yaml:"total_shard_count"`
	AssignedShards  []int `yaml:"assigned_shards"`
}

type Admin struct {
	// Addr is the admin API listen address. Empty disables the API.
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Database: Database{
			Driver:       db.DriverPostgres,
			LockStrategy: db.LockSkipLocked,
		},
		Schema: db.DefaultSchema(),
		Processing: Processing{
			PollingInterval: 100 * time.Millisecond,
			PulseInterval:   2 * time.Second,
			PulseExpiration: 30 * time.Second,
			BatchSize:       50,
			RetryDelay:      0,
			MaxRetries:      3,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if cfg.AgentName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "searchsync"
		}
		cfg.AgentName = host
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Database.URL = v
	}
	if v, ok := lookup(EnvDriver); ok && v != "" {
		c.Database.Driver = v
	}
	if v, ok := lookup(EnvAdminJWTSecret); ok && v != "" {
		c.Admin.JWTSecret = v
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if err := c.Schema.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Database.LockStrategy {
	case "", db.LockSkipLocked, db.LockBlocking:
	default:
		return fmt.Errorf("%w: unknown lock strategy %q", ErrInvalid, c.Database.LockStrategy)
	}
	if err := c.WorkerConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !c.Sharding.Static {
		return nil
	}
	if len(c.Sharding.AssignedShards) == 0 {
		return fmt.Errorf("%w: static sharding requires assigned_shards", ErrInvalid)
	}
	seen := map[int]bool{}
	for _, idx := range c.Sharding.AssignedShards {
		a := shard.Assignment{TotalShardCount: c.Sharding.TotalShardCount, AssignedShardIndex: idx}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if seen[idx] {
			return fmt.Errorf("%w: shard %d assigned twice", ErrInvalid, idx)
		}
		seen[idx] = true
	}
	return nil
}

// Timing returns the cluster protocol intervals.
func (c Config) Timing() cluster.Timing {
	return cluster.Timing{
		PollingInterval: c.Processing.PollingInterval,
		PulseInterval:   c.Processing.PulseInterval,
		PulseExpiration: c.Processing.PulseExpiration,
	}
}

// WorkerConfig returns the event processor settings.
func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		Timing:             c.Timing(),
		BatchSize:          c.Processing.BatchSize,
		TransactionTimeout: c.Processing.TransactionTimeout,
		Retry: processing.RetryPolicy{
			MaxRetries: c.Processing.MaxRetries,
			Delay:      c.Processing.RetryDelay,
		},
	}
}

// DBOptions returns the connection options.
func (c Config) DBOptions() db.Options {
	return db.Options{
		Driver:       c.Database.Driver,
		DSN:          c.Database.URL,
		LockStrategy: c.Database.LockStrategy,
		MaxConns:     c.Database.MaxConns,
	}
}

// Members returns the event-processing agents this process runs.
func (c Config) Members() []cluster.Member {
	if !c.Sharding.Static {
		return []cluster.Member{{Type: agent.TypeDynamicSharding, Name: c.AgentName}}
	}
	members := make([]cluster.Member, 0, len(c.Sharding.AssignedShards))
	for _, idx := range c.Sharding.AssignedShards {
		a := shard.Assignment{TotalShardCount: c.Sharding.TotalShardCount, AssignedShardIndex: idx}
		members = append(members, cluster.Member{
			Type:   agent.TypeStaticSharding,
			Name:   fmt.Sprintf("%s-%d", c.AgentName, idx),
			Static: &a,
		})
	}
	return members
}
