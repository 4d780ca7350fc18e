package config

import (
	"time"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the chainwall configuration.
type Config struct {
	// Schema version for backward compatibility (e.g., "1.0")
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Rule file loaded at startup and written by save operations.
	RulesFile string `hcl:"rules_file,optional" json:"rules_file"`

	// Directory for the state database.
	StateDir string `hcl:"state_dir,optional" json:"state_dir"`

	Limits        *LimitsConfig       `hcl:"limits,block" json:"limits,omitempty"`
	ChainPolicies []ChainPolicyConfig `hcl:"chain_policy,block" json:"chain_policies,omitempty"`
	Conntrack     *ConntrackConfig    `hcl:"conntrack,block" json:"conntrack,omitempty"`
	Logging       *LoggingConfig      `hcl:"logging,block" json:"logging,omitempty"`
	Metrics       *MetricsConfig      `hcl:"metrics,block" json:"metrics,omitempty"`
	NFQueue       *NFQueueConfig      `hcl:"nfqueue,block" json:"nfqueue,omitempty"`
}

// LimitsConfig sizes the rule table.
type LimitsConfig struct {
	MaxRules         int `hcl:"max_rules,optional" json:"max_rules"`
	MaxChains        int `hcl:"max_chains,optional" json:"max_chains"`
	BuiltinChainSize int `hcl:"builtin_chain_size,optional" json:"builtin_chain_size"`
}

// ChainPolicyConfig sets the default verdict of a built-in chain.
type ChainPolicyConfig struct {
	Chain  string `hcl:"chain,label" json:"chain"`
	Policy string `hcl:"policy" json:"policy"` // accept, drop or reject
}

// ConntrackConfig configures the connection tracker and its services.
type ConntrackConfig struct {
	Buckets       int    `hcl:"buckets,optional" json:"buckets"`
	MaxEntries    int    `hcl:"max_entries,optional" json:"max_entries"`
	Tick          string `hcl:"tick,optional" json:"tick"`
	Timeout       string `hcl:"timeout,optional" json:"timeout"`
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval"`

	// Checkpoint the table to the state store and restore it at startup.
	Checkpoint         bool   `hcl:"checkpoint,optional" json:"checkpoint"`
	CheckpointInterval string `hcl:"checkpoint_interval,optional" json:"checkpoint_interval,omitempty"`
	CheckpointTTL      string `hcl:"checkpoint_ttl,optional" json:"checkpoint_ttl,omitempty"`

	// Seed the table from the kernel's conntrack table at startup (Linux).
	SeedFromKernel bool `hcl:"seed_from_kernel,optional" json:"seed_from_kernel"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level"`
	JSON  bool   `hcl:"json,optional" json:"json"`

	// Number of recent entries kept in memory for /debug/logs.
	BufferSize int `hcl:"buffer_size,optional" json:"buffer_size,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen"`
}

// NFQueueConfig binds the engine to kernel NFQUEUE queues, one per direction.
type NFQueueConfig struct {
	Enabled       bool `hcl:"enabled,optional" json:"enabled"`
	InboundQueue  int  `hcl:"inbound_queue,optional" json:"inbound_queue"`
	OutboundQueue int  `hcl:"outbound_queue,optional" json:"outbound_queue"`
	MaxQueueLen   int  `hcl:"max_queue_len,optional" json:"max_queue_len,omitempty"`
}

// Defaults
const (
	DefaultRulesFile          = "/etc/chainwall/rules.hcl"
	DefaultStateDir           = "/var/lib/chainwall"
	DefaultTick               = "1s"
	DefaultTimeout            = "5m"
	DefaultSweepInterval      = "30s"
	DefaultCheckpointInterval = "1m"
	DefaultCheckpointTTL      = "15m"
	DefaultMetricsListen      = "127.0.0.1:9184"
	DefaultMaxQueueLen        = 1024
	DefaultLogLevel           = "info"
	DefaultLogBufferSize      = 5000
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.RulesFile == "" {
		c.RulesFile = DefaultRulesFile
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}

	if c.Limits == nil {
		c.Limits = &LimitsConfig{}
	}
	if c.Limits.MaxRules == 0 {
		c.Limits.MaxRules = 1024
	}
	if c.Limits.MaxChains == 0 {
		c.Limits.MaxChains = 8
	}
	if c.Limits.BuiltinChainSize == 0 {
		c.Limits.BuiltinChainSize = 256
	}

	if c.Conntrack == nil {
		c.Conntrack = &ConntrackConfig{Checkpoint: true}
	}
	ct := c.Conntrack
	if ct.Buckets == 0 {
		ct.Buckets = 256
	}
	if ct.MaxEntries == 0 {
		ct.MaxEntries = 65536
	}
	if ct.Tick == "" {
		ct.Tick = DefaultTick
	}
	if ct.Timeout == "" {
		ct.Timeout = DefaultTimeout
	}
	if ct.SweepInterval == "" {
		ct.SweepInterval = DefaultSweepInterval
	}
	if ct.CheckpointInterval == "" {
		ct.CheckpointInterval = DefaultCheckpointInterval
	}
	if ct.CheckpointTTL == "" {
		ct.CheckpointTTL = DefaultCheckpointTTL
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.BufferSize == 0 {
		c.Logging.BufferSize = DefaultLogBufferSize
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{Enabled: true}
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}

	if c.NFQueue == nil {
		c.NFQueue = &NFQueueConfig{InboundQueue: 0, OutboundQueue: 1}
	}
	if c.NFQueue.MaxQueueLen == 0 {
		c.NFQueue.MaxQueueLen = DefaultMaxQueueLen
	}
}

// Policy returns the configured default policy for a built-in chain, or
// "accept" when none is set.
func (c *Config) Policy(chain string) string {
	for _, p := range c.ChainPolicies {
		if p.Chain == chain {
			return p.Policy
		}
	}
	return "accept"
}

// Durations holds the parsed conntrack timers. Call only on a validated
// config.
type Durations struct {
	Tick               time.Duration
	Timeout            time.Duration
	SweepInterval      time.Duration
	CheckpointInterval time.Duration
	CheckpointTTL      time.Duration
}

// ConntrackDurations parses the conntrack timers.
func (c *Config) ConntrackDurations() (Durations, error) {
	var d Durations
	var err error
	ct := c.Conntrack
	if d.Tick, err = parseDuration("conntrack.tick", ct.Tick); err != nil {
		return d, err
	}
	if d.Timeout, err = parseDuration("conntrack.timeout", ct.Timeout); err != nil {
		return d, err
	}
	if d.SweepInterval, err = parseDuration("conntrack.sweep_interval", ct.SweepInterval); err != nil {
		return d, err
	}
	if d.CheckpointInterval, err = parseDuration("conntrack.checkpoint_interval", ct.CheckpointInterval); err != nil {
		return d, err
	}
	if d.CheckpointTTL, err = parseDuration("conntrack.checkpoint_ttl", ct.CheckpointTTL); err != nil {
		return d, err
	}
	return d, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, ValidationError{Field: field, Message: err.Error()}
	}
	if d <= 0 {
		return 0, ValidationError{Field: field, Message: "must be positive"}
	}
	return d, nil
}
