package config

import (
	"grimm.is/chainwall/internal/clock"
	"grimm.is/chainwall/internal/conntrack"
	"grimm.is/chainwall/internal/events"
	"grimm.is/chainwall/internal/firewall"
	"grimm.is/chainwall/internal/logging"
)

// EngineOptions maps a validated configuration onto firewall engine options.
func (c *Config) EngineOptions(logger *logging.Logger, hub *events.Hub, clk clock.Clock) (firewall.Options, error) {
	d, err := c.ConntrackDurations()
	if err != nil {
		return firewall.Options{}, err
	}
	in, err := firewall.ParseVerdict(c.Policy(firewall.ChainInbound))
	if err != nil {
		return firewall.Options{}, err
	}
	out, err := firewall.ParseVerdict(c.Policy(firewall.ChainOutbound))
	if err != nil {
		return firewall.Options{}, err
	}

	opts := firewall.DefaultOptions()
	opts.MaxRules = c.Limits.MaxRules
	opts.MaxChains = c.Limits.MaxChains
	opts.BuiltinChainSize = c.Limits.BuiltinChainSize
	opts.InboundPolicy = in
	opts.OutboundPolicy = out
	opts.Conntrack = conntrack.Options{
		Buckets:    c.Conntrack.Buckets,
		MaxEntries: c.Conntrack.MaxEntries,
	}
	opts.Clock = clk
	opts.TickResolution = d.Tick
	opts.Logger = logger
	opts.Events = hub
	return opts, nil
}

// LoggerConfig maps the logging block onto a logger configuration.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = lvl
	}
	cfg.JSON = c.Logging.JSON
	return cfg
}
