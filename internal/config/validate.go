package config

import (
	"fmt"
	"net"
	"strings"

	"grimm.is/chainwall/internal/firewall"
	"grimm.is/chainwall/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateLimits()...)
	errs = append(errs, c.validatePolicies()...)
	errs = append(errs, c.validateConntrack()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateMetrics()...)
	errs = append(errs, c.validateNFQueue()...)

	return errs
}

func (c *Config) validateLimits() ValidationErrors {
	var errs ValidationErrors
	l := c.Limits
	if l.MaxRules <= 0 {
		errs = append(errs, ValidationError{Field: "limits.max_rules", Message: "must be positive"})
	}
	if l.MaxChains < 2 {
		errs = append(errs, ValidationError{Field: "limits.max_chains", Message: "must be at least 2 for the built-in chains"})
	}
	if l.BuiltinChainSize <= 0 || 2*l.BuiltinChainSize > l.MaxRules {
		errs = append(errs, ValidationError{
			Field:   "limits.builtin_chain_size",
			Message: fmt.Sprintf("%d does not fit twice in %d rules", l.BuiltinChainSize, l.MaxRules),
		})
	}
	return errs
}

func (c *Config) validatePolicies() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for _, p := range c.ChainPolicies {
		field := fmt.Sprintf("chain_policy.%s", p.Chain)
		if p.Chain != firewall.ChainInbound && p.Chain != firewall.ChainOutbound {
			errs = append(errs, ValidationError{Field: field, Message: "only built-in chains take a configured policy"})
		}
		if seen[p.Chain] {
			errs = append(errs, ValidationError{Field: field, Message: "defined more than once"})
		}
		seen[p.Chain] = true
		if _, err := firewall.ParseVerdict(p.Policy); err != nil {
			errs = append(errs, ValidationError{Field: field + ".policy", Message: err.Error()})
		}
	}
	return errs
}

func (c *Config) validateConntrack() ValidationErrors {
	var errs ValidationErrors
	ct := c.Conntrack
	if ct.Buckets <= 0 || ct.Buckets&(ct.Buckets-1) != 0 {
		errs = append(errs, ValidationError{Field: "conntrack.buckets", Message: fmt.Sprintf("%d is not a power of two", ct.Buckets)})
	}
	if ct.MaxEntries < 0 {
		errs = append(errs, ValidationError{Field: "conntrack.max_entries", Message: "must not be negative"})
	}
	if _, err := c.ConntrackDurations(); err != nil {
		if ve, ok := err.(ValidationError); ok {
			errs = append(errs, ve)
		}
	}
	return errs
}

func (c *Config) validateLogging() ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if c.Logging.BufferSize < 0 {
		errs = append(errs, ValidationError{Field: "logging.buffer_size", Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateMetrics() ValidationErrors {
	if !c.Metrics.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
		return ValidationErrors{{Field: "metrics.listen", Message: err.Error()}}
	}
	return nil
}

func (c *Config) validateNFQueue() ValidationErrors {
	q := c.NFQueue
	if !q.Enabled {
		return nil
	}
	var errs ValidationErrors
	for field, n := range map[string]int{"nfqueue.inbound_queue": q.InboundQueue, "nfqueue.outbound_queue": q.OutboundQueue} {
		if n < 0 || n > 0xffff {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("queue %d out of range", n)})
		}
	}
	if q.InboundQueue == q.OutboundQueue {
		errs = append(errs, ValidationError{Field: "nfqueue", Message: "inbound and outbound queues must differ"})
	}
	if q.MaxQueueLen <= 0 {
		errs = append(errs, ValidationError{Field: "nfqueue.max_queue_len", Message: "must be positive"})
	}
	return errs
}
