// Package config handles HCL configuration parsing, defaults and validation
// for the chainwall daemon and CLI.
//
// # Overview
//
// The configuration file is HCL. Every block is optional; missing values
// take the defaults returned by [Default]. Loading always applies defaults
// before validation, so a validated [Config] is complete.
//
// # Configuration Blocks
//
//   - limits: rule table and chain limits
//   - chain_policy: default verdict of a built-in chain
//   - conntrack: connection tracker sizing and timers
//   - logging: level and output format
//   - metrics: Prometheus endpoint
//   - nfqueue: kernel packet queues feeding the engine
//
// Example:
//
//	schema_version = "1.0"
//	rules_file     = "/etc/chainwall/rules.hcl"
//
//	chain_policy "inbound" {
//	  policy = "drop"
//	}
//
//	conntrack {
//	  timeout        = "5m"
//	  sweep_interval = "30s"
//	}
package config
