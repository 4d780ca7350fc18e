package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"grimm.is/chainwall/internal/firewall"
	"grimm.is/chainwall/internal/logging"
)

func TestLoadHCL_Full(t *testing.T) {
	input := `
schema_version = "1.0"
rules_file     = "/tmp/rules.hcl"
state_dir      = "/tmp/state"

limits {
  max_rules          = 512
  max_chains         = 4
  builtin_chain_size = 128
}

chain_policy "inbound" {
  policy = "drop"
}

chain_policy "outbound" {
  policy = "accept"
}

conntrack {
  buckets          = 1024
  max_entries      = 4096
  tick             = "500ms"
  timeout          = "2m"
  sweep_interval   = "10s"
  checkpoint       = true
  seed_from_kernel = true
}

logging {
  level = "debug"
  json  = true
}

metrics {
  enabled = true
  listen  = ":9999"
}

nfqueue {
  enabled        = true
  inbound_queue  = 10
  outbound_queue = 11
}
`
	cfg, err := LoadHCL([]byte(input), "test.hcl")
	if err != nil {
		t.Fatalf("LoadHCL failed: %v", err)
	}

	if cfg.RulesFile != "/tmp/rules.hcl" || cfg.StateDir != "/tmp/state" {
		t.Errorf("paths not loaded: %q %q", cfg.RulesFile, cfg.StateDir)
	}
	if cfg.Limits.MaxRules != 512 || cfg.Limits.BuiltinChainSize != 128 {
		t.Errorf("limits not loaded: %+v", cfg.Limits)
	}
	if cfg.Policy("inbound") != "drop" {
		t.Errorf("expected inbound drop, got %s", cfg.Policy("inbound"))
	}
	if !cfg.Conntrack.SeedFromKernel || !cfg.Conntrack.Checkpoint {
		t.Errorf("conntrack flags not loaded: %+v", cfg.Conntrack)
	}
	// Unset fields inside a present block still get defaults
	if cfg.Conntrack.CheckpointInterval != DefaultCheckpointInterval {
		t.Errorf("expected default checkpoint interval, got %q", cfg.Conntrack.CheckpointInterval)
	}
	if cfg.NFQueue.MaxQueueLen != DefaultMaxQueueLen {
		t.Errorf("expected default queue length, got %d", cfg.NFQueue.MaxQueueLen)
	}

	d, err := cfg.ConntrackDurations()
	if err != nil {
		t.Fatalf("ConntrackDurations failed: %v", err)
	}
	if d.Tick != 500*time.Millisecond || d.Timeout != 2*time.Minute || d.SweepInterval != 10*time.Second {
		t.Errorf("unexpected durations: %+v", d)
	}
}

func TestLoadHCL_Empty(t *testing.T) {
	cfg, err := LoadHCL([]byte(""), "empty.hcl")
	if err != nil {
		t.Fatalf("LoadHCL failed: %v", err)
	}

	if cfg.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("expected schema version %s, got %s", CurrentSchemaVersion, cfg.SchemaVersion)
	}
	if cfg.RulesFile != DefaultRulesFile {
		t.Errorf("expected default rules file, got %s", cfg.RulesFile)
	}
	if cfg.Limits.MaxRules != 1024 || cfg.Limits.MaxChains != 8 || cfg.Limits.BuiltinChainSize != 256 {
		t.Errorf("unexpected default limits: %+v", cfg.Limits)
	}
	if !cfg.Conntrack.Checkpoint || cfg.Conntrack.SeedFromKernel {
		t.Errorf("unexpected default conntrack flags: %+v", cfg.Conntrack)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != DefaultMetricsListen {
		t.Errorf("unexpected default metrics: %+v", cfg.Metrics)
	}
	if cfg.NFQueue.Enabled {
		t.Error("nfqueue should be disabled by default")
	}
}

func TestLoadHCL_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"syntax", `limits {`, "parse error"},
		{"unknown attribute", `bogus = 1`, "decode error"},
		{"unsupported version", `schema_version = "2.0"`, "unsupported schema version"},
		{"bad version", `schema_version = "one"`, "invalid version"},
		{"bad policy", `chain_policy "inbound" { policy = "maybe" }`, "chain_policy.inbound.policy"},
		{"user chain policy", `chain_policy "web" { policy = "drop" }`, "only built-in chains"},
		{"buckets", `conntrack { buckets = 100 }`, "conntrack.buckets"},
		{"duration", `conntrack { timeout = "soon" }`, "conntrack.timeout"},
		{"zero duration", `conntrack { sweep_interval = "0s" }`, "must be positive"},
		{"limits", "limits {\n max_rules = 100\n builtin_chain_size = 64\n}", "limits.builtin_chain_size"},
		{"log level", `logging { level = "loud" }`, "logging.level"},
		{"listen", "metrics {\n enabled = true\n listen = \"9184\"\n}", "metrics.listen"},
		{"same queue", "nfqueue {\n enabled = true\n inbound_queue = 3\n outbound_queue = 3\n}", "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.input), "bad.hcl")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainwall.hcl")
	if err := os.WriteFile(path, []byte(`rules_file = "/srv/rules.hcl"`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.RulesFile != "/srv/rules.hcl" {
		t.Errorf("expected /srv/rules.hcl, got %s", cfg.RulesFile)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.hcl")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEngineOptions(t *testing.T) {
	cfg, err := LoadHCL([]byte(`
limits {
  max_rules          = 64
  builtin_chain_size = 16
}
chain_policy "outbound" { policy = "reject" }
conntrack {
  buckets     = 16
  max_entries = 100
  tick        = "250ms"
}
`), "engine.hcl")
	if err != nil {
		t.Fatalf("LoadHCL failed: %v", err)
	}

	opts, err := cfg.EngineOptions(logging.Discard(), nil, nil)
	if err != nil {
		t.Fatalf("EngineOptions failed: %v", err)
	}
	if opts.MaxRules != 64 || opts.BuiltinChainSize != 16 || opts.MaxChains != 8 {
		t.Errorf("unexpected limits: %+v", opts)
	}
	if opts.InboundPolicy != firewall.VerdictAllow || opts.OutboundPolicy != firewall.VerdictReject {
		t.Errorf("unexpected policies: %v %v", opts.InboundPolicy, opts.OutboundPolicy)
	}
	if opts.Conntrack.Buckets != 16 || opts.Conntrack.MaxEntries != 100 {
		t.Errorf("unexpected conntrack options: %+v", opts.Conntrack)
	}
	if opts.TickResolution != 250*time.Millisecond {
		t.Errorf("unexpected tick: %v", opts.TickResolution)
	}

	e, err := firewall.New(opts)
	if err != nil {
		t.Fatalf("engine rejected options: %v", err)
	}
	defer e.Shutdown()
	if e.MaxRules() != 64 {
		t.Errorf("expected 64 rules, got %d", e.MaxRules())
	}
}

func TestLoggerConfig(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "warn"
	cfg.Logging.JSON = true

	lc := cfg.LoggerConfig()
	if lc.Level != logging.LevelWarn || !lc.JSON {
		t.Errorf("unexpected logger config: %+v", lc)
	}
}

func TestValidationErrors(t *testing.T) {
	var none ValidationErrors
	if none.HasErrors() || none.Error() != "" {
		t.Error("empty ValidationErrors should report nothing")
	}

	errs := ValidationErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}
	if !errs.HasErrors() {
		t.Error("HasErrors should be true")
	}
	if errs.Error() != "a: bad; b: worse" {
		t.Errorf("unexpected message: %s", errs.Error())
	}
}
