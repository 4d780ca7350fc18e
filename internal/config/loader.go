package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadFile reads, defaults and validates the HCL config at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadHCL(data, path)
}

// LoadHCL parses HCL bytes, applies defaults and validates the result.
// filename is used in diagnostics.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	// Check the version before decoding so an incompatible file reports
	// that rather than a schema mismatch.
	var versionProbe struct {
		SchemaVersion string `hcl:"schema_version,optional"`
	}
	_ = gohcl.DecodeBody(file.Body, nil, &versionProbe)

	version, err := ParseVersion(versionProbe.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if !IsSupportedVersion(version) {
		return nil, fmt.Errorf("unsupported schema version %s", version)
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}

	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return &cfg, nil
}
