// Package brand provides the product name and default paths.
//
// The identity is loaded from brand.json at compile time via go:embed so
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Vendor           string `json:"vendor"`
	Website          string `json:"website"`
	Repository       string `json:"repository"`
	Description      string `json:"description"`
	Tagline          string `json:"tagline"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	RulesFileName    string `json:"rulesFileName"`
	License          string `json:"license"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	BinaryName = b.BinaryName
}

var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	BinaryName       string

	// Set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// GetStateDir returns the state directory.
// Priority: CHAINWALL_STATE_DIR > CHAINWALL_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	return dirFromEnv("_STATE_DIR", "state", DefaultStateDir)
}

// GetConfigDir returns the config directory.
// Priority: CHAINWALL_CONFIG_DIR > CHAINWALL_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return dirFromEnv("_CONFIG_DIR", "config", DefaultConfigDir)
}

func dirFromEnv(suffix, sub, def string) string {
	if dir := os.Getenv(ConfigEnvPrefix + suffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// ConfigPath is the default daemon configuration file.
func ConfigPath() string {
	return filepath.Join(GetConfigDir(), b.ConfigFileName)
}

// RulesPath is the default ruleset file.
func RulesPath() string {
	return filepath.Join(GetConfigDir(), b.RulesFileName)
}

// VersionString is the one-line version banner.
func VersionString() string {
	return Name + " " + Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
