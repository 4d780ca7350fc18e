package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/charmbracelet/lipgloss"

	"grimm.is/chainwall/internal/brand"
	"grimm.is/chainwall/internal/config"
	"grimm.is/chainwall/internal/firewall"
	"grimm.is/chainwall/internal/i18n"
	"grimm.is/chainwall/internal/logging"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

var (
	colorAccent = lipgloss.Color("#A8D8EA")
	colorMuted  = lipgloss.Color("#596E79")
	colorAlert  = lipgloss.Color("#FF6B6B")
	colorGood   = lipgloss.Color("#4ECDC4")

	styleHeader = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(colorMuted)

	styleGood  = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	styleBad   = lipgloss.NewStyle().Foreground(colorAlert).Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
)

// verdictStyle colours a verdict or action name.
func verdictStyle(name string) string {
	switch name {
	case "accept":
		return styleGood.Render(name)
	case "drop", "reject":
		return styleBad.Render(name)
	default:
		return name
	}
}

// loadConfig reads the daemon configuration. A missing file at the default
// location yields the defaults; a missing file named explicitly is an error.
func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = brand.ConfigPath()
	}
	cfg, err := config.LoadFile(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// offlineEngine builds an engine sized by cfg for inspecting rule files.
// It logs only errors and publishes nowhere.
func offlineEngine(cfg *config.Config, opts ...func(*firewall.Options)) (*firewall.Engine, error) {
	logger := logging.New(logging.Config{Level: logging.LevelError, Output: os.Stderr})
	o, err := cfg.EngineOptions(logger, nil, nil)
	if err != nil {
		return nil, err
	}
	for _, fn := range opts {
		fn(&o)
	}
	return firewall.New(o)
}

// loadRulesFile loads path into a fresh offline engine.
func loadRulesFile(cfg *config.Config, path string) (*firewall.Engine, error) {
	e, err := offlineEngine(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.LoadRules(path); err != nil {
		e.Shutdown()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return e, nil
}
