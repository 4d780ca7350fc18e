package cmd

import (
	"io"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/chainwall/internal/config"
)

// RunDiff compares two rules files by content. It reports whether they
// differ and prints a unified diff when they do.
func RunDiff(w io.Writer, configFile, fromFile, toFile string) (bool, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return false, err
	}

	from, err := rulesLines(cfg, fromFile)
	if err != nil {
		return false, err
	}
	to, err := rulesLines(cfg, toFile)
	if err != nil {
		return false, err
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        from,
		B:        to,
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  3,
	})
	if err != nil {
		return false, err
	}
	if text == "" {
		Printer.Fprintln(w, "No changes detected.")
		return false, nil
	}
	_, err = io.WriteString(w, text)
	return true, err
}

func rulesLines(cfg *config.Config, path string) ([]string, error) {
	e, err := loadRulesFile(cfg, path)
	if err != nil {
		return nil, err
	}
	defer e.Shutdown()

	view, err := newRulesetView(e)
	if err != nil {
		return nil, err
	}
	return view.lines(), nil
}
