package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v2"
)

// RunShow prints the rules file at rulesFile in the given format: table,
// json or yaml.
func RunShow(w io.Writer, configFile, rulesFile, format string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if rulesFile == "" {
		rulesFile = cfg.RulesFile
	}

	e, err := loadRulesFile(cfg, rulesFile)
	if err != nil {
		return err
	}
	defer e.Shutdown()

	view, err := newRulesetView(e)
	if err != nil {
		return err
	}
	return writeView(w, view, format)
}

func writeView(w io.Writer, view rulesetView, format string) error {
	switch strings.ToLower(format) {
	case "", "table":
		return writeTable(w, view)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(view)
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func writeTable(w io.Writer, view rulesetView) error {
	Printer.Fprintln(w, styleMuted.Render("serial "+view.Serial))
	for _, c := range view.Chains {
		kind := "user"
		if c.BuiltIn {
			kind = "built-in"
		}
		Printer.Fprintln(w)
		Printer.Fprintln(w, styleHeader.Render(fmt.Sprintf("%s (%s, %d/%d slots, policy %s)",
			c.Name, kind, len(c.Rules), c.Capacity, c.Policy)))

		if len(c.Rules) == 0 {
			Printer.Fprintln(w, styleMuted.Render("  no rules"))
			continue
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		Printer.Fprintln(tw, "INDEX\tNAME\tDIR\tMATCH\tACTION\tHITS\tBYTES")
		for _, r := range c.Rules {
			action := verdictStyle(r.Action)
			if !r.Enabled {
				action = styleMuted.Render(r.Action + " (off)")
			}
			name := r.Name
			if name == "" {
				name = "-"
			}
			Printer.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\n",
				r.Index, name, r.Direction, r.match(), action, r.Hits, r.Bytes)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
