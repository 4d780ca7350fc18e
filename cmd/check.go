package cmd

import (
	"io"

	"grimm.is/chainwall/internal/firewall"
)

// RunCheck validates the configuration and the rules file it names (or
// rulesFile, if given) without touching the running daemon.
func RunCheck(w io.Writer, configFile, rulesFile string, verbose bool) error {
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

	chains := e.Chains()
	rules := 0
	for _, c := range chains {
		rules += c.InUse
	}

	Printer.Fprintf(w, "%s\n", styleGood.Render("Ruleset valid"))
	Printer.Fprintf(w, "Schema version: %s\n", cfg.SchemaVersion)
	Printer.Fprintf(w, "Rules file: %s\n", rulesFile)
	Printer.Fprintf(w, "Serial: %s\n", e.Serial())
	Printer.Fprintf(w, "Chains: %d of %d\n", len(chains), cfg.Limits.MaxChains)
	Printer.Fprintf(w, "Rules: %d of %d slots\n", rules, e.MaxRules())

	if verbose {
		for _, c := range chains {
			Printer.Fprintf(w, "  %-16s %4d/%-4d policy %s\n", c.Name, c.InUse, c.Capacity, c.Policy)
		}
		for _, warning := range lint(e) {
			Printer.Fprintf(w, "%s %s\n", styleBad.Render("warning:"), warning)
		}
	}
	return nil
}

// lint finds rules that load fine but can never do anything useful.
func lint(e *firewall.Engine) []string {
	var out []string
	for _, c := range e.Chains() {
		rules, err := e.ChainRules(c.Name)
		if err != nil {
			continue
		}
		for i, r := range rules {
			if !r.Enabled {
				out = append(out, Printer.Sprintf("chain %s: rule %d is disabled", c.Name, r.Index))
				continue
			}
			if r.Match == 0 && r.Action != firewall.ActionLog && i < len(rules)-1 {
				out = append(out, Printer.Sprintf("chain %s: rule %d matches everything; %d later rules are unreachable",
					c.Name, r.Index, len(rules)-1-i))
				break
			}
		}
	}
	return out
}
