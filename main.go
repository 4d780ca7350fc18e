package main

import (
	"flag"
	"net/netip"
	"os"
	"strings"

	"grimm.is/chainwall/cmd"
	"grimm.is/chainwall/internal/brand"
	"grimm.is/chainwall/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", "", "Configuration file (default "+brand.ConfigPath()+")")
		runFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		runFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Firewall failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := checkFlags.String("config", "", "Configuration file")
		checkFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		if err := cmd.RunCheck(os.Stdout, *configFile, checkFlags.Arg(0), *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "show":
		showFlags := flag.NewFlagSet("show", flag.ExitOnError)
		configFile := showFlags.String("config", "", "Configuration file")
		showFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		format := showFlags.String("format", "table", "Output format: table, json or yaml")
		showFlags.StringVar(format, "o", "table", "Output format (short)")
		showFlags.Parse(os.Args[2:])

		if err := cmd.RunShow(os.Stdout, *configFile, showFlags.Arg(0), *format); err != nil {
			printer.Fprintf(os.Stderr, "Show failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		diffFlags := flag.NewFlagSet("diff", flag.ExitOnError)
		configFile := diffFlags.String("config", "", "Configuration file")
		diffFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		diffFlags.Parse(os.Args[2:])

		if diffFlags.NArg() != 2 {
			printer.Println("Usage: " + brand.BinaryName + " diff [-c config] <old-rules> <new-rules>")
			os.Exit(1)
		}
		changed, err := cmd.RunDiff(os.Stdout, *configFile, diffFlags.Arg(0), diffFlags.Arg(1))
		if err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
		if changed {
			os.Exit(1)
		}

	case "history":
		historyFlags := flag.NewFlagSet("history", flag.ExitOnError)
		configFile := historyFlags.String("config", "", "Configuration file")
		historyFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		revision := historyFlags.Uint64("revision", 0, "Print this revision instead of listing them")
		format := historyFlags.String("format", "table", "Output format for -revision: table, json or yaml")
		historyFlags.StringVar(format, "o", "table", "Output format (short)")
		historyFlags.Parse(os.Args[2:])

		if err := cmd.RunHistory(os.Stdout, *configFile, historyFlags.Arg(0), *revision, *format); err != nil {
			printer.Fprintf(os.Stderr, "History failed: %v\n", err)
			os.Exit(1)
		}

	case "replay":
		replayFlags := flag.NewFlagSet("replay", flag.ExitOnError)
		var opts cmd.ReplayOptions
		replayFlags.StringVar(&opts.ConfigFile, "config", "", "Configuration file")
		replayFlags.StringVar(&opts.ConfigFile, "c", "", "Configuration file (short)")
		replayFlags.StringVar(&opts.RulesFile, "rules", "", "Rules file (default from configuration)")
		replayFlags.StringVar(&opts.RulesFile, "r", "", "Rules file (short)")
		local := replayFlags.String("local", "", "Comma-separated local prefixes that decide packet direction (needed to match replies to their flows)")
		replayFlags.BoolVar(&opts.Verbose, "verbose", false, "Print every verdict")
		replayFlags.BoolVar(&opts.Verbose, "v", false, "Print every verdict (short)")
		replayFlags.Parse(os.Args[2:])

		if replayFlags.NArg() != 1 {
			printer.Println("Usage: " + brand.BinaryName + " replay [-r rules] [-local 10.0.0.0/8] <capture.pcap>")
			os.Exit(1)
		}
		opts.PcapFile = replayFlags.Arg(0)

		for _, s := range strings.Split(*local, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			p, err := netip.ParsePrefix(s)
			if err != nil {
				printer.Fprintf(os.Stderr, "Invalid -local prefix %q: %v\n", s, err)
				os.Exit(1)
			}
			opts.Local = append(opts.Local, p.Masked())
		}

		res, err := cmd.RunReplay(os.Stdout, opts)
		if err != nil {
			printer.Fprintf(os.Stderr, "Replay failed: %v\n", err)
			os.Exit(1)
		}
		cmd.PrintReplay(os.Stdout, res)

	case "version":
		printer.Println(brand.VersionString())

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf("%s - %s\n\n", brand.Name, brand.Description)
	printer.Printf("Usage: %s <command> [options]\n\n", brand.BinaryName)
	printer.Println("Commands:")
	printer.Println("  run       Run the firewall daemon")
	printer.Println("  check     Validate the configuration and a rules file")
	printer.Println("  show      Print a rules file (table, json or yaml)")
	printer.Println("  diff      Compare two rules files")
	printer.Println("  history   List or print ruleset revisions recorded by the daemon")
	printer.Println("  replay    Run a packet capture through a rules file")
	printer.Println("  version   Print version information")
}
