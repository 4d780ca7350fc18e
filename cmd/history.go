package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"grimm.is/chainwall/internal/config"
	"grimm.is/chainwall/internal/firewall"
	"grimm.is/chainwall/internal/state"
)

// stateDBName is the daemon's state store inside the state directory.
const stateDBName = "state.db"

// RunHistory lists the revisions of a rules file that the daemon recorded
// in its state store, newest first. A non-zero rev prints that revision in
// the given format instead, as show does for a file.
func RunHistory(w io.Writer, configFile, rulesFile string, rev uint64, format string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if rulesFile == "" {
		rulesFile = cfg.RulesFile
	}

	store, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	hist, err := state.NewRulesetStorage(store, state.DefaultHistoryLimit)
	if err != nil {
		return err
	}

	if rev != 0 {
		return showRevision(w, cfg, hist, rulesFile, rev, format)
	}

	revs, err := hist.History(rulesFile)
	if err != nil {
		return err
	}
	if len(revs) == 0 {
		Printer.Fprintf(w, "No recorded revisions of %s.\n", rulesFile)
		return nil
	}

	Printer.Fprintln(w, styleHeader.Render(rulesFile))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "REVISION\tSAVED\tSIZE")
	for _, r := range revs {
		Printer.Fprintf(tw, "%s\t%s\t%d\n",
			strconv.FormatUint(r.Seq, 10), r.SavedAt.Local().Format(time.DateTime), r.Size)
	}
	return tw.Flush()
}

// openStateStore opens the daemon's existing state store. It does not
// create one.
func openStateStore(cfg *config.Config) (*state.SQLiteStore, error) {
	path := filepath.Join(cfg.StateDir, stateDBName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no state store: %w", err)
	}
	store, err := state.NewSQLiteStore(state.DefaultOptions(path))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return store, nil
}

func showRevision(w io.Writer, cfg *config.Config, hist *state.RulesetStorage, path string, rev uint64, format string) error {
	e, err := offlineEngine(cfg, func(o *firewall.Options) {
		o.Storage = revisionStorage{hist: hist, seq: rev}
	})
	if err != nil {
		return err
	}
	defer e.Shutdown()

	if err := e.LoadRules(path); err != nil {
		return fmt.Errorf("load revision %d of %s: %w", rev, path, err)
	}
	view, err := newRulesetView(e)
	if err != nil {
		return err
	}
	return writeView(w, view, format)
}

// revisionStorage serves one stored revision in place of the rules file.
type revisionStorage struct {
	hist *state.RulesetStorage
	seq  uint64
}

func (s revisionStorage) ReadFile(path string) ([]byte, error) {
	data, err := s.hist.ReadRevision(path, s.seq)
	if errors.Is(err, state.ErrNotFound) {
		return nil, &fs.PathError{Op: "read", Path: path + "@" + strconv.FormatUint(s.seq, 10), Err: fs.ErrNotExist}
	}
	return data, err
}

func (s revisionStorage) WriteFile(path string, data []byte) error {
	return fmt.Errorf("revision %d of %s is read-only", s.seq, path)
}
