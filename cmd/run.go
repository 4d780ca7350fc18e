package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/chainwall/internal/config"
	"grimm.is/chainwall/internal/conntrack"
	"grimm.is/chainwall/internal/events"
	"grimm.is/chainwall/internal/firewall"
	"grimm.is/chainwall/internal/health"
	"grimm.is/chainwall/internal/hook"
	"grimm.is/chainwall/internal/logging"
	"grimm.is/chainwall/internal/metrics"
	"grimm.is/chainwall/internal/services"
	"grimm.is/chainwall/internal/state"
)

const stopTimeout = 10 * time.Second

// daemon holds everything a running instance owns.
type daemon struct {
	configFile string
	cfg        *config.Config
	logger     *logging.Logger
	hub        *events.Hub
	engine     *firewall.Engine
	registry   *metrics.Registry
	store      *state.SQLiteStore
	history    *state.RulesetStorage
	services   []services.Service
	queues     []*hook.Queue
	health     *health.Checker
}

// RunDaemon runs the firewall until SIGINT or SIGTERM. SIGHUP reloads the
// configuration and the rules file.
func RunDaemon(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	logger := logging.New(cfg.LoggerConfig())
	logging.SetDefault(logger)
	logging.GetAppLogBuffer().Resize(cfg.Logging.BufferSize)

	d := &daemon{configFile: configFile, cfg: cfg, logger: logger, hub: events.NewHub()}
	defer d.close()

	if err := d.setup(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	for _, svc := range d.services {
		if err := svc.Start(gctx); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	for _, q := range d.queues {
		if err := q.Start(gctx); err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled {
		d.serveHTTP(gctx, g)
	}
	g.Go(func() error { return d.logEvents(gctx) })
	g.Go(func() error { return d.handleReload(gctx) })

	logger.Info("Firewall running", "rules", len(d.engine.Rules()), "serial", d.engine.Serial())
	err = g.Wait()
	logger.Info("Shutting down")
	return err
}

// setup builds the engine and its supporting services.
func (d *daemon) setup() error {
	cfg := d.cfg
	dur, err := cfg.ConntrackDurations()
	if err != nil {
		return err
	}

	opts, err := cfg.EngineOptions(d.logger, d.hub, nil)
	if err != nil {
		return err
	}
	if d.engine, err = firewall.New(opts); err != nil {
		return err
	}
	d.registry = metrics.NewRegistry(d.engine)

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	d.store, err = state.NewSQLiteStore(state.DefaultOptions(filepath.Join(cfg.StateDir, stateDBName)))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	if d.history, err = state.NewRulesetStorage(d.store, state.DefaultHistoryLimit); err != nil {
		return err
	}

	if err := d.loadRules(false); err != nil {
		return err
	}

	if cfg.Conntrack.SeedFromKernel {
		d.seedFromKernel()
	}

	sweeper := services.NewSweeper(d.engine, dur.SweepInterval, dur.Timeout, d.logger, d.registry)
	d.services = append(d.services, sweeper)

	if cfg.Conntrack.Checkpoint {
		bucket, err := state.NewConntrackBucket(d.store)
		if err != nil {
			return err
		}
		cp := services.NewCheckpointer(d.engine, bucket, dur.CheckpointInterval, dur.CheckpointTTL, nil, d.logger, d.registry)
		if _, err := cp.Restore(); err != nil {
			d.logger.Warn("Conntrack checkpoint not restored", "error", err)
		}
		d.services = append(d.services, cp)
	}

	if cfg.NFQueue.Enabled {
		qcfg := func(num int) hook.QueueConfig {
			return hook.QueueConfig{Num: uint16(num), MaxQueueLen: uint32(cfg.NFQueue.MaxQueueLen)}
		}
		d.queues = []*hook.Queue{
			hook.NewQueue(qcfg(cfg.NFQueue.InboundQueue), hook.NewHandler(d.engine, firewall.Inbound), d.logger, d.registry),
			hook.NewQueue(qcfg(cfg.NFQueue.OutboundQueue), hook.NewHandler(d.engine, firewall.Outbound), d.logger, d.registry),
		}
	}

	d.health = d.newHealthChecker()
	return nil
}

// serviceRunner adapts a Service to health.Runner.
type serviceRunner struct{ services.Service }

func (s serviceRunner) IsRunning() bool { return s.Status().Running }

func (d *daemon) newHealthChecker() *health.Checker {
	c := health.NewChecker(nil, health.DefaultTTL)
	c.Register("engine", health.EngineCheck(d.engine))
	c.Register("conntrack", health.ConntrackCheck(d.engine.Tracker(), health.DefaultConntrackDegraded))
	c.Register("state_dir", health.DiskCheck(d.cfg.StateDir))

	runners := make([]health.Runner, 0, len(d.services)+len(d.queues))
	for _, svc := range d.services {
		runners = append(runners, serviceRunner{svc})
	}
	for _, q := range d.queues {
		runners = append(runners, q)
	}
	c.Register("services", health.RunnersCheck(runners...))
	return c
}

// loadRules loads the rules file and records what was loaded in the
// ruleset history. A missing file is not an error: at startup the built-in
// chains stay empty, on reload the live ruleset stays in place.
func (d *daemon) loadRules(reload bool) error {
	path := d.cfg.RulesFile
	err := d.engine.LoadRules(path)
	metrics.RecordResult(d.registry.RulesetLoads, err)
	if errors.Is(err, fs.ErrNotExist) {
		if reload {
			d.logger.Warn("Rules file not found, keeping live ruleset", "path", path, "rules", len(d.engine.Rules()))
		} else {
			d.logger.Warn("Rules file not found, starting with empty chains", "path", path)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if err := d.history.WriteFile(path, d.engine.Export()); err != nil {
		d.logger.Warn("Failed to record ruleset history", "error", err)
	}
	return nil
}

func (d *daemon) seedFromKernel() {
	flows, err := conntrack.KernelFlows()
	if err != nil {
		d.logger.Warn("Kernel conntrack seed failed", "error", err)
		return
	}
	n, err := d.engine.RestoreFlows(flows)
	if err != nil {
		d.logger.Warn("Kernel conntrack seed incomplete", "seeded", n, "error", err)
		return
	}
	d.logger.Info("Seeded flows from kernel conntrack", "seeded", n)
}

func (d *daemon) serveHTTP(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.registry.Handler())
	mux.HandleFunc("/debug/logs", handleLogs)
	mux.HandleFunc("/debug/services", d.handleServices)
	mux.HandleFunc("/healthz", d.health.Handler())
	mux.HandleFunc("/readyz", d.health.ReadinessHandler())
	mux.HandleFunc("/livez", health.LivenessHandler())

	srv := &http.Server{
		Addr:              d.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		d.logger.Info("Metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// handleLogs serves recent log entries, optionally filtered by component
// (?source=) and limited (?n=).
func handleLogs(w http.ResponseWriter, r *http.Request) {
	buf := logging.GetAppLogBuffer()
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))

	var entries []logging.AppLogEntry
	if source := r.URL.Query().Get("source"); source != "" {
		entries = buf.GetBySource(source, n)
	} else if n > 0 {
		entries = buf.GetLast(n)
	} else {
		entries = buf.GetAll()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (d *daemon) handleServices(w http.ResponseWriter, r *http.Request) {
	type queueStatus struct {
		Name    string             `json:"name"`
		Running bool               `json:"running"`
		Stats   hook.StatsSnapshot `json:"stats"`
	}
	type eventStats struct {
		Published uint64 `json:"published"`
		Dropped   uint64 `json:"dropped"`
	}
	out := struct {
		Services []services.ServiceStatus `json:"services"`
		Queues   []queueStatus            `json:"queues,omitempty"`
		Events   eventStats               `json:"events"`
		Metrics  metrics.Snapshot         `json:"metrics"`
	}{Metrics: d.engine.Metrics()}
	out.Events.Published, out.Events.Dropped = d.hub.Stats()

	for _, svc := range d.services {
		out.Services = append(out.Services, svc.Status())
	}
	for _, q := range d.queues {
		out.Queues = append(out.Queues, queueStatus{Name: q.Name(), Running: q.IsRunning(), Stats: q.Stats()})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// logEvents writes ruleset changes and sweep results to the log.
func (d *daemon) logEvents(ctx context.Context) error {
	ch := d.hub.Subscribe(64,
		events.EventRulesetLoaded, events.EventRulesetSaved,
		events.EventRulesetFlushed, events.EventFlowExpired)
	defer d.hub.Unsubscribe(ch)

	log := d.logger.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch data := ev.Data.(type) {
			case events.RulesetData:
				log.Info("Ruleset changed", "event", ev.Type, "rules", data.Rules, "chains", data.Chains, "serial", data.Serial)
			case events.SweepData:
				log.Debug("Flows expired", "removed", data.Removed, "remaining", data.Remaining)
			}
		}
	}
}

// handleReload re-reads the configuration and rules file on SIGHUP.
func (d *daemon) handleReload(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			d.reload()
		}
	}
}

func (d *daemon) reload() {
	cfg, err := loadConfig(d.configFile)
	if err != nil {
		d.logger.Error("Reload failed, keeping current configuration", "error", err)
		return
	}

	if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		d.logger.SetLevel(lvl)
	}
	for _, svc := range d.services {
		if restarted, err := svc.Reload(cfg); err != nil {
			d.logger.Error("Service reload failed", "service", svc.Name(), "error", err)
		} else if restarted {
			d.logger.Info("Service restarted", "service", svc.Name())
		}
	}

	d.cfg.RulesFile = cfg.RulesFile
	if err := d.loadRules(true); err != nil {
		d.logger.Error("Rules reload failed, keeping live ruleset", "error", err)
	}
}

// close stops services and releases the engine and state store.
func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	for _, q := range d.queues {
		q.Stop()
	}
	for i := len(d.services) - 1; i >= 0; i-- {
		if err := d.services[i].Stop(ctx); err != nil {
			d.logger.Warn("Service stop failed", "service", d.services[i].Name(), "error", err)
		}
	}
	if d.engine != nil {
		d.engine.Shutdown()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("State store close failed", "error", err)
		}
	}
}
