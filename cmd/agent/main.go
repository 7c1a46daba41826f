// Package main implements the paylock agent that enforces device compliance.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"paylock/internal/cmdqueue"
	"paylock/internal/config"
	"paylock/internal/heartbeat"
	"paylock/internal/incident"
	"paylock/internal/lockstate"
	"paylock/internal/metrics"
	"paylock/internal/snapshot"
	"paylock/internal/snapstore"
	"paylock/internal/vault"
)

const (
	defaultConfigPath = "/etc/paylock/agent.yaml"
	// Bound on opening local state at startup.
	startupTimeout = 30 * time.Second
	// Grace period for the metrics listener on shutdown.
	shutdownTimeout = 5 * time.Second
)

var (
	configPath  = pflag.StringP("config", "c", defaultConfigPath, "Path to the agent configuration file")
	server      = pflag.String("server", "", "Server URL, overrides server.url")
	debug       = pflag.Bool("debug", false, "Enable debug logging")
	once        = pflag.Bool("once", false, "Run a single heartbeat, execute queued directives and exit")
	printFacts  = pflag.Bool("print-facts", false, "Print the collected snapshot as JSON and exit")
	install     = pflag.Bool("install", false, "Install the agent as a systemd service")
	uninstall   = pflag.Bool("uninstall", false, "Remove the agent's systemd service")
	showPending = pflag.Bool("pending", false, "Print queued directives and exit")
)

// Agent wires the compliance engine to this host.
type Agent struct {
	cfg       *config.Config
	engine    *heartbeat.Engine
	queue     *cmdqueue.Queue
	snapshots *snapstore.Store
	metrics   *metrics.Collector
	executor  hookExecutor
	backend   vault.Backend
}

func main() {
	pflag.Parse()

	if *uninstall {
		if err := uninstallAgent(); err != nil {
			log.Fatalf("Uninstall failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *server != "" {
		cfg.Server.URL = *server
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid --server: %v", err)
		}
	}
	cfg.Debug = cfg.Debug || *debug

	if *install {
		if err := installAgent(*configPath); err != nil {
			log.Fatalf("Install failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := newCollector(cfg)
	if *printFacts {
		facts, err := collector.Collect(ctx)
		if err != nil {
			log.Fatalf("Failed to collect facts: %v", err)
		}
		out, err := json.MarshalIndent(snapshot.New(cfg.DeviceID, facts, time.Now()), "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode snapshot: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	agent, err := newAgent(ctx, cfg, collector)
	if err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}
	defer agent.close()

	if *showPending {
		for _, d := range agent.queue.Pending() {
			fmt.Printf("%s\t%s\texpires=%d\tsigned=%t\n", d.ID, d.Type, d.ExpiresAt, d.Signed())
		}
		return
	}

	if *once {
		if _, err := agent.cycle(ctx); err != nil {
			log.Fatalf("Heartbeat failed: %v", err)
		}
		return
	}

	stopMetrics := agent.serveMetrics()
	defer stopMetrics()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Heartbeat.Interval)
	defer ticker.Stop()

	log.Printf("[INFO] Agent started. Device ID: %s, storage: %s (%s)", cfg.DeviceID, cfg.Storage.Backend, cfg.Storage.Path)
	if cfg.Server.URL != "" {
		log.Printf("[INFO] Reporting to server: %s every %v", cfg.Server.URL, cfg.Heartbeat.Interval)
	} else {
		log.Printf("[WARN] No server configured, evaluating offline every %v", cfg.Heartbeat.Interval)
	}
	log.Printf("[INFO] Retry configuration: max_attempts=%d, initial_backoff=%v, max_backoff=%v",
		cfg.Server.Retry.MaxAttempts, cfg.Server.Retry.Initial, cfg.Server.Retry.Max)

	if done := agent.runCycle(ctx); done {
		return
	}
	for {
		select {
		case <-ticker.C:
			if done := agent.runCycle(ctx); done {
				return
			}
		case <-sigChan:
			log.Println("Shutting down agent...")
			return
		case <-ctx.Done():
			return
		}
	}
}

func newCollector(cfg *config.Config) heartbeat.Collector {
	if cfg.Collector.FactsFile != "" {
		return fileCollector{path: cfg.Collector.FactsFile}
	}
	return hostCollector{debug: cfg.Debug}
}

func openBackend(ctx context.Context, cfg config.Storage, debug bool) (vault.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := vault.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendMemory:
		log.Print("[WARN] Using in-memory storage, state is lost on exit")
		return vault.NewMemory(), nil
	default:
		f, err := vault.NewFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		f.Debug = debug
		return f, nil
	}
}

func newAgent(ctx context.Context, cfg *config.Config, collector heartbeat.Collector) (*Agent, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	backend, err := openBackend(ctx, cfg.Storage, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	a := &Agent{
		cfg:      cfg,
		backend:  backend,
		metrics:  metrics.New(),
		executor: hookExecutor{hooks: cfg.Hooks, debug: cfg.Debug},
	}
	sink := incident.Multi{incident.LogSink{}, a.metrics}

	keyring := vault.NewKeyring(backend, nil)
	if cfg.Storage.WrapIdentity != "" {
		id, err := vault.LoadWrapIdentity(cfg.Storage.WrapIdentity)
		if err != nil {
			a.close()
			return nil, err
		}
		keyring = vault.NewKeyring(backend, id)
	}

	store, err := vault.Open(ctx, backend, keyring, vault.Options{
		Timeout: cfg.Storage.Timeout,
		OnDegraded: func(name string, err error) {
			a.metrics.StorageDegraded(name)
			inc := incident.New(incident.KindStorageDegraded, snapshot.SeverityHigh,
				fmt.Sprintf("record %s stored without encryption: %v", name, err), time.Now())
			inc.DeviceID = cfg.DeviceID
			incident.Report(context.Background(), sink, inc)
		},
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	a.snapshots = snapstore.New(store, cfg.Storage.HistorySize)
	a.queue, err = cmdqueue.Open(ctx, store, cmdqueue.Options{
		Sink:        sink,
		Observer:    a.metrics,
		Capacity:    cfg.Queue.Capacity,
		HistorySize: cfg.Queue.HistorySize,
		Debug:       cfg.Debug,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open directive queue: %w", err)
	}
	if err := a.bootstrapKey(ctx); err != nil {
		a.close()
		return nil, err
	}

	var hb heartbeat.Backend
	if cfg.Server.URL != "" {
		hb = newHTTPBackend(cfg.Server.URL, cfg.Server.Token, cfg.Server.Timeout, cfg.Server.Retry, cfg.Debug)
	}
	a.engine, err = heartbeat.New(heartbeat.Options{
		Collector:        collector,
		Backend:          hb,
		Sink:             sink,
		Metrics:          a.metrics,
		Snapshots:        a.snapshots,
		Queue:            a.queue,
		Vault:            store,
		DeviceID:         cfg.DeviceID,
		BackendTimeout:   backendBudget(cfg.Server),
		DirectiveTimeout: cfg.Heartbeat.DirectiveTimeout,
		StaleAfter:       cfg.Heartbeat.StaleAfter,
		LocalTTL:         cfg.Heartbeat.LocalTTL,
		Debug:            cfg.Debug,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.Debug {
		log.Printf("[DEBUG] Agent state opened in %v (%d pending, key installed: %t)",
			time.Since(start), a.queue.Size(), a.queue.KeyInstalled())
	}
	return a, nil
}

// backendBudget bounds a whole heartbeat call, retries included.
func backendBudget(s config.Server) time.Duration {
	budget := s.Timeout
	attempts := max(s.Retry.MaxAttempts, 1)
	for i := uint(1); i < attempts; i++ {
		d, _ := s.Retry.NextDelay(i)
		budget += s.Timeout + d
	}
	return budget
}

// bootstrapKey installs the configured signing key when none is stored yet.
// A stored key is never replaced from the config file.
func (a *Agent) bootstrapKey(ctx context.Context) error {
	if a.cfg.Queue.PublicKey == "" {
		if !a.queue.KeyInstalled() {
			log.Print("[WARN] No directive signing key installed, server directives are accepted unauthenticated")
		}
		return nil
	}
	if a.queue.KeyInstalled() {
		if a.cfg.Debug {
			log.Printf("[DEBUG] Directive signing key %s already installed", a.queue.KeyFingerprint())
		}
		return nil
	}
	data, err := os.ReadFile(a.cfg.Queue.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to read directive public key: %w", err)
	}
	if err := a.queue.InstallPublicKey(ctx, data); err != nil {
		return fmt.Errorf("failed to install directive public key: %w", err)
	}
	log.Printf("[INFO] Installed directive signing key %s", a.queue.KeyFingerprint())
	return nil
}

// runCycle runs one cycle and reports whether the agent should stop.
func (a *Agent) runCycle(ctx context.Context) bool {
	retired, err := a.cycle(ctx)
	if err != nil {
		log.Printf("[ERROR] Heartbeat failed: %v", err)
	}
	return retired
}

// cycle runs one tick, executes what it queued and handles deactivation.
func (a *Agent) cycle(ctx context.Context) (retired bool, err error) {
	rep, err := a.engine.Tick(ctx)
	if err != nil {
		return false, err
	}
	if n, err := a.engine.Drain(ctx, a.executor); err != nil {
		log.Printf("[ERROR] Executed %d directive(s) before failing: %v", n, err)
	} else if n > 0 {
		log.Printf("[INFO] Executed %d directive(s)", n)
	}

	if rep.State.Kind != lockstate.KindDeactivation {
		return false, nil
	}
	return true, a.retire(ctx, rep.State)
}

// retire erases local state after the server deactivates the device.
func (a *Agent) retire(ctx context.Context, st lockstate.State) error {
	log.Printf("[INFO] Device deactivated by server: %s", st.Reason)
	var errs []error
	if err := a.queue.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear directive queue: %w", err))
	}
	if err := a.snapshots.ClearAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear snapshots: %w", err))
	}
	if _, err := os.Stat(servicePath); err == nil {
		if err := uninstallAgent(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serveMetrics exposes /metrics when a listen address is configured and
// returns a function that stops the listener.
func (a *Agent) serveMetrics() func() {
	if a.cfg.Metrics.Listen == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[INFO] Serving metrics on %s", a.cfg.Metrics.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] Metrics listener failed: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[WARN] Metrics listener shutdown: %v", err)
		}
	}
}

func (a *Agent) close() {
	if a.backend == nil {
		return
	}
	if err := a.backend.Close(); err != nil {
		log.Printf("[WARN] Failed to close storage: %v", err)
	}
}
