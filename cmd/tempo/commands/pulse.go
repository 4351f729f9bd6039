package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/pulse/history"
	"github.com/teranos/tempo/pulse/metrics"
	"github.com/teranos/tempo/pulse/scheduler"
	"github.com/teranos/tempo/sym"
)

// PulseCmd represents the pulse command - the scheduler daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the scheduler daemon",
	Long: sym.Pulse + ` Pulse daemon - fires triggers from the job store onto a worker pool.

Pulse provides:
- Trigger firing with misfire handling and exclusion calendars
- Recovery of executions lost by a crashed instance
- Clustering over a shared database (cluster.enabled)
- Job definitions reloaded from a TOML file (scheduler.definitions_path)
- Prometheus metrics (metrics.enabled)

Example:
  tempo pulse start              # Start daemon in foreground
  tempo pulse start --workers 8  # Start with 8 concurrent workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the scheduler daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler daemon",
	Long: `Start the scheduler in the foreground. Ctrl+C (or SIGTERM) shuts it
down after running jobs finish; a second signal stops waiting.`,
	RunE: runPulseStart,
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (default: scheduler.workers)")
	PulseStartCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (default: metrics.addr when metrics.enabled)")
	PulseStartCmd.Flags().Duration("history-retention", 30*24*time.Hour, "Prune execution history older than this (0 keeps everything)")
	PulseCmd.AddCommand(PulseStartCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	retention, _ := cmd.Flags().GetDuration("history-retention")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, workers, true)
	if err != nil {
		return err
	}
	cfg, s := rt.cfg, rt.sched
	log := logger.AddPulseSymbol(logger.Logger.Named("pulse"))

	var hist *history.Store
	if rt.database != nil {
		hist = history.NewStore(rt.database, cfg.Scheduler.Name)
		s.AddJobListener(history.NewListener(hist, logger.Logger.Named("pulse.history")))
	}

	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}
	var srv *http.Server
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.NewListener(reg).Register(s)
		reg.MustRegister(metrics.NewCollector(s))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server failed", logger.FieldError, err)
			}
		}()
	}

	var watcher *scheduler.DefinitionsWatcher
	if path := cfg.Scheduler.DefinitionsPath; path != "" {
		d, err := scheduler.LoadDefinitions(path)
		if err != nil {
			_ = rt.shutdown(ctx, false)
			return err
		}
		res, err := s.ApplyDefinitions(ctx, d)
		if err != nil {
			_ = rt.shutdown(ctx, false)
			return errors.Wrapf(err, "failed to apply job definitions %s", path)
		}
		log.Infow("Job definitions applied", "file", path,
			"jobs_added", res.JobsAdded, "jobs_updated", res.JobsUpdated,
			"triggers_scheduled", res.TriggersScheduled, "triggers_rescheduled", res.TriggersRescheduled)

		if cfg.Scheduler.WatchDefinitions {
			if watcher, err = scheduler.NewDefinitionsWatcher(s, path); err != nil {
				_ = rt.shutdown(ctx, false)
				return err
			}
			watcher.Start()
		}
	}

	if err := s.Start(ctx); err != nil {
		_ = rt.shutdown(ctx, false)
		return err
	}

	if hist != nil && retention > 0 {
		go pruneHistory(ctx, hist, retention)
	}

	st := s.Stats()
	logger.PulseOpenInfow("Pulse daemon started",
		logger.FieldSchedulerName, st.SchedulerName,
		logger.FieldInstanceID, st.InstanceID,
		logger.FieldWorkers, st.Workers.WorkersTotal)
	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Scheduler:   %s (%s)\n", st.SchedulerName, st.InstanceID)
	fmt.Printf("  Store:       %s (clustered: %v)\n", cfg.Scheduler.Store, st.Clustered)
	fmt.Printf("  Workers:     %d\n", st.Workers.WorkersTotal)
	fmt.Printf("  Idle wait:   %v\n", cfg.Scheduler.IdleWait())
	if metricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", metricsAddr)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	cancel()

	fmt.Printf("\n%s Waiting for running jobs (Ctrl+C again to stop now)...\n", sym.PulseClose)
	shutdownCtx, stop := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		stop()
	}()

	if watcher != nil {
		_ = watcher.Stop()
	}
	done := make(chan error, 1)
	go func() { done <- rt.shutdown(shutdownCtx, true) }()

	var shutdownErr error
	select {
	case shutdownErr = <-done:
	case <-shutdownCtx.Done():
		shutdownErr = errors.New("shutdown interrupted; running jobs were abandoned")
	}
	if srv != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(closeCtx)
		closeCancel()
	}

	logger.PulseCloseInfow("Pulse daemon stopped", logger.FieldError, shutdownErr)
	fmt.Printf("%s Pulse daemon stopped\n", sym.PulseClose)
	return shutdownErr
}

// pruneHistory deletes finished executions older than retention, hourly
func pruneHistory(ctx context.Context, hist *history.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		pruneOnce(ctx, hist, time.Now().Add(-retention))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneOnce(ctx context.Context, hist *history.Store, cutoff time.Time) int64 {
	n, err := hist.Prune(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			logger.PulseWarnw("Failed to prune execution history", logger.FieldError, err)
		}
		return 0
	}
	if n > 0 {
		logger.DBDebugw("Pruned execution history", logger.FieldCount, n)
	}
	return n
}
