package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/virtengine/openfleet-sub013/internal/api"
	"github.com/virtengine/openfleet-sub013/internal/config"
	"github.com/virtengine/openfleet-sub013/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session pool and assessor over HTTP",
	Long: `Run the HTTP API in the foreground.

Endpoints:
  POST   /v1/assess           assess a task context and execute the decision
  POST   /v1/sessions         launch or resume a task session
  GET    /v1/sessions         list registered sessions
  GET    /v1/sessions/{key}   show one session
  DELETE /v1/sessions/{key}   invalidate a session (?purge=true deletes it)
  GET    /v1/cooldowns        backends currently cooling down
  GET    /healthz             liveness
  GET    /metrics             Prometheus metrics (metrics.enabled)

Edits to the config file are picked up without a restart: assessment rules
and orchestrator.auto_execute are reloaded in place. The registry file is
watched so sessions written by other openfleet processes are visible.`,
	RunE: runServe,
}

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default: server.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.logger.WithComponent("serve")

	opts := api.Options{
		Addr:     cfg.Server.Listen,
		Triggers: rt.orchestrator,
		Sessions: rt.pool,
		Logger:   rt.logger,
	}
	if cfg.Metrics.Enabled {
		recorder, err := metrics.New(rt.cooldowns)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		recorder.Attach(rt.bus)
		defer func() { _ = recorder.Shutdown(context.Background()) }()
		opts.MetricsHandler = recorder.Handler()
		opts.UseOtelHTTP = true
	}
	srv := api.New(opts)

	if viper.ConfigFileUsed() != "" {
		config.Watch(func(next *config.Config) {
			if err := rt.engine.Reload(next.Assessment); err != nil {
				log.Warn("assessment rules not reloaded", "error", err.Error())
				return
			}
			rt.orchestrator.SetAutoExecute(next.Orchestrator.AutoExecute)
			log.Info("configuration reloaded", "file", viper.ConfigFileUsed())
		}, func(err error) {
			log.Warn("ignoring invalid configuration edit", "error", err.Error())
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error { return rt.store.Watch(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "openfleet listening on %s\n", srv.Addr())
	return g.Wait()
}
