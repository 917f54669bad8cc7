package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zulandar/sparkyard/internal/db"
	"github.com/zulandar/sparkyard/internal/dispatch"
	"github.com/zulandar/sparkyard/internal/engineapi"
	"github.com/zulandar/sparkyard/internal/gateway"
	"github.com/zulandar/sparkyard/internal/metrics"
	"github.com/zulandar/sparkyard/internal/queue"
	"github.com/zulandar/sparkyard/internal/reconcile"
	"github.com/zulandar/sparkyard/internal/registry"
	"github.com/zulandar/sparkyard/internal/scaling"
	"github.com/zulandar/sparkyard/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Sparkyard gateway and reconciliation loop",
		Long:  "Starts the HTTP gateway, the background reconciler, and the scaling coordinator against the configured database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, gormDB, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Gateway.Port = port
			}

			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			if err := db.SeedQueues(gormDB, cfg.Queues); err != nil {
				return err
			}
			if err := db.SeedWorkspaces(gormDB, cfg.Workspaces); err != nil {
				return err
			}

			m := metrics.New("sparkyard")
			promReg := prometheus.NewRegistry()
			m.Register(promReg)

			engines := engineapi.NewHTTPClient(cfg.Dispatch.CallTimeout)
			reg := registry.New(gormDB, cfg.Registry)
			queues := queue.NewManager(gormDB)
			coordinator := scaling.New(gormDB, reg, cfg.Scaling, nil)
			coordinator.SetObserver(&metrics.IntentObserver{Metrics: m})
			queues.SetObserver(&metrics.AdmissionObserver{Metrics: m, Chain: coordinator})

			sessions := session.New(gormDB, reg, queues, engines, cfg.Session)
			dispatcher := dispatch.New(gormDB, sessions, reg, engines, cfg.Dispatch)
			dispatcher.SetObserver(&metrics.JobObserver{Metrics: m})
			reconciler := reconcile.New(gormDB, reg, sessions, dispatcher, coordinator, engines, cfg.Reconcile, cfg.Dispatch)
			reconciler.SetMetrics(m)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reconcileErr := make(chan error, 1)
			go func() {
				reconcileErr <- reconciler.RunLoop(ctx, out)
			}()

			fmt.Fprintf(out, "Sparkyard %s starting\n", Version)
			if err := gateway.Start(ctx, gateway.StartOpts{
				Port:       cfg.Gateway.Port,
				Sessions:   sessions,
				Dispatcher: dispatcher,
				Registry:   reg,
				Queues:     queues,
				Scaling:    coordinator,
				Reconciler: reconciler,
				Metrics:    m,
				PromReg:    promReg,
				Out:        out,
			}); err != nil {
				return err
			}

			stop()
			if err := <-reconcileErr; err != nil {
				return err
			}
			fmt.Fprintln(out, "Shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override the gateway port from config")
	return cmd
}
