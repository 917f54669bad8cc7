// Package gateway is the HTTP surface that translates external requests
// into core calls. Authentication happens upstream; the gateway trusts the
// workspace identity header supplied by the auth collaborator.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zulandar/sparkyard/internal/dispatch"
	"github.com/zulandar/sparkyard/internal/metrics"
	"github.com/zulandar/sparkyard/internal/queue"
	"github.com/zulandar/sparkyard/internal/reconcile"
	"github.com/zulandar/sparkyard/internal/registry"
	"github.com/zulandar/sparkyard/internal/scaling"
	"github.com/zulandar/sparkyard/internal/session"
)

// WorkspaceHeader carries the already-authenticated workspace identity.
const WorkspaceHeader = "X-Sparkyard-Workspace"

// StartOpts holds configuration for the gateway HTTP server.
type StartOpts struct {
	Port       int
	Sessions   *session.Sessions
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Queues     *queue.Manager
	Scaling    *scaling.Coordinator
	Reconciler *reconcile.Reconciler
	Metrics    *metrics.Metrics
	PromReg    *prometheus.Registry
	Out        io.Writer
}

// Start launches the gateway. It blocks until ctx is cancelled, then shuts
// down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Sessions == nil || opts.Dispatcher == nil || opts.Registry == nil {
		return fmt.Errorf("gateway: sessions, dispatcher, and registry are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID())

	registerRoutes(router, &opts)

	if opts.PromReg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.PromReg, promhttp.HandlerOpts{})))
	}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Gateway listening on %s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
