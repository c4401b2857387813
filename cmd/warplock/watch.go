package main

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/syncbus"
)

const shutdownTimeout = 5 * time.Second

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lock events over SSE and WebSocket",
		Long: `Serve lock and unlock events of a key from the configured bus:

  /events?key=KEY   Server-Sent Events
  /ws?key=KEY       WebSocket, one JSON object per event
  /metrics          Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, cleanup, err := a.cfg.openSetup(a.logger)
			if err != nil {
				return err
			}
			defer cleanup()
			return serve(ctx, a.v.GetString("listen"), newMux(s.Bus), a.logger)
		},
	}
	cmd.Flags().String("listen", ":8080", "listen address")
	return cmd
}

// newMux serves the metrics of this process and, given a bus, its event
// streams.
func newMux(bus syncbus.Bus) *http.ServeMux {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if bus != nil {
		mux.Handle("/events", syncbus.SSEHandler(bus))
		mux.Handle("/ws", syncbus.WebSocketHandler(bus))
	}
	return mux
}

// serve runs an HTTP server until ctx ends.
func serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
