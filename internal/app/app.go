// Package app holds the subsystems appstrap supervises: a placeholder tick
// loop standing in for real work, and an optional metrics endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bebsworthy/appstrap/internal/config"
	"github.com/bebsworthy/appstrap/internal/metrics"
	"github.com/bebsworthy/appstrap/internal/supervisor"
)

// TickerName is the subsystem name the tick loop is registered under.
const TickerName = "app1"

// MetricsServerName is the subsystem name of the metrics endpoint.
const MetricsServerName = "metrics"

// Ticker returns the placeholder workload. It reads the cached configuration,
// ticks Tick.Count times Tick.Interval apart, then requests shutdown.
// Cancellation between ticks ends the loop early without error.
func Ticker(m *metrics.AppMetrics) supervisor.Subsystem {
	return func(ctx context.Context, h *supervisor.Handle) error {
		cfg := config.Get()
		logger := h.Logger()

		timer := time.NewTimer(cfg.Tick.Interval)
		defer timer.Stop()

		for count := cfg.Tick.Count; count > 0; count-- {
			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "tick loop cancelled", slog.Int("remaining", count))
				return nil
			case <-timer.C:
			}

			m.Tick()
			logger.InfoContext(ctx, "tick", slog.Int("remaining", count-1))
			timer.Reset(cfg.Tick.Interval)
		}

		logger.InfoContext(ctx, "gonna go")
		h.RequestShutdown()
		return nil
	}
}

// MetricsServer returns a subsystem serving g on addr at /metrics until
// shutdown. The listener is bound before serving so bind errors fail the
// subsystem immediately.
func MetricsServer(addr string, g prometheus.Gatherer) supervisor.Subsystem {
	return func(ctx context.Context, h *supervisor.Handle) error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(g))

		server := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			h.Logger().InfoContext(ctx, "metrics server listening", slog.String("addr", ln.Addr().String()))
			serveErr <- server.Serve(ln)
		}()

		select {
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("metrics server error: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown error: %w", err)
		}
		return nil
	}
}

// Register adds the subsystems enabled by cfg to sup.
func Register(sup *supervisor.Supervisor, cfg *config.Config, reg *prometheus.Registry) error {
	if err := sup.Add(TickerName, Ticker(metrics.NewAppMetrics(reg))); err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		if err := sup.Add(MetricsServerName, MetricsServer(cfg.Metrics.Addr, reg)); err != nil {
			return err
		}
	}

	return nil
}
