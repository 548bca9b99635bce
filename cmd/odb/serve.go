package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/drivers/remote"
	odberrors "github.com/maruel/odb/internal/errors"
	"github.com/maruel/odb/internal/jobs"
	"github.com/maruel/odb/internal/odb"
)

// maxPayload bounds the body of a job request.
const maxPayload = 1 << 20

func newServeCommand(opts *rootOptions) *cobra.Command {
	addr := ""
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured driver to remote clients",
		Long: "Serves the remote driver protocol on /db, jobs on POST /jobs/{name}\n" +
			"and Prometheus metrics on /metrics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = opts.cfg.Listen
			}
			return opts.withDriver(cmd, func(ctx context.Context, drv driver.Driver) error {
				return serve(ctx, drv, addr, opts.cfg.Workers, []byte(opts.cfg.JWTSecret))
			})
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "address to listen on, overriding the configuration")
	return cmd
}

func serve(ctx context.Context, drv driver.Driver, addr string, workers int, secret []byte) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pool, err := newPool(drv, workers, []odb.Option{odb.WithMetrics(reg)})
	if err != nil {
		return err
	}
	defer pool.Close()
	srv := remote.NewServer(drv, remote.WithSecret(secret))
	defer srv.Close()
	if len(secret) == 0 {
		slog.WarnContext(ctx, "serving without authentication")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newRouter(srv, pool, reg, secret),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "driver", drv.Name(), "workers", workers)
		serverErr <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		// Websocket sessions are hijacked and ignored by Shutdown.
		_ = srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

func newRouter(srv *remote.Server, pool *jobs.Pool, reg *prometheus.Registry, secret []byte) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/db", srv)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("POST /jobs/{name}", jobHandler(pool, secret))
	return mux
}

// jobHandler runs the job named in the path with the JSON body as payload.
func jobHandler(pool *jobs.Pool, secret []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user := ""
		if len(secret) != 0 {
			var err error
			if user, err = remote.Authenticate(r, secret); err != nil {
				writeError(w, err)
				return
			}
		}
		var payload any
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayload)).Decode(&payload); err != nil {
			writeError(w, odberrors.Invalid(fmt.Sprintf("invalid payload: %v", err)))
			return
		}
		start := time.Now()
		resp, err := pool.Do(ctx, r.PathValue("name"), user, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		if resp.Error != nil {
			slog.DebugContext(ctx, "job failed", "job", r.PathValue("name"), "code", resp.Error.Code)
			writeJSON(w, odberrors.StatusCode(resp.Error.Code), resp.Error)
			return
		}
		var out any
		if err := resp.Decode(&out); err != nil {
			writeError(w, err)
			return
		}
		slog.DebugContext(ctx, "job done", "job", r.PathValue("name"), "user", user, "dur", time.Since(start))
		writeJSON(w, http.StatusOK, out)
	})
}

func writeError(w http.ResponseWriter, err error) {
	b := odberrors.ToBody(err)
	writeJSON(w, odberrors.StatusCode(b.Code), b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
