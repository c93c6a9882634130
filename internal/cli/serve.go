package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/reqprof/pkg/profiling"
	"github.com/coral-mesh/reqprof/pkg/profiling/httphost"
)

const headerRequestID = "X-Request-Id"

type serveOptions struct {
	addr            string
	shutdownTimeout time.Duration
}

func newServeCmd(a *app) *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo HTTP server with request profiling",
		Long: `Run an HTTP server whose requests are profiled by the agent.

Endpoints:
  GET /hello/{name}   trivial response
  GET /work/{n}       counts primes below n (CPU bound)
  GET /alloc/{kb}     allocates kb KiB in small chunks (memory bound)
  GET /healthz        liveness, not profiled
  GET /metrics        Prometheus metrics, not profiled`,
		Annotations: map[string]string{annotationSkipProfiling: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a, opts)
		},
	}

	opts.RegisterFlags(cmd.Flags())
	return cmd
}

// RegisterFlags adds the serve flags to flags.
func (o *serveOptions) RegisterFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.addr, "addr", ":8080", "Listen address")
	flags.DurationVar(&o.shutdownTimeout, "shutdown-timeout", 15*time.Second, "Time allowed for in-flight requests and pending records on shutdown")
}

type server struct {
	handler http.Handler
	host    *httphost.Host
	agent   *profiling.Agent
}

func newServer(ctx context.Context, a *app) (*server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	host := httphost.New(httphost.WithLogger(a.logger))

	agent, err := profiling.New(ctx, a.cfg, host,
		profiling.WithLogger(a.logger),
		profiling.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create profiling agent: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", host.Wrap(agent, newDemoMux()))

	return &server{
		handler: withRequestID(mux),
		host:    host,
		agent:   agent,
	}, nil
}

func runServe(ctx context.Context, a *app, opts serveOptions) error {
	srv, err := newServer(ctx, a)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              opts.addr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("addr", opts.addr).
			Bool("profiling", a.cfg.Enabled).
			Int("ratio", a.cfg.SampleRatio).
			Msg("Serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	if err := srv.host.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("Pending profile records abandoned")
	}
	return srv.agent.Close(shutdownCtx)
}

// withRequestID tags every request with an ID, which then appears among the
// recorded server variables.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}
