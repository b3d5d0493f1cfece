package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-pipelines/internal/governance"
	"github.com/polisai/polis-pipelines/pkg/config"
	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine"
	"github.com/polisai/polis-pipelines/pkg/locale"
	"github.com/polisai/polis-pipelines/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the endpoint pipelines over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

// server bundles the HTTP handler with the components that keep it current.
type server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *engine.EndpointRegistry
	adapter  *engine.HTTPAdapter
	metrics  *telemetry.HTTPMetrics
	provider *config.FileConfigProvider
	applied  string
}

// newServer loads the endpoint definitions and wires the adapter.
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	metrics := telemetry.NewHTTPMetrics()
	registry := newRegistry(logger)

	provider, err := config.NewFileConfigProvider(cfg.Endpoints.File, cfg.Endpoints.Watch,
		config.WithLogger(logger),
		config.WithReloadErrorHandler(func(error) { metrics.RecordConfigReload("parse_error") }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints: %w", err)
	}

	initial := provider.CurrentSnapshot()
	if err := registry.UpdateEndpoints(ctx, initial.Endpoints); err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("failed to build endpoints: %w", err)
	}

	adapter := engine.NewHTTPAdapter(engine.HTTPAdapterConfig{
		Registry:     registry,
		Executor:     engine.NewExecutor(engine.ExecutorConfig{Logger: logger, MaxParallel: cfg.Engine.MaxParallel}),
		Logger:       logger,
		Metrics:      metrics,
		Locales:      locale.NewResolver(cfg.Locale.Supported...),
		RateLimiter:  governance.NewRateLimiter(nil),
		Timeouts:     governance.NewTimeoutManager(governance.TimeoutConfig{RequestTimeout: cfg.Governance.RequestTimeout}),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	return &server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		adapter:  adapter,
		metrics:  metrics,
		provider: provider,
		applied:  initial.Generation,
	}, nil
}

// watch applies snapshots from the provider until ctx is done. A snapshot
// that fails to build leaves the current endpoints serving.
func (s *server) watch(ctx context.Context) {
	updates := s.provider.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if snapshot.Generation == s.applied {
				continue
			}
			s.apply(ctx, snapshot)
			s.applied = snapshot.Generation
		}
	}
}

func (s *server) apply(ctx context.Context, snapshot domain.Snapshot) {
	if err := s.registry.UpdateEndpoints(ctx, snapshot.Endpoints); err != nil {
		s.metrics.RecordConfigReload("error")
		s.logger.Error("endpoint update rejected", "generation", snapshot.Generation, "error", err)
		return
	}
	s.metrics.RecordConfigReload("success")
}

// routes mounts the adapter next to the operational endpoints. With a
// separate metrics address the operational endpoints are served there.
func (s *server) routes() (handler http.Handler, ops http.Handler) {
	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	opsMux.Handle("/metrics", s.metrics.Handler())

	adapter := otelhttp.NewHandler(s.adapter, "pipelines.http")
	if s.cfg.Server.MetricsAddress != "" {
		return adapter, opsMux
	}
	opsMux.Handle("/", adapter)
	return opsMux, nil
}

func (s *server) close() {
	if err := s.provider.Close(); err != nil {
		s.logger.Warn("endpoint provider close error", "error", err)
	}
}

// run orchestrates the application lifecycle.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Exporter:     cfg.Telemetry.Exporter,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Environment:  cfg.Telemetry.Environment,
		SampleRatio:  cfg.Telemetry.SampleRatio,
		ResourceTags: map[string]string{"log.level": cfg.Logging.Level},
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer shutdownTelemetry(logger, telemetryShutdown)

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	go srv.watch(ctx)

	mainHandler, opsHandler := srv.routes()
	servers := []*http.Server{newHTTPServer(cfg.Server.Address, mainHandler)}
	if opsHandler != nil {
		servers = append(servers, newHTTPServer(cfg.Server.MetricsAddress, opsHandler))
	}

	errCh := make(chan error, len(servers))
	for i, httpSrv := range servers {
		ln, err := net.Listen("tcp", httpSrv.Addr)
		if err != nil {
			shutdownServers(logger, cfg.Server.ShutdownTimeout, servers[:i])
			return fmt.Errorf("listen on %s: %w", httpSrv.Addr, err)
		}
		useTLS := i == 0 && cfg.Server.TLSEnabled()
		logger.Info("server listening", "address", ln.Addr().String(), "tls", useTLS, "endpoints", len(srv.registry.List()))
		go func(httpSrv *http.Server, ln net.Listener, useTLS bool) {
			var err error
			if useTLS {
				err = httpSrv.ServeTLS(ln, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			} else {
				err = httpSrv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(httpSrv, ln, useTLS)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	case err = <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownServers(logger, cfg.Server.ShutdownTimeout, servers)
	return err
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func shutdownServers(logger *slog.Logger, timeout time.Duration, servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, httpSrv := range servers {
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown error", "address", httpSrv.Addr, "error", err)
		}
	}
}

// shutdownTelemetry gracefully shuts down the telemetry provider.
func shutdownTelemetry(logger *slog.Logger, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown error", "error", err)
	}
}
