package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-intercept/pkg/config"
	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/engine"
	"github.com/polisai/polis-intercept/pkg/logging"
	"github.com/polisai/polis-intercept/pkg/pointcut"
	"github.com/polisai/polis-intercept/pkg/policy"
	"github.com/polisai/polis-intercept/pkg/storage"
	"github.com/polisai/polis-intercept/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the interception engine",
	Long: `Start the HTTP source and the admin server.

Every inbound request is wrapped in the source policies selected for it, and the
echo backend it reaches is wrapped in the matching operation policies. The admin
server exposes /healthz, /metrics and /policies.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := newInterceptRuntime(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}

	dataServer, err := listen(cfg.Server.DataAddress, otelhttp.NewHandler(rt.data, "intercept.source"), logger)
	if err != nil {
		return errors.Join(err, rt.Close(context.Background()))
	}
	adminServer, err := listen(cfg.Server.AdminAddress, rt.admin, logger)
	if err != nil {
		return errors.Join(err, dataServer.Close(), rt.Close(context.Background()))
	}

	logger.Info("polis-intercept started",
		"data_address", cfg.Server.DataAddress,
		"admin_address", cfg.Server.AdminAddress,
		"policy_file", cfg.Policies.File,
		"restore_precedence", cfg.Engine.RestorePrecedence,
	)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	for _, server := range []*http.Server{dataServer, adminServer} {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, rt.Close(shutdownCtx))
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("Shutdown error", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// interceptRuntime wires the policy provider, the manager and the HTTP handlers of
// one serving process.
type interceptRuntime struct {
	provider     *config.FilePolicyProvider
	manager      *engine.PolicyManager
	correlations *storage.MemoryCorrelationStore
	cancel       context.CancelFunc

	data  http.Handler
	admin http.Handler
}

func newInterceptRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (*interceptRuntime, error) {
	redactor := telemetry.NewRedactor(cfg.Telemetry.Redaction)
	policies := policy.DefaultRegistry(policy.Dependencies{Logger: logger, Redactor: redactor})

	provider, err := config.NewFilePolicyProvider(cfg.Policies.File, policies, config.ProviderOptions{
		Watch:  cfg.Policies.Watch,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	factory, err := pointcut.NewAttributeFactory("*", cfg.Engine.PointcutAttributes...)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	correlations := storage.NewMemoryCorrelationStore()
	manager, err := engine.NewPolicyManager(engine.ManagerConfig{
		Provider:           provider,
		SourceFactories:    []domain.SourcePointcutFactory{factory},
		OperationFactories: []domain.OperationPointcutFactory{factory},
		Correlations:       correlations,
		Pipelines:          cfg.Engine.Pipelines,
		CacheSize:          cfg.Engine.ChainCacheSize,
		Precedence:         engine.RestorePrecedence(cfg.Engine.RestorePrecedence),
		Metrics:            telemetry.NewEngineMetrics(registry),
		Logger:             logger,
		Redactor:           redactor,
	})
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	correlations.StartCleanup(sweepCtx, cfg.Engine.SweepInterval, cfg.Engine.CorrelationTTL)

	rt := &interceptRuntime{
		provider:     provider,
		manager:      manager,
		correlations: correlations,
		cancel:       cancel,
		data: &httpSource{
			manager:           manager,
			logger:            logger,
			transactionHeader: cfg.Engine.TransactionHeader,
			echoStatus:        cfg.Server.Echo.Status,
			echoDelay:         cfg.Server.Echo.Delay,
		},
	}
	rt.admin = rt.adminHandler(registry)
	return rt, nil
}

func (rt *interceptRuntime) adminHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /policies", func(w http.ResponseWriter, _ *http.Request) {
		response := struct {
			Generation        int64                  `json:"generation"`
			ManagerGeneration uint64                 `json:"manager_generation"`
			Policies          []config.PolicySummary `json:"policies"`
		}{ManagerGeneration: rt.manager.Generation(), Policies: []config.PolicySummary{}}
		if snapshot := rt.provider.Current(); snapshot != nil {
			response.Generation = snapshot.Generation
			response.Policies = snapshot.Summaries()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	})
	mux.HandleFunc("POST /policies/reload", func(w http.ResponseWriter, _ *http.Request) {
		if err := rt.provider.Reload(); err != nil {
			writeJSONError(w, http.StatusUnprocessableEntity, "RELOAD_FAILED", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Close stops accepting executions, disposes cached chains and stops the watcher.
func (rt *interceptRuntime) Close(ctx context.Context) error {
	rt.cancel()
	return errors.Join(rt.manager.Close(ctx), rt.provider.Close())
}

func listen(addr string, handler http.Handler, logger *slog.Logger) (*http.Server, error) {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "addr", addr, "error", err)
			os.Exit(1)
		}
	}()
	return server, nil
}
