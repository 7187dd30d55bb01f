package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crmsync/crmsync"
	"github.com/crmsync/crmsync/pkg/config"
	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
)

// app is what every subcommand runs against. It is filled in by the root
// command's PersistentPreRunE and torn down by execute.
type app struct {
	v           *viper.Viper
	configPath  string
	metricsAddr string
	logFile     string

	settings *config.Settings
	logger   logger.Logger
	logData  *logger.LogData
	metrics  *metrics.Metrics
	server   *http.Server
}

func rootCommand() (*cobra.Command, *app) {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:           "crmsync",
		Short:         "Keep CRM records in sync with the backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.String("graphql-url", "", "GraphQL endpoint")
	flags.String("socket-url", "", "Real-time socket endpoint")
	flags.String("api-key", "", "API key sent with every request")
	flags.Bool("demo", false, "Serve bundled demo data instead of connecting")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&a.logFile, "log-file", "", "Write logs to this file instead of stdout")

	for key, flag := range map[string]string{
		"graphql_url": "graphql-url",
		"socket_url":  "socket-url",
		"api_key":     "api-key",
		"demo":        "demo",
		"log_level":   "log-level",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.initialize()
	}

	rootCmd.AddCommand(
		timelineCommand(a),
		watchCommand(a),
		organizationsCommand(a),
	)
	return rootCmd, a
}

// execute runs cmd and then shuts down what initialize started. cobra skips
// post-run hooks when RunE fails, so the shutdown happens here.
func execute(ctx context.Context, cmd *cobra.Command, a *app) error {
	err := cmd.ExecuteContext(ctx)
	return errors.Join(err, a.shutdown(ctx))
}

func (a *app) initialize() error {
	if err := config.ReadFile(a.v, a.configPath); err != nil {
		return err
	}
	settings, err := config.FromViper(a.v)
	if err != nil {
		return err
	}
	a.settings = settings

	if a.logFile == "" {
		a.logger = logger.Must(settings.LogLevel)
	} else {
		logData, err := logger.New().FromPath(a.logFile).Level(settings.LogLevel).Make()
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		a.logData = logData
		a.logger = logData
	}

	if a.metricsAddr != "" {
		return a.serveMetrics()
	}
	return nil
}

func (a *app) serveMetrics() error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(registry)
	if err != nil {
		return err
	}
	a.metrics = m

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	a.server = &http.Server{
		Addr:              a.metricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", a.metricsAddr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", a.metricsAddr)
	return nil
}

func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.logData != nil {
		errs = append(errs, a.logData.Close())
	}
	return errors.Join(errs...)
}

func (a *app) newRoot(ctx context.Context) (*crmsync.Root, error) {
	return crmsync.New(ctx, a.settings,
		crmsync.WithLogger(a.logger),
		crmsync.WithMetrics(a.metrics))
}
