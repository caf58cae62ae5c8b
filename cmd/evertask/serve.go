package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/evertask/evertask"
	"github.com/evertask/evertask/pkg/models"
	"github.com/evertask/evertask/pkg/recurrence"
	"github.com/evertask/evertask/pkg/storage"
	"github.com/evertask/evertask/pkg/storage/postgres"
	"github.com/evertask/evertask/pkg/storage/sqlite"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath  string
		storageKind string
		dsn         string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo task host",
		Long: `Run the task runtime with demo handlers: a heartbeat that fires every
ten seconds and a one-shot greeting dispatched at startup.

The host exposes Prometheus metrics and shuts down gracefully on
SIGINT/SIGTERM.`,
		Example: `  # In-memory storage, metrics on :9090
  evertask serve

  # Durable tasks in a local SQLite file
  evertask serve --storage sqlite --dsn tasks.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, storageKind, dsn, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&storageKind, "storage", "memory", "Storage backend: memory, sqlite or postgres")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Database path (sqlite) or connection string (postgres)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address for the Prometheus /metrics endpoint")

	return cmd
}

type heartbeatRequest struct {
	Source string `json:"source"`
}

type heartbeatHandler struct{}

func (heartbeatHandler) Handle(ctx context.Context, request heartbeatRequest) error {
	evertask.Logger(ctx).Info("heartbeat", "source", request.Source)
	return nil
}

type greetingRequest struct {
	Name string `json:"name"`
}

type greetingHandler struct{}

func (greetingHandler) Handle(ctx context.Context, request greetingRequest) error {
	evertask.Logger(ctx).Info("hello", "name", request.Name)
	return nil
}

func runServe(ctx context.Context, configPath, storageKind, dsn, metricsAddr string) error {
	config := evertask.DefaultConfig()
	if configPath != "" {
		loaded, err := evertask.LoadConfig(configPath)
		if err != nil {
			return err
		}
		config = loaded
	}

	store, err := openStorage(storageKind, dsn)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := store.(storage.Closer); ok {
			_ = closer.Close()
		}
	}()

	handlers := evertask.NewHandlerRegistry()
	if err := evertask.Register[heartbeatRequest](handlers, heartbeatHandler{}); err != nil {
		return err
	}
	if err := evertask.Register[greetingRequest](handlers, greetingHandler{}); err != nil {
		return err
	}

	service, err := evertask.NewTaskService(store, handlers, config, evertask.WithMetrics(nil))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return err
	}

	unsubscribe := service.Monitor(func(event models.TaskEvent) {
		fmt.Printf("[%s] %s %s task=%s\n",
			event.EventDateUtc.Format(time.RFC3339), event.Severity, event.Message, event.TaskID)
	})
	defer unsubscribe()

	if _, err := service.Dispatch(ctx, greetingRequest{Name: "world"}); err != nil {
		return err
	}
	spec, err := recurrence.Schedule().RunNow().EverySeconds(10).Build()
	if err != nil {
		return err
	}
	if _, err := service.DispatchRecurring(ctx, heartbeatRequest{Source: "demo"}, spec, evertask.WithTaskKey("demo-heartbeat")); err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "metrics server:", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	return service.Stop(shutdownCtx)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func openStorage(kind, dsn string) (storage.TaskStorage, error) {
	switch kind {
	case "memory", "":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "evertask.db"
		}
		return sqlite.NewStore(dsn)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("--dsn is required for postgres storage")
		}
		return postgres.NewStore(dsn, nil)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
