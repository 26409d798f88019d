package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sqlshard/taskworker/internal/observability/metrics"
	"github.com/sqlshard/taskworker/internal/profile"
	"github.com/sqlshard/taskworker/internal/task"
	"github.com/sqlshard/taskworker/internal/taskapi"
	"github.com/sqlshard/taskworker/internal/taskstore"
	"github.com/sqlshard/taskworker/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "taskworker",
	Short: "Task execution core for a single MPP SQL engine worker node.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <taskId>",
	Short: "Print the last persisted snapshot for a task that may no longer be resident in memory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 7070)
	viper.SetDefault("driver", "sqlite")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod", "dev", or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address to listen on")
	rootCmd.PersistentFlags().Int("port", 7070, "port to listen on")
	rootCmd.PersistentFlags().String("unix-sock", "", "path to a unix socket, overrides --addr and --port")
	rootCmd.PersistentFlags().String("data", "", "data directory holding the snapshot store")
	rootCmd.PersistentFlags().String("driver", "sqlite", "snapshot store driver (currently only sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "snapshot store data source name")
	rootCmd.PersistentFlags().String("instance-url", "", "the url this worker is reachable at, reported to the coordinator")
	rootCmd.PersistentFlags().String("jwt-signing-key", "", "HMAC key authenticating coordinator requests; empty disables auth")
	rootCmd.PersistentFlags().Int("max-worker-threads", 0, "goroutine pool size for the quantum executor (0 = runtime.NumCPU())")
	rootCmd.PersistentFlags().Duration("task-quantum", time.Second, "wall-clock budget given to a driver on each dispatch")
	rootCmd.PersistentFlags().Int64("max-buffer-bytes", 32<<20, "per-task shared output buffer limit in bytes")
	rootCmd.PersistentFlags().Duration("deregister-grace", 5*time.Minute, "how long a terminal task stays queryable after completion before the registry drops it")

	for _, f := range []string{
		"mode", "addr", "port", "unix-sock", "data", "driver", "dsn",
		"instance-url", "jwt-signing-key", "max-worker-threads", "task-quantum",
		"max-buffer-bytes", "deregister-grace",
	} {
		if err := viper.BindPFlag(f, rootCmd.PersistentFlags().Lookup(f)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("taskworker")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	// Support both TASKWORKER_* and legacy WORKER_* prefixes.
	bindEnvWithFallback := func(configKey, newEnv, legacyEnv string) {
		if err := viper.BindEnv(configKey, newEnv); err != nil {
			panic(err)
		}
		if err := viper.BindEnv(configKey, legacyEnv); err != nil {
			panic(err)
		}
	}

	bindEnvWithFallback("driver", "TASKWORKER_DRIVER", "WORKER_DRIVER")
	bindEnvWithFallback("dsn", "TASKWORKER_DSN", "WORKER_DSN")
	bindEnvWithFallback("instance-url", "TASKWORKER_INSTANCE_URL", "WORKER_INSTANCE_URL")
	bindEnvWithFallback("jwt-signing-key", "TASKWORKER_JWT_SIGNING_KEY", "WORKER_JWT_SIGNING_KEY")

	rootCmd.AddCommand(inspectCmd)
}

func loadProfile() (*profile.Profile, error) {
	p := &profile.Profile{
		Mode:        viper.GetString("mode"),
		Addr:        viper.GetString("addr"),
		Port:        viper.GetInt("port"),
		UnixSock:    viper.GetString("unix-sock"),
		Data:        viper.GetString("data"),
		Driver:      viper.GetString("driver"),
		DSN:         viper.GetString("dsn"),
		InstanceURL: viper.GetString("instance-url"),
		Version:     version.GetCurrentVersion(viper.GetString("mode")),

		MaxWorkerThreads: viper.GetInt("max-worker-threads"),
		TaskQuantum:      viper.GetDuration("task-quantum"),
		MaxBufferSize:    viper.GetInt64("max-buffer-bytes"),
		JWTSigningKey:    viper.GetString("jwt-signing-key"),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func runServe() error {
	prof, err := loadProfile()
	if err != nil {
		return err
	}

	store, err := taskstore.Open(prof.DSN)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())

	// executor is the shared dispatch pool every task planned onto this
	// worker runs against; a caller embedding this process constructs each
	// task's TaskExecution against it (with logging.NewQueryMonitor and
	// exporter as its QueryMonitor/MetricsSink) and calls registry.Register.
	executor := task.NewQuantumExecutor(prof.MaxWorkerThreads, prof.TaskQuantum)

	registry := taskapi.NewRegistry(viper.GetDuration("deregister-grace"), exporter)
	server := taskapi.NewServer(registry, taskapi.ServerConfig{
		Addr:           serverAddr(prof),
		UnixSock:       prof.UnixSock,
		JWTSigningKey:  prof.JWTSigningKey,
		Metrics:        exporter,
		MetricsHandler: exporter.Handler(),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	printGreetings(prof, executor, store)

	select {
	case <-sigCh:
		slog.Info("taskworker: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		executor.Close()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	return nil
}

func runInspect(taskId string) error {
	prof, err := loadProfile()
	if err != nil {
		return err
	}

	store, err := taskstore.Open(prof.DSN)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	rec, err := store.GetSnapshot(context.Background(), taskId)
	if err != nil {
		return fmt.Errorf("no snapshot found for task %q: %w", taskId, err)
	}

	fmt.Printf("task:         %s\n", rec.TaskId)
	fmt.Printf("final state:  %s\n", rec.FinalState)
	fmt.Printf("version:      %d\n", rec.Version)
	fmt.Printf("started at:   %s\n", rec.StartedAt.Format(time.RFC3339))
	fmt.Printf("finished at:  %s\n", rec.FinishedAt.Format(time.RFC3339))
	fmt.Printf("drivers:      %d\n", rec.DriverCount)
	fmt.Printf("splits:       %d\n", rec.SplitCount)
	if rec.FailureSummary != "" {
		fmt.Printf("failures:     %s\n", rec.FailureSummary)
	}
	return nil
}

func serverAddr(p *profile.Profile) string {
	if p.Addr != "" {
		return fmt.Sprintf("%s:%d", p.Addr, p.Port)
	}
	return fmt.Sprintf(":%d", p.Port)
}

func printGreetings(p *profile.Profile, executor *task.QuantumExecutor, store *taskstore.Store) {
	fmt.Printf("taskworker %s started\n", p.Version)
	fmt.Printf("mode: %s\n", p.Mode)
	fmt.Printf("snapshot store: %s (%s)\n", p.DSN, p.Driver)
	if p.UnixSock != "" {
		fmt.Printf("listening on unix socket: %s\n", p.UnixSock)
	} else if p.Addr != "" {
		fmt.Printf("listening on %s:%d\n", p.Addr, p.Port)
	} else {
		fmt.Printf("listening on port %d\n", p.Port)
	}
	if !p.IsAuthEnabled() {
		fmt.Fprintln(os.Stderr, "warning: coordinator authentication is disabled")
	}
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskworker: fatal error", "error", err)
		os.Exit(1)
	}
}
