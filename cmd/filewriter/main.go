// Package main is the entry point for the file writer service: a
// streaming ingestion process that consumes scientific instrument
// messages from a message broker and persists them into hierarchical
// files (spec.md §1). Grounded on cmd/semstreams/main.go's run()/
// signal-handling shape, cut down to this service's single-process
// master-loop model.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umithardal/kafka-to-nexus/broker/natsbroker"
	"github.com/umithardal/kafka-to-nexus/config"
	"github.com/umithardal/kafka-to-nexus/master"
	"github.com/umithardal/kafka-to-nexus/metrics"
	"github.com/umithardal/kafka-to-nexus/registry"
	"github.com/umithardal/kafka-to-nexus/writer/ev42"
	"github.com/umithardal/kafka-to-nexus/writer/f142"
)

const exitConfigError = 1
const exitFatalError = 2

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, buf[:n])
			os.Exit(exitFatalError)
		}
	}()

	code := run(os.Args[1:])
	os.Exit(code)
}

func run(args []string) int {
	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	writerRegistry := registry.NewWriterRegistry()
	_ = writerRegistry.Register(f142.SchemaID, f142.Factory())
	_ = writerRegistry.Register(ev42.SchemaID, ev42.Factory())

	if flags.ListModules {
		printModules(writerRegistry.SchemaIDs())
		return 0
	}

	readerRegistry := registry.NewReaderRegistry()
	_ = readerRegistry.Register(f142.SchemaID, f142.Reader{})
	_ = readerRegistry.Register(ev42.SchemaID, ev42.Reader{})

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return exitConfigError
	}
	applyFlagOverrides(cfg, flags)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return exitConfigError
	}

	logger, logFile, err := setupLogger(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open log file:", err)
		return exitConfigError
	}
	if logFile != nil {
		defer logFile.Close()
	}
	slog.SetDefault(logger)

	logger.Info("starting file writer", "service_id", cfg.Service.ID)

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := natsbroker.Connect(ctx, natsbroker.Config{
		URL:                   cfg.Broker.URLs[0],
		StreamName:            cfg.Broker.StreamName,
		DefaultPartitionCount: cfg.Broker.DefaultPartitionCount,
		LatestOffsetBackoff:   cfg.Broker.LatestOffsetBackoff,
	})
	if err != nil {
		logger.Error("connect to broker failed", "error", err)
		return exitFatalError
	}
	defer client.Close()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics.Addr, m, logger)
		defer metricsServer.Close()
	}

	mst := master.New(master.Dependencies{
		Client:         client,
		WriterRegistry: writerRegistry,
		ReaderRegistry: readerRegistry,
		Config:         cfg,
		Metrics:        m,
		Logger:         logger,
	})

	if flags.CommandsJSON != "" {
		if err := seedCommands(mst, flags.CommandsJSON, logger); err != nil {
			logger.Error("seed commands failed", "error", err)
			return exitConfigError
		}
	}

	if err := mst.Run(ctx); err != nil {
		logger.Error("master loop exited with error", "error", err)
		return exitFatalError
	}

	logger.Info("file writer shut down cleanly")
	return 0
}

func applyFlagOverrides(cfg *config.Config, flags *cliFlags) {
	if flags.ServiceID != "" {
		cfg.Service.ID = flags.ServiceID
	}
	if flags.KafkaStatusURI != "" {
		cfg.Broker.URLs = []string{flags.KafkaStatusURI}
	}
	if flags.LogFile != "" {
		cfg.Logging.File = flags.LogFile
	}
	if flags.LogLevel >= 0 {
		cfg.Logging.Level = flags.LogLevel
	}
}

// seedCommands reads newline-delimited control-topic JSON commands from
// path and dispatches each one before the master loop starts polling
// the broker, per --commands-json (spec.md §6).
func seedCommands(mst *master.Master, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := mst.DispatchRaw(append([]byte(nil), line...)); err != nil {
			logger.Warn("seeded command rejected", "error", err)
		}
	}
	return scanner.Err()
}

func startMetricsServer(addr string, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv
}
