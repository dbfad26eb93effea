// Command broker-consumer ingests broker classification messages from the
// bus into the document store.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fastdb-project/fastdb/internal/alertschema"
	"github.com/fastdb-project/fastdb/internal/brokerconsumer"
	"github.com/fastdb-project/fastdb/internal/bus"
	"github.com/fastdb-project/fastdb/internal/config"
)

const (
	exitOK     = 0
	exitError  = 1
	exitUsage  = 2
	exitSignal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		envFile     = flag.String("env", "", "path to .env file (default .env if present)")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
		reset       = flag.Bool("reset", false, "rewind the group to the topic start on first connect")
		restart     = flag.Duration("restart", 30*time.Minute, "reconnect to the bus after this long")
		maxRestarts = flag.Int("max-restarts", -1, "stop after this many reconnects, 0 stops after the first cycle, negative runs forever")
		batchSize   = flag.Int("batch-size", 100, "max messages per poll")
		countLog    = flag.String("count-log", "", "append per-batch counts to this file")
		metricsAddr = flag.String("metrics-addr", "", "listen address for prometheus metrics, empty disables")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))
	slog.SetDefault(logger)

	if err := config.LoadDotEnv(*envFile); err != nil {
		logger.Error("load environment", "error", err)
		return exitError
	}

	topics := config.StringList("FASTDB_CLASSIFICATION_TOPICS", []string{"classifications"})
	tlsDisabled, err := config.Bool("FASTDB_KAFKA_TLS_DISABLED", false)
	if err != nil {
		logger.Error("bad configuration", "error", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := brokerconsumer.NewMongoStore(ctx,
		config.String("FASTDB_MONGO_URI", "mongodb://localhost:27017"),
		config.String("FASTDB_MONGO_DBNAME", "fastdb"),
		config.String("FASTDB_MONGO_COLLECTION", "brokermessages"))
	if err != nil {
		logger.Error("connect document store", "error", err)
		return exitError
	}
	defer store.Close(context.Background())

	codec, err := alertschema.NewCodec()
	if err != nil {
		logger.Error("build codec", "error", err)
		return exitError
	}

	opts := []brokerconsumer.Option{
		brokerconsumer.WithBatchSize(*batchSize),
		brokerconsumer.WithLogger(logger),
	}

	if *countLog != "" {
		f, err := os.OpenFile(*countLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("open count log", "error", err)
			return exitError
		}
		defer f.Close()
		opts = append(opts, brokerconsumer.WithCountLogger(slog.New(slog.NewTextHandler(f, nil))))
	}

	reg := prometheus.NewRegistry()
	opts = append(opts, brokerconsumer.WithMetrics(brokerconsumer.NewMetrics(reg)))
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	control := bus.NewControlPipe()
	opts = append(opts, brokerconsumer.WithControl(control))
	go func() {
		<-ctx.Done()
		control.Die()
	}()
	go func() {
		for hb := range control.Heartbeats() {
			logger.Debug("heartbeat", "consumed", hb.NConsumed, "runtime", hb.Runtime)
		}
	}()

	consumer := brokerconsumer.New(brokerconsumer.BusConfig{
		Brokers:     config.StringList("FASTDB_KAFKA_BROKERS", []string{"localhost:9092"}),
		Group:       config.String("FASTDB_KAFKA_GROUP", "fastdb-broker-consumer"),
		Username:    os.Getenv("FASTDB_KAFKA_USERNAME"),
		Password:    os.Getenv("FASTDB_KAFKA_PASSWORD"),
		TLSDisabled: tlsDisabled,
	}, topics, store, codec, opts...)

	// Poll runs on a background context so a signal drains through the
	// control pipe instead of tearing the batch handler down mid-insert.
	err = consumer.Poll(context.Background(), *reset, *restart, *maxRestarts)
	if err != nil {
		logger.Error("consumer failed", "error", err, "totHandled", consumer.TotHandled())
		return exitError
	}
	if ctx.Err() != nil {
		logger.Info("stopped on signal", "totHandled", consumer.TotHandled())
		return exitSignal
	}
	logger.Info("done", "totHandled", consumer.TotHandled())
	return exitOK
}
