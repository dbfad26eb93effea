// Command alert-sender broadcasts the as-yet-unsent alerts from the
// observation store over the bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
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
	"github.com/fastdb-project/fastdb/internal/alertsend"
	"github.com/fastdb-project/fastdb/internal/bus"
	"github.com/fastdb-project/fastdb/internal/config"
	"github.com/fastdb-project/fastdb/internal/pgdb"
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
		addedDays   = flag.Float64("added-days", 1, "broadcast through latest sent mjd plus this many days")
		throughDay  = flag.Float64("through-day", 0, "broadcast through this mjd instead of added-days")
		reallySend  = flag.Bool("really-send", false, "publish to the bus; otherwise dry run")
		workers     = flag.Int("workers", 5, "reconstruction workers")
		flushEvery  = flag.Int("flush-every", 1000, "publisher flush / sent-record batch size")
		logEvery    = flag.Int("log-every", 10000, "progress log interval in alerts")
		prevSrc     = flag.Float64("prevsrc-days", 365, "prior source history window in days")
		prevFrc     = flag.Float64("prevfrced-days", 365, "prior forced source history window in days")
		prevFrcGap  = flag.Float64("prevfrced-gap-days", 1, "prior forced source gap in days")
		metricsAddr = flag.String("metrics-addr", "", "listen address for prometheus metrics, empty disables")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))
	slog.SetDefault(logger)

	addedSet, throughSet := false, false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "added-days":
			addedSet = true
		case "through-day":
			throughSet = true
		}
	})
	if addedSet && throughSet {
		fmt.Fprintln(os.Stderr, "only one of -added-days and -through-day may be given")
		flag.Usage()
		return exitUsage
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		logger.Error("load environment", "error", err)
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgPort, err := config.Uint16("FASTDB_PG_PORT", 5432)
	if err != nil {
		logger.Error("bad configuration", "error", err)
		return exitUsage
	}
	db, err := pgdb.Connect(ctx, pgdb.Config{
		Host:         config.String("FASTDB_PG_HOST", "localhost"),
		Port:         pgPort,
		DBName:       config.String("FASTDB_PG_DBNAME", "fastdb"),
		User:         config.String("FASTDB_PG_USER", "postgres"),
		Password:     os.Getenv("FASTDB_PG_PASSWORD"),
		PasswordFile: os.Getenv("FASTDB_PG_PASSWORD_FILE"),
	})
	if err != nil {
		logger.Error("connect relational store", "error", err)
		return exitError
	}
	defer db.Close()

	codec, err := alertschema.NewCodec()
	if err != nil {
		logger.Error("build codec", "error", err)
		return exitError
	}

	reg := prometheus.NewRegistry()
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

	var pub *bus.Producer
	if *reallySend {
		tlsDisabled, err := config.Bool("FASTDB_KAFKA_TLS_DISABLED", false)
		if err != nil {
			logger.Error("bad configuration", "error", err)
			return exitUsage
		}
		pub, err = bus.NewProducer(
			bus.WithProducerBrokers(config.StringList("FASTDB_KAFKA_BROKERS", []string{"localhost:9092"})),
			bus.WithProducerTopic(config.String("FASTDB_ALERT_TOPIC", "alerts")),
			bus.WithProducerSCRAM(os.Getenv("FASTDB_KAFKA_USERNAME"), os.Getenv("FASTDB_KAFKA_PASSWORD")),
			bus.WithProducerTLSDisabled(tlsDisabled),
			bus.WithProducerLogger(logger),
		)
		if err != nil {
			logger.Error("connect bus", "error", err)
			return exitError
		}
		defer pub.Close()
	}

	factory := func(ctx context.Context) (alertsend.Catalog, error) {
		return alertsend.NewPGCatalog(ctx, db.Pool)
	}
	var sendPub alertsend.Publisher
	if pub != nil {
		sendPub = pub
	}
	sender := alertsend.NewSender(factory, codec, sendPub,
		alertsend.WithWorkers(*workers),
		alertsend.WithFlushEvery(*flushEvery),
		alertsend.WithLogEvery(*logEvery),
		alertsend.WithReallySend(*reallySend),
		alertsend.WithSenderLogger(logger),
		alertsend.WithSenderMetrics(alertsend.NewMetrics(reg)),
		alertsend.WithReconstructorConfig(alertsend.ReconstructorConfig{
			PrevSourceDays:    *prevSrc,
			PrevForcedDays:    *prevFrc,
			PrevForcedGapDays: *prevFrcGap,
		}),
	)

	var added, through *float64
	if throughSet {
		through = throughDay
	} else {
		added = addedDays
	}

	start := time.Now()
	report, err := sender.Run(ctx, added, through)
	switch {
	case errors.Is(err, alertsend.ErrConflictingTarget):
		logger.Error("usage", "error", err)
		return exitUsage
	case errors.Is(err, context.Canceled):
		logger.Warn("interrupted", "published", report.Published, "recorded", report.Recorded)
		return exitSignal
	case err != nil:
		logger.Error("broadcast failed", "error", err)
		return exitError
	}
	logger.Info("done",
		"selected", report.Selected,
		"reconstructed", report.Reconstructed,
		"published", report.Published,
		"recorded", report.Recorded,
		"elapsed", time.Since(start))
	return exitOK
}
