// Command source-importer loads broker documents saved since the last
// watermark into the relational store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/fastdb-project/fastdb/internal/config"
	"github.com/fastdb-project/fastdb/internal/importer"
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
		envFile    = flag.String("env", "", "path to .env file (default .env if present)")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
		collection = flag.String("collection", "", "broker message collection to import (required)")
		procver    = flag.String("procver", "", "processing version: description, alias, or id (required)")
		radius     = flag.Float64("radius-arcsec", 1.0, "root object match radius in arcseconds")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))
	slog.SetDefault(logger)

	if *collection == "" || *procver == "" {
		fmt.Fprintln(os.Stderr, "-collection and -procver are required")
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

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		return exitError
	}

	procverID, err := db.ResolveProcessingVersion(ctx, *procver)
	if err != nil {
		logger.Error("resolve processing version", "error", err)
		if errors.Is(err, pgdb.ErrNotFound) || errors.Is(err, pgdb.ErrAmbiguous) {
			return exitUsage
		}
		return exitError
	}

	source, err := importer.NewMongoSource(ctx,
		config.String("FASTDB_MONGO_URI", "mongodb://localhost:27017"),
		config.String("FASTDB_MONGO_DBNAME", "fastdb"),
		*collection)
	if err != nil {
		logger.Error("connect document store", "error", err)
		return exitError
	}
	defer source.Close(context.Background())

	imp := importer.New(db, source, *collection, procverID,
		importer.WithRadiusArcsec(*radius),
		importer.WithLogger(logger))

	start := time.Now()
	counts, err := imp.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Warn("interrupted, transaction rolled back")
		return exitSignal
	}
	if err != nil {
		logger.Error("import failed", "error", err)
		return exitError
	}
	logger.Info("done",
		"objects", counts.Objects,
		"newObjects", counts.NewObjects,
		"linkedToRoots", counts.LinkedToRoots,
		"rootsMinted", counts.RootsMinted,
		"sources", counts.Sources,
		"prvSources", counts.PrvSources,
		"forcedSources", counts.ForcedSources,
		"elapsed", time.Since(start))
	return exitOK
}
