// Command rebuild runs spec.md §4.4.5's offline maintenance pass:
// RebuildAggregates over WineLot and/or Action, folding each aggregate's
// complete event history from identity() and re-persisting its snapshot
// row, chunked per spec.md §4.4.6's cursor pagination.
//
// Grounded on pkg/runner/signals.go's WaitForShutdownSignal: SIGINT/SIGTERM
// cancels the rebuild's context, so the chunk in progress is rolled back
// (chunks already committed stay) and the command exits with an error,
// never leaving a half-committed transaction.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/config"
	"github.com/cellarstack/winelog/pkg/eventstore"
	"github.com/cellarstack/winelog/pkg/idgen"
	"github.com/cellarstack/winelog/pkg/notify"
	"github.com/cellarstack/winelog/pkg/observability"
	"github.com/cellarstack/winelog/pkg/runner"
	"github.com/cellarstack/winelog/pkg/wine"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func main() {
	aggregate := flag.String("aggregate", "all", `which aggregate to rebuild: "wine_lot", "action", or "all"`)
	idFilter := flag.String("id", "", "rebuild only this single aggregate id (default: every row)")
	flag.Parse()

	logger := newLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		runner.WaitForShutdownSignal()
		logger.Info("shutdown signal received, cancelling rebuild")
		cancel()
	}()
	defer cancel()

	if err := run(ctx, logger, cfg, *aggregate, normalizedFilter(*idFilter)); err != nil {
		logger.Error("rebuild failed", "error", err)
		os.Exit(1)
	}
}

func normalizedFilter(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, aggregate string, idFilter *string) error {
	opts := []eventstore.Option{eventstore.WithDSN(cfg.Database.DSN), eventstore.WithWALMode(cfg.Database.WALMode)}
	db, err := eventstore.OpenDB(opts...)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := wine.EnsureWineLotsSchema(db); err != nil {
		return fmt.Errorf("ensure wine_lots schema: %w", err)
	}
	if err := wine.EnsureActionsSchema(db); err != nil {
		return fmt.Errorf("ensure actions schema: %w", err)
	}

	clk := clock.SystemClock{}
	ids := idgen.NewULIDGen(nil)

	lotStore, err := eventstore.NewSQLiteStore(db, "wine_lot", ids, clk)
	if err != nil {
		return fmt.Errorf("open wine_lot event store: %w", err)
	}
	actionStore, err := eventstore.NewSQLiteStore(db, "action", ids, clk)
	if err != nil {
		return fmt.Errorf("open action event store: %w", err)
	}

	traceExporter, err := observability.NewSQLiteTraceExporter(observability.DefaultSQLiteExporterConfig(db))
	if err != nil {
		return fmt.Errorf("open trace exporter: %w", err)
	}
	metricExporter, err := observability.NewSQLiteMetricExporter(observability.DefaultSQLiteExporterConfig(db))
	if err != nil {
		return fmt.Errorf("open metric exporter: %w", err)
	}
	metricReader := sdkmetric.NewPeriodicReader(metricExporter,
		sdkmetric.WithInterval(10*time.Second),
		sdkmetric.WithTimeout(5*time.Second),
	)
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:     "winelog-rebuild",
		ServiceVersion:  "dev",
		Environment:     "local",
		TraceExporter:   traceExporter,
		TraceSampleRate: 1.0,
		MetricReader:    metricReader,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer tel.Shutdown(context.Background())

	svc := wine.NewService(db, lotStore, actionStore, notify.NewBus(), clk, ids, tel.Tracer("rebuild"))

	onChunk := func(processed []string) {
		logger.Info("rebuilt chunk", "count", len(processed), "last_id", processed[len(processed)-1])
	}

	start := time.Now()
	switch aggregate {
	case "wine_lot":
		err = svc.RebuildLots(ctx, cfg.Replay.RebuildChunkSize, idFilter, onChunk)
	case "action":
		err = svc.RebuildActions(ctx, cfg.Replay.RebuildChunkSize, idFilter, onChunk)
	case "all":
		if err = svc.RebuildLots(ctx, cfg.Replay.RebuildChunkSize, idFilter, onChunk); err == nil {
			err = svc.RebuildActions(ctx, cfg.Replay.RebuildChunkSize, idFilter, onChunk)
		}
	default:
		return fmt.Errorf("unknown -aggregate %q (want wine_lot, action, or all)", aggregate)
	}
	elapsed := time.Since(start)
	if tel.Metrics != nil {
		tel.Metrics.RecordCommand(ctx, "rebuild_"+aggregate, elapsed, err)
	}
	if err != nil {
		return err
	}

	logger.Info("rebuild complete", "aggregate", aggregate, "elapsed", elapsed)
	return nil
}
