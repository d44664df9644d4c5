// Command ingest pulls Japanese real-estate transaction records from the
// MLIT API into Postgres and keeps the quarterly FX rates current.
//
// Exactly one run mode is required: -full, -incremental, -year, or
// -refresh-fx-only. Exit codes: 0 on success, 1 on a fatal error, 3 when the
// run finished but some partitions failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"landprice/internal/fx"
	"landprice/internal/ingest/loader"
	"landprice/internal/ingest/models"
	"landprice/internal/ingest/orchestrator"
	"landprice/internal/ingest/refdata"
	"landprice/internal/ingest/store"
	"landprice/internal/mlit"
	"landprice/internal/platform/config"
	"landprice/internal/platform/httpserver"
	"landprice/internal/platform/logger"
	"landprice/internal/platform/metrics"
	"landprice/internal/platform/postgres"
	"landprice/internal/platform/ratelimit"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	full := flag.Bool("full", false, "full historical import (2005-present)")
	incremental := flag.Bool("incremental", false, "import only the latest published quarter")
	year := flag.Int("year", 0, "specific year to import")
	quarter := flag.Int("quarter", 0, "restrict -year to one quarter (1-4)")
	prefecture := flag.String("prefecture", "", "restrict -full or -year to one prefecture code (e.g. 13 for Tokyo)")
	fxOnly := flag.Bool("refresh-fx-only", false, "only refresh FX rates (no API key needed)")
	flag.Parse()

	modes := 0
	for _, set := range []bool{*full, *incremental, *year != 0, *fxOnly} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -full, -incremental, -year, -refresh-fx-only is required")
		flag.Usage()
		return exitFatal
	}

	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("connect to database: %v", err)
		return exitFatal
	}
	defer db.Close()

	m := metrics.New()
	pg := store.NewPostgres(db)
	if err := pg.Migrate(ctx); err != nil {
		log.Printf("migrate schema: %v", err)
		return exitFatal
	}

	if cfg.AdminAddr != "" {
		admin := httpserver.NewAdmin(cfg.AdminAddr)
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin server error: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(sctx)
		}()
		log.Printf("admin listener on %s", cfg.AdminAddr)
	}

	refresher := fx.New(fx.Config{
		Store:  pg,
		Logger: logger.Named("fx"),
	})

	if *fxOnly {
		if _, err := refresher.Refresh(ctx); err != nil {
			log.Printf("fx refresh failed: %v", err)
			return exitFatal
		}
		return exitOK
	}

	if cfg.APIKey == "" {
		log.Printf("MLIT_API_KEY is required for transaction ingestion")
		return exitFatal
	}

	client := mlit.NewClient(mlit.ClientConfig{
		APIKey:     cfg.APIKey,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		Limiter:    ratelimit.New(cfg.RequestsPerWindow, cfg.RequestWindow),
		Metrics:    m,
		Logger:     logger.Named("mlit"),
	})
	ld := loader.New(pg, refdata.New(pg), cfg.BatchSize, m, logger.Named("loader"))
	orch := orchestrator.New(orchestrator.Config{
		Client:  client,
		Loader:  ld,
		Workers: cfg.Workers,
		Metrics: m,
		Logger:  logger.Named("orchestrator"),
	})

	var (
		mode string
		plan []models.Partition
	)
	switch {
	case *full:
		mode = "full"
		plan, err = orch.FullPlan(*prefecture)
	case *incremental:
		mode = "incremental"
		plan, err = orch.IncrementalPlan(ctx)
	default:
		mode = "targeted"
		plan, err = orch.TargetedPlan(*year, *quarter, *prefecture)
	}
	if err != nil {
		log.Printf("plan %s run: %v", mode, err)
		return exitFatal
	}

	report, err := orch.Run(ctx, mode, plan)
	if err != nil {
		log.Printf("run aborted: %v", err)
		return exitFatal
	}

	if _, err := refresher.Refresh(ctx); err != nil {
		// The ingest itself succeeded; rates catch up on the next run.
		log.Printf("fx refresh failed: %v", err)
	}

	if report.PartialFailure() {
		log.Printf("%d partition(s) failed; re-run with -year/-quarter/-prefecture to fill the gaps", report.Failed)
		return exitPartial
	}
	return exitOK
}
