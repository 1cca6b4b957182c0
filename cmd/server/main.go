// Command server runs the Mirasi backend: the HTTP API, the stale-generation
// sweeper, and graceful shutdown plumbing around both.
//
// Startup order:
//  1. Load .env (best effort) and the environment configuration.
//  2. Configure logging and OpenTelemetry.
//  3. Open SQLite, run migrations.
//  4. Construct the storage, queue, payment, watermark, and cache clients.
//  5. Serve until SIGINT/SIGTERM, then drain with a timeout.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/cache"
	"github.com/mirasi-app/go-mirasi-backend/internal/config"
	"github.com/mirasi-app/go-mirasi-backend/internal/falqueue"
	httpapi "github.com/mirasi-app/go-mirasi-backend/internal/http"
	"github.com/mirasi-app/go-mirasi-backend/internal/observability"
	"github.com/mirasi-app/go-mirasi-backend/internal/payments"
	"github.com/mirasi-app/go-mirasi-backend/internal/repo"
	"github.com/mirasi-app/go-mirasi-backend/internal/services"
	"github.com/mirasi-app/go-mirasi-backend/internal/storage"
	"github.com/mirasi-app/go-mirasi-backend/internal/styles"
	"github.com/mirasi-app/go-mirasi-backend/internal/sysutil"
	"github.com/mirasi-app/go-mirasi-backend/internal/watermark"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// sweeperRepo adapts the free-function repository to services.StaleRepo.
type sweeperRepo struct{}

func (sweeperRepo) FailStaleProcessing(ctx context.Context, db *gorm.DB, cutoff time.Time, message string) (int64, error) {
	return repo.FailStaleProcessing(ctx, db, cutoff, message)
}

// watermarkText is rendered across every preview image.
const watermarkText = "MIRASI"

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	marker, err := watermark.New(watermarkText)
	if err != nil {
		log.Fatal().Err(err).Msg("watermark font failed")
	}

	deps := httpapi.Deps{
		Store:   storage.New(cfg.Storage.URL, cfg.Storage.ServiceKey),
		Queue:   falqueue.New(cfg.Fal.BaseURL, cfg.Fal.APIKey),
		Gateway: payments.New(cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret, cfg.Razorpay.WebhookSecret),
		Marker:  marker,
		Styles:  styles.NewRegistry(),
	}

	var statusCache *cache.StatusCache
	if cfg.RedisURL != "" {
		statusCache, err = cache.New(cfg.RedisURL, cfg.StaleAfter)
		if err != nil {
			// The cache is an optimization; run without it rather than refuse to start.
			log.Warn().Err(err).Msg("redis unavailable, terminal-status cache disabled")
			statusCache = nil
		}
	}
	if statusCache != nil {
		defer statusCache.Close()
		deps.Cache = statusCache
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, db, deps, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	sweeper := &services.StaleSweeper{
		DB:         db,
		Repo:       sweeperRepo{},
		StaleAfter: cfg.StaleAfter,
		Interval:   cfg.SweepEvery,
		Log:        log.With().Str("component", "sweeper").Logger(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			return err
		}
		return shutdownOTel(drainCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}
