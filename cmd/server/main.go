// Command server runs the funnel stats service: event ingest, reporting
// reads, and the aggregation scheduler behind one HTTP listener.
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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/funnel-stats/internal/config"
	"github.com/tbourn/funnel-stats/internal/distlock"
	"github.com/tbourn/funnel-stats/internal/domain"
	httpapi "github.com/tbourn/funnel-stats/internal/http"
	"github.com/tbourn/funnel-stats/internal/observability"
	"github.com/tbourn/funnel-stats/internal/repo"
	"github.com/tbourn/funnel-stats/internal/scheduler"
	"github.com/tbourn/funnel-stats/internal/services"
	"github.com/tbourn/funnel-stats/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = ""

const (
	shutdownTimeout = 20 * time.Second
	purgeInterval   = time.Hour
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	gin.SetMode(cfg.GinMode)

	ver := sysutil.FirstNonEmpty(version, os.Getenv("APP_VERSION"), "dev")
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	shutdownOTel, err := observability.SetupOTel(rootCtx, cfg.OTEL, ver, observability.ResourceAttrs(cfg)...)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	db, err := repo.Open(cfg.DBDriver, cfg.DBDSN, repo.Options{
		Tracing:  cfg.OTEL.Enabled,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	cal, err := domain.LoadCalendar(cfg.ReportingTimezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.ReportingTimezone).Msg("load reporting timezone")
	}

	store := repo.NewStore(db, repo.Retrier{Attempts: cfg.StoreRetryAttempts, Delay: cfg.StoreRetryDelay})
	tracker := &services.DirtyTracker{Store: store, Calendar: cal}
	agg := &services.Aggregator{Store: store, Calendar: cal}
	events := &services.EventService{
		Store:          store,
		Marker:         tracker,
		Calendar:       cal,
		IdempotencyTTL: cfg.IdempotencyTTL,
		MarkTimeout:    cfg.MarkDirtyTimeout,
	}
	stats := &services.StatsService{Store: store, Calendar: cal}

	var opts []scheduler.Option
	var redisClient *redis.Client
	if cfg.Lock.Enabled {
		lock, rc, err := newTickLock(cfg, db)
		if err != nil {
			log.Fatal().Err(err).Msg("tick lock")
		}
		redisClient = rc
		opts = append(opts, scheduler.WithLock(lock))
	}

	sched, err := scheduler.New(agg, cal, scheduler.Config{
		DrainInterval:  cfg.Scheduler.DrainInterval,
		DrainBatchSize: cfg.Scheduler.DrainBatchSize,
		MainHour:       cfg.Scheduler.MainHour,
		MainBatchSize:  cfg.Scheduler.MainBatchSize,
		Timezone:       cfg.ReportingTimezone,
	}, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler config")
	}
	if cfg.Scheduler.Autostart {
		sched.Start()
	}

	go purgeIdempotency(rootCtx, store)

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        db,
		Events:    events,
		Stats:     stats,
		Scheduler: sched,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", ver).
			Str("db_driver", cfg.DBDriver).
			Str("timezone", cfg.ReportingTimezone).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sched.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	events.Wait()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownOTel(ctx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
	log.Info().Msg("bye")
}

// newTickLock prefers Redis when REDIS_ADDR is set and falls back to a
// Postgres advisory lock on the application database.
func newTickLock(cfg config.Config, db *gorm.DB) (distlock.DistLock, *redis.Client, error) {
	if cfg.Lock.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return nil, nil, err
		}
		l, err := distlock.NewLock(rc, nil, scheduler.LockKey, cfg.Lock.TTL)
		return l, rc, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	l, err := distlock.NewLock(nil, sqlDB, scheduler.LockKey, cfg.Lock.TTL)
	return l, nil, err
}

// purgeIdempotency drops closed replay windows until ctx ends.
func purgeIdempotency(ctx context.Context, store *repo.Store) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.PurgeExpiredIdempotency(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency keys")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("idempotency keys purged")
			}
		}
	}
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		return logger.Info
	case "error", "fatal", "panic":
		return logger.Error
	default:
		return logger.Warn
	}
}
