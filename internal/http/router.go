// Package httpapi wires the HTTP transport (Gin) to the funnel stats
// services, middleware and route handlers. It centralizes cross-cutting
// concerns: tracing, correlation IDs, logging, panic recovery, metrics,
// CORS, security and cache headers, idempotency and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/funnel-stats/internal/config"
	"github.com/tbourn/funnel-stats/internal/http/handlers"
	"github.com/tbourn/funnel-stats/internal/http/middleware"
	"github.com/tbourn/funnel-stats/internal/repo"
)

// maxBodyBytes caps every request body; one event is far below it.
const maxBodyBytes = 1 << 20

// Deps are the collaborators routes are built on. DB backs the idempotency
// pre-check and the readiness probe and may be nil in tests.
type Deps struct {
	DB        *gorm.DB
	Events    handlers.EventService
	Stats     handlers.StatsService
	Scheduler handlers.Scheduler
}

// RegisterRoutes attaches all middleware and endpoints to r and mounts the
// public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. AgentIdentity: resolve the agent for logs, buckets and idempotency
//  4. Logger, then Recovery so panics are logged with the request
//  5. Body size limiter
//  6. Metrics
//  7. CORS and security headers
//
// Per group: ingest adds idempotency validation before the per-agent rate
// limiter (replays bypass it); reads add gzip and revalidating cache headers.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AgentIdentity())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
		middleware.HeaderAgentID, middleware.HeaderIdempotencyKey,
	}
	exposeHeaders := []string{
		middleware.HeaderRequestID, "Content-Length", "ETag", handlers.HeaderIdempotencyReplayed,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", readiness(deps.DB))

	h := handlers.New(deps.Events, deps.Stats, deps.Scheduler)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAgentOrIP())

	api := groupWithPrefix(r, cfg.APIBasePath)

	ingest := api.Group("",
		middleware.CacheControl(middleware.CacheNoStore),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(deps.DB)),
		rl.Handler(),
	)
	ingest.POST("/events", h.PostEvent)

	reads := api.Group("",
		middleware.CacheControl(middleware.CacheRevalidate),
		gzip.Gzip(gzip.DefaultCompression),
	)
	{
		reads.GET("/events/:id", h.GetEvent)
		reads.GET("/agents/:agentId/events", h.ListEvents)
		reads.GET("/agents/:agentId/stats", h.ListStats)
		reads.GET("/agents/:agentId/stats/summary", h.StatsSummary)
	}

	ops := api.Group("/scheduler", middleware.CacheControl(middleware.CacheNoStore))
	{
		ops.GET("/status", h.SchedulerStatus)
		ops.POST("/start", h.StartScheduler)
		ops.POST("/stop", h.StopScheduler)
		ops.POST("/trigger", h.TriggerScheduler)
	}
}

// idempotencyLookup reports whether an unexpired key exists for the agent.
// Lookup errors count as a miss; the store decides replays authoritatively.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, agentID, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, agentID, key, now)
		if err != nil || rec == nil {
			return false, err
		}
		return true, nil
	}
}

// readiness pings the database with a short deadline.
func readiness(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		sqlDB, err := db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err = sqlDB.PingContext(ctx)
			cancel()
		}
		if err != nil {
			handlers.Fail(c, http.StatusServiceUnavailable, "not_ready", "database unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Requests exceeding the cap cause downstream body
// reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
