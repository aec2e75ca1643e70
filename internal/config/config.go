// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, the reporting calendar, scheduler cadence, tick locking,
// rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers accepted by DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "funnel-stats")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SchedulerConfig drives the drain ticker and the daily run.
type SchedulerConfig struct {
	DrainInterval  time.Duration // DRAIN_INTERVAL
	DrainBatchSize int           // DRAIN_BATCH_SIZE
	MainHour       int           // MAIN_AGGREGATION_HOUR, wall clock in ReportingTimezone
	MainBatchSize  int           // MAIN_BATCH_SIZE
	Autostart      bool          // SCHEDULER_AUTOSTART
}

// LockConfig selects the tick lock backend. With an empty RedisAddr the
// lock falls back to a Postgres advisory lock.
type LockConfig struct {
	Enabled       bool          // TICK_LOCK_ENABLED
	TTL           time.Duration // TICK_LOCK_TTL
	RedisAddr     string        // REDIS_ADDR
	RedisPassword string        // REDIS_PASSWORD
	RedisDB       int           // REDIS_DB
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DBDriver string // sqlite|postgres
	DBDSN    string // file path for sqlite, DSN for postgres

	// Aggregation
	ReportingTimezone  string        // IANA zone for business-day boundaries
	StoreRetryAttempts int           // STORE_RETRY_ATTEMPTS
	StoreRetryDelay    time.Duration // STORE_RETRY_DELAY
	MarkDirtyTimeout   time.Duration // MARK_DIRTY_TIMEOUT
	Scheduler          SchedulerConfig
	Lock               LockConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver: strings.ToLower(strings.TrimSpace(getenv("DB_DRIVER", DriverSQLite))),
		DBDSN:    getenv("DB_DSN", "app.db"),

		// Aggregation
		ReportingTimezone:  strings.TrimSpace(getenv("REPORTING_TIMEZONE", "Asia/Shanghai")),
		StoreRetryAttempts: getint("STORE_RETRY_ATTEMPTS", 3),
		StoreRetryDelay:    getdur("STORE_RETRY_DELAY", 200*time.Millisecond),
		MarkDirtyTimeout:   getdur("MARK_DIRTY_TIMEOUT", 5*time.Second),
		Scheduler: SchedulerConfig{
			DrainInterval:  getdur("DRAIN_INTERVAL", 5*time.Minute),
			DrainBatchSize: getint("DRAIN_BATCH_SIZE", 100),
			MainHour:       getint("MAIN_AGGREGATION_HOUR", 2),
			MainBatchSize:  getint("MAIN_BATCH_SIZE", 1000),
			Autostart:      getbool("SCHEDULER_AUTOSTART", true),
		},
		Lock: LockConfig{
			Enabled:       getbool("TICK_LOCK_ENABLED", false),
			TTL:           getdur("TICK_LOCK_TTL", 10*time.Minute),
			RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getint("REDIS_DB", 0),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 50.0),
		RateBurst: getint("RATE_BURST", 100),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "funnel-stats"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" {
		cfg.DBDriver = DriverPostgres
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.DBDSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty")
	}
	if cfg.ReportingTimezone == "" {
		return cfg, errors.New("REPORTING_TIMEZONE must not be empty")
	}
	if _, err := time.LoadLocation(cfg.ReportingTimezone); err != nil {
		return cfg, errors.New("REPORTING_TIMEZONE must be a valid IANA time zone")
	}
	if cfg.StoreRetryAttempts < 1 {
		return cfg, errors.New("STORE_RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.StoreRetryDelay < 0 {
		return cfg, errors.New("STORE_RETRY_DELAY must be >= 0")
	}
	if cfg.MarkDirtyTimeout <= 0 {
		return cfg, errors.New("MARK_DIRTY_TIMEOUT must be > 0")
	}
	if cfg.Scheduler.DrainInterval <= 0 {
		return cfg, errors.New("DRAIN_INTERVAL must be > 0")
	}
	if cfg.Scheduler.DrainBatchSize < 1 {
		return cfg, errors.New("DRAIN_BATCH_SIZE must be >= 1")
	}
	if cfg.Scheduler.MainHour < 0 || cfg.Scheduler.MainHour > 23 {
		return cfg, errors.New("MAIN_AGGREGATION_HOUR must be in [0,23]")
	}
	if cfg.Scheduler.MainBatchSize < 1 {
		return cfg, errors.New("MAIN_BATCH_SIZE must be >= 1")
	}
	if cfg.Lock.Enabled {
		if cfg.Lock.TTL <= 0 {
			return cfg, errors.New("TICK_LOCK_TTL must be > 0")
		}
		if cfg.Lock.RedisAddr == "" && cfg.DBDriver != DriverPostgres {
			return cfg, errors.New("TICK_LOCK_ENABLED requires REDIS_ADDR or DB_DRIVER=postgres")
		}
	}
	if cfg.Lock.RedisDB < 0 {
		return cfg, errors.New("REDIS_DB must be >= 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
