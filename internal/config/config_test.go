package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	// Server timeouts / sizes (valid)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	// Logging
	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "api/v1/") // no leading slash + trailing slash -> "/api/v1"

	// Storage
	t.Setenv("DB_DRIVER", " PostgreSQL ")
	t.Setenv("DB_DSN", "postgres://u:p@db:5432/funnel")

	// Aggregation
	t.Setenv("REPORTING_TIMEZONE", "America/New_York")
	t.Setenv("STORE_RETRY_ATTEMPTS", "5")
	t.Setenv("STORE_RETRY_DELAY", "50ms")
	t.Setenv("MARK_DIRTY_TIMEOUT", "2s")
	t.Setenv("DRAIN_INTERVAL", "1m")
	t.Setenv("DRAIN_BATCH_SIZE", "25")
	t.Setenv("MAIN_AGGREGATION_HOUR", "23")
	t.Setenv("MAIN_BATCH_SIZE", "5000")
	t.Setenv("SCHEDULER_AUTOSTART", "off")
	t.Setenv("TICK_LOCK_ENABLED", "true")
	t.Setenv("TICK_LOCK_TTL", "30s")

	// Rate limiting (use invalids for parse to fall back to defaults)
	t.Setenv("RATE_RPS", "x")      // -> default 50
	t.Setenv("RATE_BURST", "nope") // -> default 100

	// Web protection
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")

	// Idempotency
	t.Setenv("IDEMPOTENCY_TTL", "48h")

	// OTEL
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Server
	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}

	// Logging
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging unexpected: %+v", cfg)
	}

	// Storage
	if cfg.DBDriver != DriverPostgres || cfg.DBDSN != "postgres://u:p@db:5432/funnel" {
		t.Fatalf("storage unexpected: %q %q", cfg.DBDriver, cfg.DBDSN)
	}

	// Aggregation
	if cfg.ReportingTimezone != "America/New_York" ||
		cfg.StoreRetryAttempts != 5 ||
		cfg.StoreRetryDelay != 50*time.Millisecond ||
		cfg.MarkDirtyTimeout != 2*time.Second {
		t.Fatalf("aggregation fields unexpected: %+v", cfg)
	}
	want := SchedulerConfig{DrainInterval: time.Minute, DrainBatchSize: 25, MainHour: 23, MainBatchSize: 5000, Autostart: false}
	if cfg.Scheduler != want {
		t.Fatalf("scheduler unexpected: %+v", cfg.Scheduler)
	}
	// Postgres without Redis falls back to advisory locks, so this is valid.
	if !cfg.Lock.Enabled || cfg.Lock.TTL != 30*time.Second || cfg.Lock.RedisAddr != "" {
		t.Fatalf("lock unexpected: %+v", cfg.Lock)
	}

	// Rate limiting (parse fallback to defaults)
	if cfg.RateRPS != 50.0 || cfg.RateBurst != 100 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}

	// Web protection
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}

	// Idempotency
	if cfg.IdempotencyTTL != 48*time.Hour {
		t.Fatalf("idempotency ttl unexpected: %v", cfg.IdempotencyTTL)
	}

	// OTEL
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"empty PORT via spaces", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"non-positive timeouts", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"max header bytes <= 0", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"empty DB_DSN", map[string]string{"DB_DSN": "   "}, "DB_DSN must not be empty"},
		{"bad timezone", map[string]string{"REPORTING_TIMEZONE": "Mars/Olympus"}, "REPORTING_TIMEZONE"},
		{"retry attempts < 1", map[string]string{"STORE_RETRY_ATTEMPTS": "0"}, "STORE_RETRY_ATTEMPTS"},
		{"retry delay negative", map[string]string{"STORE_RETRY_DELAY": "-1s"}, "STORE_RETRY_DELAY"},
		{"mark timeout zero", map[string]string{"MARK_DIRTY_TIMEOUT": "0s"}, "MARK_DIRTY_TIMEOUT"},
		{"drain interval zero", map[string]string{"DRAIN_INTERVAL": "0s"}, "DRAIN_INTERVAL"},
		{"drain batch zero", map[string]string{"DRAIN_BATCH_SIZE": "0"}, "DRAIN_BATCH_SIZE"},
		{"main hour out of range", map[string]string{"MAIN_AGGREGATION_HOUR": "24"}, "MAIN_AGGREGATION_HOUR"},
		{"main batch zero", map[string]string{"MAIN_BATCH_SIZE": "0"}, "MAIN_BATCH_SIZE"},
		{"lock ttl zero", map[string]string{"TICK_LOCK_ENABLED": "1", "REDIS_ADDR": "r:6379", "TICK_LOCK_TTL": "0s"}, "TICK_LOCK_TTL"},
		{"lock without backend", map[string]string{"TICK_LOCK_ENABLED": "1"}, "TICK_LOCK_ENABLED requires"},
		{"redis db negative", map[string]string{"REDIS_DB": "-1"}, "REDIS_DB"},
		{"rate rps negative", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"rate burst < 1", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"hsts max age negative", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"idempotency ttl non-positive", map[string]string{"IDEMPOTENCY_TTL": "0s"}, "IDEMPOTENCY_TTL"},
		{"otel sample ratio out of range", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); !containsErr(err, tc.want) {
				t.Fatalf("expected %s validation error, got: %v", tc.want, err)
			}
		})
	}

	// Note: API_BASE_PATH validation is unnecessary since normalizeBasePath
	// always ensures a leading '/' and returns "/" for empty input.
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}

	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}

	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	trueVals := []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"}
	for i, v := range trueVals {
		k := "B_T_" + config_strconv(i)
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	falseVals := []string{"0", "false", "FALSE", " no ", "N", "off", "Off"}
	for i, v := range falseVals {
		k := "B_F_" + config_strconv(i)
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	// default on unset/empty
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	in := " a, ,b ,  c  ,"
	want := []string{"a", "b", "c"}
	if got := splitCSV(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV mismatch: got %#v want %#v", got, want)
	}

	// normalizeBasePath
	if normalizeBasePath("") != "/" {
		t.Fatalf("normalizeBasePath empty -> '/' failed")
	}
	if normalizeBasePath("v1") != "/v1" {
		t.Fatalf("normalizeBasePath missing leading slash failed")
	}
	if normalizeBasePath("/v1/") != "/v1" {
		t.Fatalf("normalizeBasePath trailing slash trim failed")
	}
	if normalizeBasePath(" / ") != "/" {
		t.Fatalf("normalizeBasePath whitespace failed")
	}
}

// small helper (avoid fmt just for ints)
func config_strconv(i int) string { return string('a' + rune(i)) }

// Ensure tests don't inherit PORT from the environment.
func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}

func TestLoad_Defaults(t *testing.T) {
	// Intentionally leave everything unset.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("API_BASE_PATH default expected '/api/v1', got %q", cfg.APIBasePath)
	}
	if cfg.DBDriver != DriverSQLite || cfg.DBDSN != "app.db" {
		t.Fatalf("storage defaults unexpected: %q %q", cfg.DBDriver, cfg.DBDSN)
	}
	if cfg.ReportingTimezone != "Asia/Shanghai" {
		t.Fatalf("timezone default unexpected: %q", cfg.ReportingTimezone)
	}
	want := SchedulerConfig{DrainInterval: 5 * time.Minute, DrainBatchSize: 100, MainHour: 2, MainBatchSize: 1000, Autostart: true}
	if cfg.Scheduler != want {
		t.Fatalf("scheduler defaults unexpected: %+v", cfg.Scheduler)
	}
	if cfg.Lock.Enabled || cfg.StoreRetryAttempts != 3 || cfg.StoreRetryDelay != 200*time.Millisecond {
		t.Fatalf("retry/lock defaults unexpected: %+v", cfg)
	}
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	// No special env needed; defaults are valid.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}
