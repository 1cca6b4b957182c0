// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, storage buckets, upstream
// service credentials, quotas, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-mirasi-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StorageConfig defines the Supabase Storage endpoint and bucket layout.
// Source and output buckets are private; the preview bucket is public.
type StorageConfig struct {
	URL           string // SUPABASE_URL, e.g. https://xyz.supabase.co
	ServiceKey    string // SUPABASE_SERVICE_KEY (service role, server-side only)
	SourceBucket  string // private, one source image per generation
	OutputBucket  string // private, unwatermarked HD outputs
	PreviewBucket string // public, watermarked previews
}

// FalConfig defines the fal.ai generation queue settings. DefaultModel is
// the identity-preserving pipeline; LoraModel is the fine-tuned pipeline
// used for pet subjects when a style ships LoRA weights.
type FalConfig struct {
	BaseURL      string // FAL_BASE_URL
	APIKey       string // FAL_API_KEY
	DefaultModel string // FAL_DEFAULT_MODEL
	LoraModel    string // FAL_LORA_MODEL
}

// RazorpayConfig defines the payment gateway credentials.
type RazorpayConfig struct {
	KeyID         string // RAZORPAY_KEY_ID
	KeySecret     string // RAZORPAY_KEY_SECRET
	WebhookSecret string // RAZORPAY_WEBHOOK_SECRET
}

// QuotaConfig bounds per-user usage of the upload and generation paths.
type QuotaConfig struct {
	MaxUploadBytes  int64 // hard cap on an uploaded source image
	HourlyUploadCap int   // uploads per trailing 60 minutes
	DailyGenCap     int   // non-failed generations since local midnight
	FreeTierLimit   int   // lifetime free generations without a payment
}

// PricingConfig is the flat pay-per-download price.
type PricingConfig struct {
	AmountPaise int64  // HD download price in paise
	Currency    string // ISO currency code, e.g. "INR"
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 30s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath       string        // SQLite path
	RedisURL     string        // optional terminal-status cache, empty disables
	SignedURLTTL time.Duration // validity of signed source-image URLs
	DownloadTTL  time.Duration // validity of signed HD download URLs
	StaleAfter   time.Duration // fail generations stuck in processing this long
	SweepEvery   time.Duration // stale sweeper interval

	// Rate limiting (edge)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Domain collaborators
	Storage  StorageConfig
	Fal      FalConfig
	Razorpay RazorpayConfig
	Quota    QuotaConfig
	Pricing  PricingConfig

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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:       getenv("DB_PATH", "mirasi.db"),
		RedisURL:     getenv("REDIS_URL", ""),
		SignedURLTTL: getdur("SIGNED_URL_TTL", 10*time.Minute),
		DownloadTTL:  getdur("DOWNLOAD_TTL", 5*time.Minute),
		StaleAfter:   getdur("GEN_STALE_AFTER", 2*time.Hour),
		SweepEvery:   getdur("GEN_SWEEP_EVERY", 15*time.Minute),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

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

		// Domain collaborators
		Storage: StorageConfig{
			URL:           getenv("SUPABASE_URL", ""),
			ServiceKey:    getenv("SUPABASE_SERVICE_KEY", ""),
			SourceBucket:  getenv("SOURCE_BUCKET", "source-images"),
			OutputBucket:  getenv("OUTPUT_BUCKET", "generated-images"),
			PreviewBucket: getenv("PREVIEW_BUCKET", "preview-images"),
		},
		Fal: FalConfig{
			BaseURL:      getenv("FAL_BASE_URL", "https://queue.fal.run"),
			APIKey:       getenv("FAL_API_KEY", ""),
			DefaultModel: getenv("FAL_DEFAULT_MODEL", "fal-ai/flux-pulid"),
			LoraModel:    getenv("FAL_LORA_MODEL", "fal-ai/flux-lora"),
		},
		Razorpay: RazorpayConfig{
			KeyID:         getenv("RAZORPAY_KEY_ID", ""),
			KeySecret:     getenv("RAZORPAY_KEY_SECRET", ""),
			WebhookSecret: getenv("RAZORPAY_WEBHOOK_SECRET", ""),
		},
		Quota: QuotaConfig{
			MaxUploadBytes:  getint64("MAX_UPLOAD_BYTES", 10<<20),
			HourlyUploadCap: getint("HOURLY_UPLOAD_CAP", 10),
			DailyGenCap:     getint("DAILY_GEN_CAP", 20),
			FreeTierLimit:   getint("FREE_TIER_LIMIT", 3),
		},
		Pricing: PricingConfig{
			AmountPaise: getint64("PRICE_PAISE", 9900),
			Currency:    getenv("PRICE_CURRENCY", "INR"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-mirasi-backend"),
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
	cfg.Pricing.Currency = strings.ToUpper(strings.TrimSpace(cfg.Pricing.Currency))

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
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.SignedURLTTL <= 0 || cfg.DownloadTTL <= 0 {
		return cfg, errors.New("signed URL TTLs must be positive durations")
	}
	if cfg.StaleAfter <= 0 || cfg.SweepEvery <= 0 {
		return cfg, errors.New("GEN_STALE_AFTER and GEN_SWEEP_EVERY must be positive durations")
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
	if cfg.Quota.MaxUploadBytes <= 0 {
		return cfg, errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if cfg.Quota.HourlyUploadCap < 1 || cfg.Quota.DailyGenCap < 1 || cfg.Quota.FreeTierLimit < 0 {
		return cfg, errors.New("quota caps out of range")
	}
	if cfg.Pricing.AmountPaise <= 0 {
		return cfg, errors.New("PRICE_PAISE must be > 0")
	}
	if len(cfg.Pricing.Currency) != 3 {
		return cfg, errors.New("PRICE_CURRENCY must be a 3-letter code")
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

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
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
