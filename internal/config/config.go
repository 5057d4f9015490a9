package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds process-wide settings loaded from the environment.
type Config struct {
	Environment string
	HTTPAddr    string
	DatabaseURL string

	// BillingCron is the cron spec for the recurring billing trigger.
	BillingCron string

	// SetupFeeCents is the flat one-time setup fee charged on an
	// account's first cycle.
	SetupFeeCents int64

	// DefaultCurrency applies when a plan does not specify one.
	DefaultCurrency string

	// ProviderCallTimeout bounds every remote provider call.
	ProviderCallTimeout time.Duration

	// ProbeTimeout bounds processor connectivity probes.
	ProbeTimeout time.Duration

	// ClaimStaleAfter is how long a charge claim may sit before another
	// run is allowed to take the account over.
	ClaimStaleAfter time.Duration

	// FallbackProcessor is tried when every ranked candidate is
	// unavailable. Validated by config keys only, never probed.
	FallbackProcessor string

	Tracing TracingConfig
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled          bool
	ServiceVersion   string
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

// Load reads configuration from the process environment. A local .env
// file is honoured when present, matching dev workflows.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Environment:         getString("SETTLE_ENV", "development"),
		HTTPAddr:            getString("HTTP_ADDR", ":8080"),
		DatabaseURL:         getString("DATABASE_URL", ""),
		BillingCron:         getString("BILLING_CRON", "0 3 * * *"),
		SetupFeeCents:       getInt64("SETUP_FEE_CENTS", 5000),
		DefaultCurrency:     getString("DEFAULT_CURRENCY", "USD"),
		ProviderCallTimeout: getDuration("PROVIDER_CALL_TIMEOUT", 20*time.Second),
		ProbeTimeout:        getDuration("PROBE_TIMEOUT", 5*time.Second),
		ClaimStaleAfter:     getDuration("CLAIM_STALE_AFTER", time.Hour),
		FallbackProcessor:   getString("FALLBACK_PROCESSOR", ""),
		Tracing: TracingConfig{
			Enabled:          getBool("OTEL_ENABLED", false),
			ServiceVersion:   getString("SERVICE_VERSION", "dev"),
			ExporterEndpoint: getString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ExporterProtocol: getString("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
			SamplingRatio:    getFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
	}
}

// IsProduction reports whether the process runs in production mode.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

func getString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
