package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ServiceName  string
	Version      string
	// Mediation configuration
	AppKey              string
	InitAdTypes         string
	AutocacheAdTypes    string
	AttemptTimeout      time.Duration
	NoFillBackoff       time.Duration
	AutocacheBackoff    time.Duration
	AutocacheBackoffMax time.Duration
	AdTTL               time.Duration
	CacheCapacity       int
	TestMode            bool
	DebugTrace          bool
	// Frequency caps: shows per user per window, 0 disables
	InterstitialShowCap int
	VideoShowCap        int
	RewardedShowCap     int
	BannerShowCap       int
	NativeShowCap       int
	ShowCapWindow       time.Duration
	// Stores
	RedisAddr      string
	ClickHouseDSN  string
	PostgresDSN    string
	WaterfallFile  string
	GeoIPDB        string
	ReloadInterval time.Duration
	// Show tokens
	TokenSecret string
	TokenTTL    time.Duration
	// Network rate limiting defaults
	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate int
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "openmediation")
	cfg.Version = getenv("SERVICE_VERSION", "1.0.0")

	cfg.AppKey = getenv("APP_KEY", "")
	cfg.InitAdTypes = getenv("INIT_AD_TYPES", "all")
	cfg.AutocacheAdTypes = getenv("AUTOCACHE_AD_TYPES", "all")
	cfg.AttemptTimeout = envDuration("ATTEMPT_TIMEOUT", 2*time.Second)
	cfg.NoFillBackoff = envDuration("NOFILL_BACKOFF", 30*time.Second)
	cfg.AutocacheBackoff = envDuration("AUTOCACHE_BACKOFF", 1*time.Second)
	cfg.AutocacheBackoffMax = envDuration("AUTOCACHE_BACKOFF_MAX", 30*time.Second)
	cfg.AdTTL = envDuration("AD_TTL", 30*time.Minute)
	cfg.CacheCapacity = envInt("CACHE_CAPACITY", 1)
	cfg.TestMode = envBool("TEST_MODE", false)
	cfg.DebugTrace = envBool("DEBUG_TRACE", false)

	cfg.InterstitialShowCap = envInt("INTERSTITIAL_SHOW_CAP", 0)
	cfg.VideoShowCap = envInt("VIDEO_SHOW_CAP", 0)
	cfg.RewardedShowCap = envInt("REWARDED_SHOW_CAP", 0)
	cfg.BannerShowCap = envInt("BANNER_SHOW_CAP", 0)
	cfg.NativeShowCap = envInt("NATIVE_SHOW_CAP", 0)
	cfg.ShowCapWindow = envDuration("SHOW_CAP_WINDOW", 1*time.Hour)

	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "")
	cfg.WaterfallFile = getenv("WATERFALL_FILE", "waterfall.yaml")
	cfg.GeoIPDB = getenv("GEOIP_DB", "")
	// default to 30 seconds between automatic reloads
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)

	cfg.TokenSecret = getenv("TOKEN_SECRET", "")
	cfg.TokenTTL = envDuration("TOKEN_TTL", 30*time.Minute)

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 100)
	cfg.RateLimitRefillRate = envInt("RATE_LIMIT_REFILL_RATE", 10)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 2)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// ClickHouse connection pooling configuration
	// Event inserts are async so a wider pool than Postgres pays off
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 25)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 5)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0) // Default to 100% sampling for dev

	return cfg
}

// ShowCaps returns the per-ad-type show caps keyed by ad type name.
// Types with a zero cap are omitted.
func (c Config) ShowCaps() map[string]int {
	caps := map[string]int{
		"interstitial":   c.InterstitialShowCap,
		"video":          c.VideoShowCap,
		"rewarded_video": c.RewardedShowCap,
		"banner":         c.BannerShowCap,
		"native":         c.NativeShowCap,
	}
	for k, v := range caps {
		if v <= 0 {
			delete(caps, k)
		}
	}
	return caps
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
