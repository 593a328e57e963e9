package app

import (
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment
// variables, assembled in New into a juggler.ListenOptions.
type Config struct {
	HTTPHost string
	HTTPPort int

	LogLevel  string
	LogFormat string

	WSPath               string
	StaticDir            string
	IndexPath            string
	DisableIndexRedirect bool
	DisableCache         bool
	HtpasswdFile         string
	TLSCertFile          string

	// AutoflushDelay of 0 disables automatic state sync (manual flush
	// only), matching juggler.ListenOptions.AutoflushDelay's nil-means-
	// disabled zero value.
	AutoflushDelay  time.Duration
	ShutdownTimeout time.Duration

	ParallelRequests bool

	SendQueueSize  int
	MaxSegmentSize int
	PingDelay      time.Duration
	PingTimeout    time.Duration

	MetricsEnabled bool

	// CORS applies only to the demo app's own additional routes
	// (/healthz, /readyz, /metrics); the WS upgrade path and the
	// static/basic-auth surface are governed by juggler.ListenOptions
	// directly.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	corsDefault := "http://localhost:*,http://127.0.0.1:*"

	return Config{
		HTTPHost: EnvString("JUGGLER_HOST", "0.0.0.0"),
		HTTPPort: EnvInt("JUGGLER_PORT", 8080),

		LogLevel:  EnvString("JUGGLER_LOG_LEVEL", "info"),
		LogFormat: EnvString("JUGGLER_LOG_FORMAT", "auto"),

		WSPath:               EnvString("JUGGLER_WS_PATH", "/ws"),
		StaticDir:            EnvString("JUGGLER_STATIC_DIR", ""),
		IndexPath:            EnvString("JUGGLER_INDEX_PATH", "/index.html"),
		DisableIndexRedirect: EnvBool("JUGGLER_DISABLE_INDEX_REDIRECT", false),
		DisableCache:         EnvBool("JUGGLER_DISABLE_CACHE", false),
		HtpasswdFile:         EnvString("JUGGLER_HTPASSWD_FILE", ""),
		TLSCertFile:          EnvString("JUGGLER_TLS_CERT_FILE", ""),

		AutoflushDelay:  EnvDuration("JUGGLER_AUTOFLUSH_DELAY", 0),
		ShutdownTimeout: EnvDuration("JUGGLER_SHUTDOWN_TIMEOUT", 100*time.Millisecond),

		ParallelRequests: EnvBool("JUGGLER_PARALLEL_REQUESTS", false),

		SendQueueSize:  EnvInt("JUGGLER_SEND_QUEUE_SIZE", 0),
		MaxSegmentSize: EnvInt("JUGGLER_MAX_SEGMENT_SIZE", 0),
		PingDelay:      EnvDuration("JUGGLER_PING_DELAY", 0),
		PingTimeout:    EnvDuration("JUGGLER_PING_TIMEOUT", 0),

		MetricsEnabled: EnvBool("JUGGLER_METRICS_ENABLED", true),

		CORSAllowedOrigins:   parseCSV(EnvString("JUGGLER_CORS_ALLOWED_ORIGINS", corsDefault)),
		CORSAllowCredentials: EnvBool("JUGGLER_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("JUGGLER_CORS_MAX_AGE_SECONDS", 600),
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
