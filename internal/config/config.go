package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all broker settings. Values come from the environment, with
// .env loaded first for local development.
type Config struct {
	Port    string
	GinMode string

	// Auth
	JWTSecret string

	// Persistence
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Cluster relay (optional)
	NatsURL string

	// Media backend (managed streaming)
	CloudflareAccountID string
	CloudflareAPIToken  string

	// Session lifecycle
	GlassesGraceWindow    time.Duration // session retained after glasses disconnect
	SessionDisposeTimeout time.Duration // per-session limit during shutdown

	// App lifecycle
	WebhookStartTimeout time.Duration // App must open its WebSocket within this
	AppStopGrace        time.Duration // STOP sent, transport closed after this

	// Stream supervisor
	KeepAliveInterval  time.Duration // cadence of keep_rtmp_stream_alive
	AckTimeout         time.Duration // per keep-alive ACK window
	MaxMissedAcks      int           // missed ACKs before timeout transition
	StreamStopTimeout  time.Duration // stopping -> stopped fallback
	ViewerGraceWindow  time.Duration // managed stream kept after last viewer leaves
	MaxOutputsPerQuota int           // outputs per stream and per App

	// Display
	DisplayThrottle time.Duration

	// Audio
	AudioBufferRetention time.Duration

	// Photo requests
	PhotoRequestTimeout time.Duration

	// Server
	ServerShutdownTimeoutSeconds int
	CORSAllowedOrigins           string

	// Logging
	LogLevel  string
	LogFormat string
}

// AppConfig is the process-wide configuration, initialized by LoadConfig
// before any connection is accepted.
var AppConfig *Config

// LoadConfig reads configuration from the environment into AppConfig.
func LoadConfig() {
	// Best effort; production sets real env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	AppConfig = &Config{
		Port:    getEnv("PORT", "8002"),
		GinMode: getEnv("GIN_MODE", "release"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvInt("DB_CONN_MAX_IDLE_TIME", 5),
		DBConnMaxLifetime: getEnvInt("DB_CONN_MAX_LIFETIME", 30),

		NatsURL: os.Getenv("NATS_URL"),

		CloudflareAccountID: os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		CloudflareAPIToken:  os.Getenv("CLOUDFLARE_API_TOKEN"),

		GlassesGraceWindow:    getEnvDuration("GLASSES_GRACE_WINDOW", 60*time.Second),
		SessionDisposeTimeout: getEnvDuration("SESSION_DISPOSE_TIMEOUT", 5*time.Second),

		WebhookStartTimeout: getEnvDuration("WEBHOOK_START_TIMEOUT", 10*time.Second),
		AppStopGrace:        getEnvDuration("APP_STOP_GRACE", 2*time.Second),

		KeepAliveInterval:  getEnvDuration("KEEP_ALIVE_INTERVAL", 15*time.Second),
		AckTimeout:         getEnvDuration("ACK_TIMEOUT", 5*time.Second),
		MaxMissedAcks:      getEnvInt("MAX_MISSED_ACKS", 3),
		StreamStopTimeout:  getEnvDuration("STREAM_STOP_TIMEOUT", 15*time.Second),
		ViewerGraceWindow:  getEnvDuration("VIEWER_GRACE_WINDOW", 30*time.Second),
		MaxOutputsPerQuota: getEnvInt("MAX_STREAM_OUTPUTS", 10),

		DisplayThrottle: getEnvDuration("DISPLAY_THROTTLE", 50*time.Millisecond),

		AudioBufferRetention: getEnvDuration("AUDIO_BUFFER_RETENTION", 10*time.Second),

		PhotoRequestTimeout: getEnvDuration("PHOTO_REQUEST_TIMEOUT", 30*time.Second),

		ServerShutdownTimeoutSeconds: getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
		CORSAllowedOrigins:           getEnv("CORS_ALLOWED_ORIGINS", "*"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),
	}
}

// Validate checks that settings required for a functional broker are present.
func (c *Config) Validate() error {
	if c.KeepAliveInterval <= 0 || c.AckTimeout <= 0 {
		return fmt.Errorf("keep-alive interval and ack timeout must be positive")
	}
	if c.AckTimeout >= c.KeepAliveInterval {
		return fmt.Errorf("ack timeout (%s) must be shorter than keep-alive interval (%s)",
			c.AckTimeout, c.KeepAliveInterval)
	}
	if c.MaxMissedAcks < 1 {
		return fmt.Errorf("max missed acks must be at least 1")
	}
	if c.MaxOutputsPerQuota < 1 {
		return fmt.Errorf("max stream outputs must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid int for %s: %q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid duration for %s: %q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}

// Default returns a Config with built-in defaults, without touching the
// environment. Used by tests that need deterministic timer values.
func Default() *Config {
	return &Config{
		Port:                         "8002",
		GlassesGraceWindow:           60 * time.Second,
		SessionDisposeTimeout:        5 * time.Second,
		WebhookStartTimeout:          10 * time.Second,
		AppStopGrace:                 2 * time.Second,
		KeepAliveInterval:            15 * time.Second,
		AckTimeout:                   5 * time.Second,
		MaxMissedAcks:                3,
		StreamStopTimeout:            15 * time.Second,
		ViewerGraceWindow:            30 * time.Second,
		MaxOutputsPerQuota:           10,
		DisplayThrottle:              50 * time.Millisecond,
		AudioBufferRetention:         10 * time.Second,
		PhotoRequestTimeout:          30 * time.Second,
		ServerShutdownTimeoutSeconds: 30,
		DBMaxOpenConns:               25,
		DBMaxIdleConns:               5,
		DBConnMaxIdleTime:            5,
		DBConnMaxLifetime:            30,
		LogLevel:                     "info",
	}
}
