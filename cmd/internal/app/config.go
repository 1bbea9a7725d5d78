package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Discussion store / identity backend selection:
	// - MongoURL set: MongoDB (the canonical production backend).
	// - DatabaseURL set: PostgreSQL.
	// - Neither: in-memory store with a register-fed user directory (dev).
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	MongoURL      string
	MongoDatabase string

	// If true, /readyz returns 503 unless a durable backend is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("SUPCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("SUPCHAT_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("SUPCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SUPCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SUPCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SUPCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SUPCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SUPCHAT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("SUPCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SUPCHAT_DB_MIN_CONNS", 0),

		MongoURL:      EnvString("SUPCHAT_MONGO_URL", ""),
		MongoDatabase: EnvString("SUPCHAT_MONGO_DB", "supchat"),

		ReadinessRequireDB: EnvBool("SUPCHAT_READINESS_REQUIRE_DB", false),
	}
}
