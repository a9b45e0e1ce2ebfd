package config

import "time"

// APIConfig holds runtime configuration for the LogLens API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	AgentAuthToken     string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	TraceRecordCap     int
	AggregateMinWindow time.Duration
	EvaluatorInterval  time.Duration
	AlertCooldown      time.Duration
	StreamIdleTimeout  time.Duration
	StreamSweepEvery   time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://loglens:loglens@db:5432/loglens?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		AgentAuthToken:     GetString("AGENT_AUTH_TOKEN", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		TraceRecordCap:     GetInt("TRACE_RECORD_CAP", 1000),
		AggregateMinWindow: time.Duration(GetInt("AGGREGATE_MIN_WINDOW_SECONDS", 60)) * time.Second,
		EvaluatorInterval:  time.Duration(GetInt("ALERT_EVAL_INTERVAL_SECONDS", 15)) * time.Second,
		AlertCooldown:      time.Duration(GetInt("ALERT_COOLDOWN_SECONDS", 600)) * time.Second,
		StreamIdleTimeout:  time.Duration(GetInt("STREAM_IDLE_TIMEOUT_SECONDS", 300)) * time.Second,
		StreamSweepEvery:   time.Duration(GetInt("STREAM_SWEEP_SECONDS", 30)) * time.Second,
	}
}
