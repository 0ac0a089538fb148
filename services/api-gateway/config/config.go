package config

import (
	"time"

	"github.com/spf13/viper"
)

// Store and lock backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendLocal    = "local"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	GRPCPort     string
	MetricsAddr  string
	KafkaBrokers string
	ChangeTopic  string
	RedisAddr    string
	PostgresDSN  string
	StoreBackend string
	LockBackend  string
	LockTimeout  time.Duration
	LockTTL      time.Duration
	// CriticalPriorityThreshold is the highest priority ID that jumps the queue.
	CriticalPriorityThreshold int
	CoalesceWindow            time.Duration
	// PreviewRateLimit is previews per project per minute. Zero disables it.
	PreviewRateLimit int
	CacheTTL         time.Duration
	JWTSecret        string
	OTelEndpoint     string
	OTelSampleRatio  float64
	SeedFile         string
}

// SetDefaults registers the defaults used when neither flag, env nor file
// sets a key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("http_port", "8080")
	v.SetDefault("grpc_port", "9090")
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("change_topic", "tasks.changes")
	v.SetDefault("store_backend", BackendPostgres)
	v.SetDefault("lock_backend", BackendRedis)
	v.SetDefault("lock_timeout", 5*time.Second)
	v.SetDefault("lock_ttl", 30*time.Second)
	v.SetDefault("critical_priority_threshold", 1)
	v.SetDefault("coalesce_window", 250*time.Millisecond)
	v.SetDefault("preview_rate_limit", 60)
	v.SetDefault("cache_ttl", 5*time.Minute)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:                  v.GetString("log_level"),
		HTTPPort:                  v.GetString("http_port"),
		GRPCPort:                  v.GetString("grpc_port"),
		MetricsAddr:               v.GetString("metrics_addr"),
		KafkaBrokers:              v.GetString("kafka_brokers"),
		ChangeTopic:               v.GetString("change_topic"),
		RedisAddr:                 v.GetString("redis_addr"),
		PostgresDSN:               v.GetString("postgres_dsn"),
		StoreBackend:              v.GetString("store_backend"),
		LockBackend:               v.GetString("lock_backend"),
		LockTimeout:               v.GetDuration("lock_timeout"),
		LockTTL:                   v.GetDuration("lock_ttl"),
		CriticalPriorityThreshold: v.GetInt("critical_priority_threshold"),
		CoalesceWindow:            v.GetDuration("coalesce_window"),
		PreviewRateLimit:          v.GetInt("preview_rate_limit"),
		CacheTTL:                  v.GetDuration("cache_ttl"),
		JWTSecret:                 v.GetString("jwt_secret"),
		OTelEndpoint:              v.GetString("otel_endpoint"),
		OTelSampleRatio:           v.GetFloat64("otel_sample_ratio"),
		SeedFile:                  v.GetString("seed_file"),
	}
}
