package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel        string
	KafkaBrokers    string
	ChangeTopic     string
	RedisAddr       string
	PostgresDSN     string
	MetricsAddr     string
	OTelEndpoint    string
	OTelSampleRatio float64
	// ReconcileSchedule is a standard cron expression or descriptor.
	ReconcileSchedule         string
	LockTimeout               time.Duration
	LockTTL                   time.Duration
	LeaseTTL                  time.Duration
	ProjectTimeout            time.Duration
	CriticalPriorityThreshold int
}

// SetDefaults registers the defaults used when neither flag, env nor file
// sets a key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("metrics_addr", ":9093")
	v.SetDefault("change_topic", "tasks.changes")
	v.SetDefault("reconcile_schedule", "*/5 * * * *")
	v.SetDefault("lock_timeout", 5*time.Second)
	v.SetDefault("lock_ttl", 30*time.Second)
	v.SetDefault("lease_ttl", 30*time.Second)
	v.SetDefault("project_timeout", 30*time.Second)
	v.SetDefault("critical_priority_threshold", 1)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:                  v.GetString("log_level"),
		KafkaBrokers:              v.GetString("kafka_brokers"),
		ChangeTopic:               v.GetString("change_topic"),
		RedisAddr:                 v.GetString("redis_addr"),
		PostgresDSN:               v.GetString("postgres_dsn"),
		MetricsAddr:               v.GetString("metrics_addr"),
		OTelEndpoint:              v.GetString("otel_endpoint"),
		OTelSampleRatio:           v.GetFloat64("otel_sample_ratio"),
		ReconcileSchedule:         v.GetString("reconcile_schedule"),
		LockTimeout:               v.GetDuration("lock_timeout"),
		LockTTL:                   v.GetDuration("lock_ttl"),
		LeaseTTL:                  v.GetDuration("lease_ttl"),
		ProjectTimeout:            v.GetDuration("project_timeout"),
		CriticalPriorityThreshold: v.GetInt("critical_priority_threshold"),
	}
}
