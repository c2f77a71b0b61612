// Package config loads process configuration from environment variables
// (PARQ_ prefixed) and an optional YAML file, following the layered
// file-then-env-override convention used for coredhcp's server config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration for the parking core.
type Config struct {
	PostgresDSN string
	RedisAddr   string
	RedisDB     int

	HTTPAddr string

	LeaseTTL             time.Duration
	LeaseMetadataGrace   time.Duration
	LeasePaymentExtendTo time.Duration
	PendingBookingTTL    time.Duration

	PendingSweepInterval      time.Duration
	ConnectionPruneInterval   time.Duration
	BreakerRecoveryInterval   time.Duration
	CrossInstancePollInterval time.Duration
	CrossInstanceLookback     time.Duration

	StripeAPIKey string
	JWTSecret    string
}

// Load reads configuration from an optional YAML file at path (if non-empty
// and present) and from PARQ_-prefixed environment variables, with
// environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PARQ")
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("redis_db", 0)
	v.SetDefault("lease_ttl_seconds", 240)
	v.SetDefault("lease_metadata_grace_seconds", 60)
	v.SetDefault("lease_payment_extend_seconds", 600)
	v.SetDefault("pending_booking_ttl_minutes", 4)
	v.SetDefault("pending_sweep_interval_minutes", 60)
	v.SetDefault("connection_prune_interval_minutes", 5)
	v.SetDefault("breaker_recovery_interval_seconds", 30)
	v.SetDefault("cross_instance_poll_interval_seconds", 3)
	v.SetDefault("cross_instance_lookback_seconds", 5)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		PostgresDSN: v.GetString("postgres_dsn"),
		RedisAddr:   v.GetString("redis_addr"),
		RedisDB:     v.GetInt("redis_db"),
		HTTPAddr:    v.GetString("http_addr"),

		LeaseTTL:             time.Duration(v.GetInt("lease_ttl_seconds")) * time.Second,
		LeaseMetadataGrace:   time.Duration(v.GetInt("lease_metadata_grace_seconds")) * time.Second,
		LeasePaymentExtendTo: time.Duration(v.GetInt("lease_payment_extend_seconds")) * time.Second,
		PendingBookingTTL:    time.Duration(v.GetInt("pending_booking_ttl_minutes")) * time.Minute,

		PendingSweepInterval:      time.Duration(v.GetInt("pending_sweep_interval_minutes")) * time.Minute,
		ConnectionPruneInterval:   time.Duration(v.GetInt("connection_prune_interval_minutes")) * time.Minute,
		BreakerRecoveryInterval:   time.Duration(v.GetInt("breaker_recovery_interval_seconds")) * time.Second,
		CrossInstancePollInterval: time.Duration(v.GetInt("cross_instance_poll_interval_seconds")) * time.Second,
		CrossInstanceLookback:     time.Duration(v.GetInt("cross_instance_lookback_seconds")) * time.Second,

		StripeAPIKey: v.GetString("stripe_api_key"),
		JWTSecret:    v.GetString("jwt_secret"),
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("config: PARQ_POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}

	return cfg, nil
}
