/**
 * @description
 * This package handles the configuration management for the settlement service.
 * It uses Viper to read configuration from environment variables and an optional
 * .env file, then normalizes the values the rest of the service relies on.
 *
 * @dependencies
 * - github.com/spf13/viper: Application configuration.
 * - github.com/shopspring/decimal: Exact parsing of the commission rate.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	defaultCommissionRate = "0.25"
	defaultCurrency       = "INR"
	defaultPayoutMode     = "IMPS"
)

// Config holds all the configuration variables for the settlement service.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	LogLevel                  string `mapstructure:"LOG_LEVEL"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix            string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	GatewayStatusQueue        string `mapstructure:"GATEWAY_STATUS_QUEUE"`
	GatewayBaseURL            string `mapstructure:"PAYOUT_GATEWAY_BASE_URL"`
	GatewayKeyID              string `mapstructure:"PAYOUT_GATEWAY_KEY_ID"`
	GatewayKeySecret          string `mapstructure:"PAYOUT_GATEWAY_KEY_SECRET"`
	GatewaySourceAccount      string `mapstructure:"PAYOUT_GATEWAY_ACCOUNT_NUMBER"`
	GatewayWebhookSecret      string `mapstructure:"PAYOUT_WEBHOOK_SECRET"`
	GatewayTimeoutSeconds     int    `mapstructure:"PAYOUT_GATEWAY_TIMEOUT_SECONDS"`
	PayoutMode                string `mapstructure:"PAYOUT_MODE"`
	Currency                  string `mapstructure:"PAYOUT_CURRENCY"`
	CommissionRateRaw         string `mapstructure:"COMMISSION_RATE"`
	WeekStartDay              string `mapstructure:"WEEK_START_DAY"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	ClerkJWKSURL              string `mapstructure:"CLERK_JWKS_URL"`
	SchedulerEnabled          bool   `mapstructure:"SCHEDULER_ENABLED"`
	WeeklyGenerationSchedule  string `mapstructure:"WEEKLY_GENERATION_SCHEDULE"`
	ReconcileSchedule         string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileStaleMinutes     int    `mapstructure:"RECONCILE_STALE_MINUTES"`
	ReconcileBatchSize        int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	LedgerLockTTLSeconds      int    `mapstructure:"LEDGER_LOCK_TTL_SECONDS"`
	PreviewRateLimitPerMinute int    `mapstructure:"PREVIEW_RATE_LIMIT_PER_MINUTE"`
	NotifierBufferSize        int    `mapstructure:"NOTIFIER_BUFFER_SIZE"`

	// Derived values, filled in by LoadConfig.
	CommissionRate decimal.Decimal `mapstructure:"-"`
	WeekStart      time.Weekday    `mapstructure:"-"`
}

// GatewayTimeout is the bound applied to a single gateway interaction.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// LedgerLockTTL is how long a per-ledger lock is held before it expires on its own.
func (c Config) LedgerLockTTL() time.Duration {
	return time.Duration(c.LedgerLockTTLSeconds) * time.Second
}

// ReconcileStaleAfter is how long a ledger may sit in processing before the sweep polls it.
func (c Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REDIS_KEY_PREFIX", "husn:settlement")
	viper.SetDefault("EVENTS_EXCHANGE", "husn.events")
	viper.SetDefault("GATEWAY_STATUS_QUEUE", "settlement_service.gateway_status")
	viper.SetDefault("PAYOUT_GATEWAY_BASE_URL", "https://api.razorpay.com")
	viper.SetDefault("PAYOUT_GATEWAY_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PAYOUT_MODE", defaultPayoutMode)
	viper.SetDefault("PAYOUT_CURRENCY", defaultCurrency)
	viper.SetDefault("COMMISSION_RATE", defaultCommissionRate)
	viper.SetDefault("WEEK_START_DAY", "monday")
	viper.SetDefault("SCHEDULER_ENABLED", true)
	// Monday 02:00 UTC, settles the week that just ended.
	viper.SetDefault("WEEKLY_GENERATION_SCHEDULE", "0 2 * * 1")
	viper.SetDefault("RECONCILE_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("RECONCILE_STALE_MINUTES", 30)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)
	viper.SetDefault("LEDGER_LOCK_TTL_SECONDS", 90)
	viper.SetDefault("PREVIEW_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("NOTIFIER_BUFFER_SIZE", 256)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_STATUS_QUEUE")
	_ = viper.BindEnv("PAYOUT_GATEWAY_BASE_URL")
	_ = viper.BindEnv("PAYOUT_GATEWAY_KEY_ID", "PAYOUT_GATEWAY_KEY_ID", "RAZORPAY_KEY_ID")
	_ = viper.BindEnv("PAYOUT_GATEWAY_KEY_SECRET", "PAYOUT_GATEWAY_KEY_SECRET", "RAZORPAY_KEY_SECRET")
	_ = viper.BindEnv("PAYOUT_GATEWAY_ACCOUNT_NUMBER", "PAYOUT_GATEWAY_ACCOUNT_NUMBER", "RAZORPAYX_ACCOUNT_NUMBER")
	_ = viper.BindEnv("PAYOUT_WEBHOOK_SECRET", "PAYOUT_WEBHOOK_SECRET", "RAZORPAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAYOUT_GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PAYOUT_MODE")
	_ = viper.BindEnv("PAYOUT_CURRENCY")
	_ = viper.BindEnv("COMMISSION_RATE")
	_ = viper.BindEnv("WEEK_START_DAY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("SCHEDULER_ENABLED")
	_ = viper.BindEnv("WEEKLY_GENERATION_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_STALE_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("LEDGER_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("PREVIEW_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("NOTIFIER_BUFFER_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.WithField("component", "config").WithError(err).Warn("failed to read config file; using environment values")
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "husn:settlement"
	}
	config.GatewayBaseURL = strings.TrimSuffix(strings.TrimSpace(config.GatewayBaseURL), "/")
	config.PayoutMode = strings.ToUpper(strings.TrimSpace(config.PayoutMode))
	if config.PayoutMode == "" {
		config.PayoutMode = defaultPayoutMode
	}
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = defaultCurrency
	}

	config.CommissionRate = parseCommissionRate(config.CommissionRateRaw)
	config.WeekStart = parseWeekday(config.WeekStartDay)

	if config.GatewayTimeoutSeconds <= 0 {
		log.WithFields(log.Fields{"component": "config", "value": config.GatewayTimeoutSeconds}).Warn("invalid gateway timeout; using 30s")
		config.GatewayTimeoutSeconds = 30
	}
	if config.ReconcileStaleMinutes <= 0 {
		config.ReconcileStaleMinutes = 30
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 50
	}
	if config.LedgerLockTTLSeconds <= config.GatewayTimeoutSeconds {
		// A lock must outlive the gateway call it guards.
		config.LedgerLockTTLSeconds = config.GatewayTimeoutSeconds * 3
	}
	if config.PreviewRateLimitPerMinute <= 0 {
		config.PreviewRateLimitPerMinute = 30
	}
	if config.NotifierBufferSize <= 0 {
		config.NotifierBufferSize = 256
	}

	return
}

func parseCommissionRate(raw string) decimal.Decimal {
	fallback := decimal.RequireFromString(defaultCommissionRate)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		log.WithFields(log.Fields{"component": "config", "value": raw}).WithError(err).Warn("invalid COMMISSION_RATE; using default")
		return fallback
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		log.WithFields(log.Fields{"component": "config", "value": raw}).Warn("COMMISSION_RATE out of range [0,1]; using default")
		return fallback
	}
	return rate
}

func parseWeekday(raw string) time.Weekday {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sunday", "sun":
		return time.Sunday
	case "monday", "mon", "":
		return time.Monday
	case "tuesday", "tue":
		return time.Tuesday
	case "wednesday", "wed":
		return time.Wednesday
	case "thursday", "thu":
		return time.Thursday
	case "friday", "fri":
		return time.Friday
	case "saturday", "sat":
		return time.Saturday
	}
	log.WithFields(log.Fields{"component": "config", "value": raw}).Warn("invalid WEEK_START_DAY; using monday")
	return time.Monday
}
