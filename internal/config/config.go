package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string
	KafkaGroup         string

	PGDSN string

	RulesFile string

	Dispatch DispatchConfig
	Fraud    FraudConfig

	StripeAPIKey   string
	StripeCurrency string

	FCMEndpoint string
	FCMKey      string

	OSRMEndpoint    string
	DefaultSpeedMps float64

	AlertEmailFrom string
	AlertEmailTo   string
	AWSRegion      string

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the deadlines of the assignment and bidding flows.
type DispatchConfig struct {
	ResponseTimeout time.Duration
	BiddingWindow   time.Duration
	Freshness       time.Duration
}

// FraudConfig holds the cancellation-abuse thresholds.
type FraudConfig struct {
	NearKm            float64
	Window            time.Duration
	SuspiciousCount   int
	BanCount          int
	CompensationRatio float64
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		ResponseTimeout: 120 * time.Second,
		BiddingWindow:   5 * time.Minute,
		Freshness:       10 * time.Minute,
	}
}

func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		NearKm:            0.5,
		Window:            24 * time.Hour,
		SuspiciousCount:   2,
		BanCount:          3,
		CompensationRatio: 0.8,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaEventsTopic:   "dispatch-events",
		KafkaGroup:         "ride-dispatch-consumer",
		Dispatch:           DefaultDispatchConfig(),
		Fraud:              DefaultFraudConfig(),
		StripeCurrency:     "usd",
		DefaultSpeedMps:    10,
		AWSRegion:          "us-east-1",
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.RulesFile, "RULES_FILE")

	setDurationFromEnv(&cfg.Dispatch.ResponseTimeout, "ASSIGNMENT_RESPONSE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Dispatch.BiddingWindow, "BIDDING_WINDOW", &errs)
	setDurationFromEnv(&cfg.Dispatch.Freshness, "DRIVER_FRESHNESS", &errs)

	setFloatFromEnv(&cfg.Fraud.NearKm, "FRAUD_NEAR_KM", &errs)
	setDurationFromEnv(&cfg.Fraud.Window, "FRAUD_WINDOW", &errs)
	setIntFromEnv(&cfg.Fraud.SuspiciousCount, "FRAUD_SUSPICIOUS_COUNT", &errs)
	setIntFromEnv(&cfg.Fraud.BanCount, "FRAUD_BAN_COUNT", &errs)
	setFloatFromEnv(&cfg.Fraud.CompensationRatio, "FRAUD_COMPENSATION_RATIO", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.AlertEmailFrom, "ALERT_EMAIL_FROM")
	setStringFromEnv(&cfg.AlertEmailTo, "ALERT_EMAIL_TO")
	setStringFromEnv(&cfg.AWSRegion, "AWS_REGION")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.Dispatch.Validate(), cfg.Fraud.Validate())
	return cfg, errors.Join(errs...)
}

func (c DispatchConfig) Validate() error {
	var errs []error
	if c.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGNMENT_RESPONSE_TIMEOUT must be > 0"))
	}
	if c.BiddingWindow <= 0 {
		errs = append(errs, fmt.Errorf("BIDDING_WINDOW must be > 0"))
	}
	if c.Freshness <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_FRESHNESS must be > 0"))
	}
	return errors.Join(errs...)
}

func (c FraudConfig) Validate() error {
	var errs []error
	if c.NearKm <= 0 {
		errs = append(errs, fmt.Errorf("FRAUD_NEAR_KM must be > 0"))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("FRAUD_WINDOW must be > 0"))
	}
	if c.SuspiciousCount <= 0 {
		errs = append(errs, fmt.Errorf("FRAUD_SUSPICIOUS_COUNT must be > 0"))
	}
	if c.BanCount < c.SuspiciousCount {
		errs = append(errs, fmt.Errorf("FRAUD_BAN_COUNT must be >= FRAUD_SUSPICIOUS_COUNT"))
	}
	if c.CompensationRatio < 0 || c.CompensationRatio > 1 {
		errs = append(errs, fmt.Errorf("FRAUD_COMPENSATION_RATIO must be within [0,1]"))
	}
	return errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
