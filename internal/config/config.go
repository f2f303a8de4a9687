package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// InsecureCronSecret is the fallback shared secret for the expiry endpoint.
// The server logs a warning when it is in use.
const InsecureCronSecret = "dev-cron-secret-change-me"

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

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN string

	PushEndpoint string
	PushKey      string
	StripeAPIKey string
	OSRMEndpoint string

	JWTSecret  string
	CronSecret string

	OfferWindow    time.Duration
	ReaperInterval time.Duration
	ReaperBatch    int
	DispatchMode   string

	MaxDistanceKm   float64
	MinRating       float64
	MaxCurrentJobs  int
	DefaultSpeedMps float64

	LogLevel      string
	LogFormat     string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		KafkaTopic:       "driver-locations",
		KafkaEventsTopic: "dispatch-events",
		CronSecret:       InsecureCronSecret,
		OfferWindow:      30 * time.Minute,
		ReaperBatch:      100,
		DispatchMode:     "auto",
		MaxDistanceKm:    50,
		MinRating:        4.0,
		MaxCurrentJobs:   3,
		DefaultSpeedMps:  8,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.CronSecret, "CRON_SECRET")

	setDurationFromEnv(&cfg.OfferWindow, "OFFER_WINDOW", &errs)
	setDurationFromEnv(&cfg.ReaperInterval, "REAPER_INTERVAL", &errs)
	setIntFromEnv(&cfg.ReaperBatch, "REAPER_BATCH", &errs)
	if v := os.Getenv("DISPATCH_MODE"); v != "" {
		cfg.DispatchMode = strings.ToLower(strings.TrimSpace(v))
	}

	setFloatFromEnv(&cfg.MaxDistanceKm, "ASSIGN_MAX_DISTANCE_KM", &errs)
	setFloatFromEnv(&cfg.MinRating, "ASSIGN_MIN_RATING", &errs)
	setIntFromEnv(&cfg.MaxCurrentJobs, "ASSIGN_MAX_CURRENT_JOBS", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_WINDOW must be > 0"))
	}
	if cfg.ReaperInterval < 0 {
		errs = append(errs, fmt.Errorf("REAPER_INTERVAL must be >= 0"))
	}
	if cfg.ReaperBatch <= 0 {
		errs = append(errs, fmt.Errorf("REAPER_BATCH must be > 0"))
	}
	if cfg.DispatchMode != "auto" && cfg.DispatchMode != "manual" {
		errs = append(errs, fmt.Errorf("DISPATCH_MODE must be auto or manual, got %q", cfg.DispatchMode))
	}
	if cfg.MaxCurrentJobs <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_MAX_CURRENT_JOBS must be > 0"))
	}
	if cfg.MinRating < 0 || cfg.MinRating > 5 {
		errs = append(errs, fmt.Errorf("ASSIGN_MIN_RATING must be within 0..5"))
	}

	return cfg, errors.Join(errs...)
}

// InsecureCron reports whether the expiry endpoint still uses the default secret.
func (c ServerConfig) InsecureCron() bool { return c.CronSecret == InsecureCronSecret }

// ConsumerConfig is the subset read by the location consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
	LogFormat     string
}

func LoadConsumerConfig() ConsumerConfig {
	_ = godotenv.Load()

	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "dispatch-location-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
		LogFormat:    "json",
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if b := splitAndTrim(brokers); len(b) > 0 {
		cfg.KafkaBrokers = b
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")
	return cfg
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
