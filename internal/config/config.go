package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr       string
	RedisPassword   string
	RedisGeoKey     string
	DriverStatusTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// Dispatch tuning.
	SearchRadiusKm   float64
	CandidateLimit   int
	OfferCeiling     int
	OfferTTL         time.Duration
	NoOfferTimeout   time.Duration
	OffersTimeout    time.Duration
	MinRideKm        float64
	MaxRideKm        float64
	BaseFare         float64
	PerKmRate        float64
	CitySpeedKmh     float64
	MaxSuggestedFare float64

	// Ingestion tuning.
	IngestInterval       time.Duration
	SweepInterval        time.Duration
	StaleMultiplier      int
	HistorySampling      int
	HistoryRetentionDays int

	// Optional push gateway for clients without a live websocket.
	PushEndpoint string
	PushKey      string

	JWTSecret string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:     "driver_locations",
		DriverStatusTTL: time.Hour,

		KafkaTopic: "driver-locations",

		SearchRadiusKm:   20,
		CandidateLimit:   20,
		OfferCeiling:     6,
		OfferTTL:         8 * time.Minute,
		NoOfferTimeout:   300 * time.Second,
		OffersTimeout:    2 * time.Minute,
		MinRideKm:        0.01,
		MaxRideKm:        50,
		BaseFare:         3.5,
		PerKmRate:        1.2,
		CitySpeedKmh:     25,
		MaxSuggestedFare: 500,

		IngestInterval:       5 * time.Second,
		SweepInterval:        2 * time.Minute,
		StaleMultiplier:      6,
		HistorySampling:      10,
		HistoryRetentionDays: 7,

		LogLevel: "info",
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
	setDurationFromEnv(&cfg.DriverStatusTTL, "DRIVER_STATUS_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.SearchRadiusKm, "DISPATCH_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setIntFromEnv(&cfg.OfferCeiling, "DISPATCH_OFFER_CEILING", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.NoOfferTimeout, "DISPATCH_NO_OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.OffersTimeout, "DISPATCH_OFFERS_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.MinRideKm, "DISPATCH_MIN_RIDE_KM", &errs)
	setFloatFromEnv(&cfg.MaxRideKm, "DISPATCH_MAX_RIDE_KM", &errs)
	setFloatFromEnv(&cfg.BaseFare, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.PerKmRate, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.CitySpeedKmh, "DISPATCH_CITY_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.MaxSuggestedFare, "FARE_SUGGESTED_MAX", &errs)

	setDurationFromEnv(&cfg.IngestInterval, "INGEST_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "INGEST_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.StaleMultiplier, "INGEST_STALE_MULTIPLIER", &errs)
	setIntFromEnv(&cfg.HistorySampling, "INGEST_HISTORY_SAMPLING", &errs)
	setIntFromEnv(&cfg.HistoryRetentionDays, "INGEST_HISTORY_RETENTION_DAYS", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferCeiling <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_CEILING must be > 0"))
	}
	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.StaleMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("INGEST_STALE_MULTIPLIER must be > 0"))
	}

	return cfg, errors.Join(errs...)
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
