package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// ServerConfig captures all tunable parameters for the realtime server.
// Values are loaded from environment variables with defaults that run
// locally without external services.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	WSMaxConnPerIP int
	WSPingInterval time.Duration
	WSPongWait     time.Duration
	WSSendBuffer   int

	SweepInterval      time.Duration
	RideRequestTimeout time.Duration
	MatchRadiusMeters  float64
	StoreTimeout       time.Duration

	StoreBackend  string
	PGDSN         string
	MongoURI      string
	MongoDatabase string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaTripTopic     string

	JWTSecret string
	TokenTTL  time.Duration

	OSRMEndpoint    string
	DefaultSpeedMps float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		WSMaxConnPerIP:     5,
		WSPingInterval:     25 * time.Second,
		WSPongWait:         60 * time.Second,
		WSSendBuffer:       64,
		SweepInterval:      30 * time.Second,
		StoreTimeout:       3 * time.Second,
		StoreBackend:       BackendMemory,
		MongoDatabase:      "ridehail",
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaTripTopic:     "trip-events",
		TokenTTL:           168 * time.Hour,
		DefaultSpeedMps:    8,
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

	setIntFromEnv(&cfg.WSMaxConnPerIP, "WS_MAX_CONN_PER_IP", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)

	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RideRequestTimeout, "RIDE_REQUEST_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.MatchRadiusMeters, "MATCH_RADIUS_METERS", &errs)
	setDurationFromEnv(&cfg.StoreTimeout, "STORE_TIMEOUT", &errs)

	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.MongoURI = os.Getenv("MONGODB_URI")
	setStringFromEnv(&cfg.MongoDatabase, "MONGODB_DATABASE")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaTripTopic, "KAFKA_TRIP_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	case BackendMongo:
		if cfg.MongoURI == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=mongo requires MONGODB_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	if cfg.WSMaxConnPerIP <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_CONN_PER_IP must be > 0"))
	}
	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if cfg.WSPingInterval >= cfg.WSPongWait {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT"))
	}
	if cfg.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be > 0"))
	}
	if cfg.RideRequestTimeout < 0 || cfg.MatchRadiusMeters < 0 {
		errs = append(errs, fmt.Errorf("RIDE_REQUEST_TIMEOUT and MATCH_RADIUS_METERS must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the location stream worker.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-realtime-presence",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
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
