package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the relay and ride
// record process. Values are primarily loaded from environment variables
// with sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisRelayChannel string
	RedisGeoKey       string
	PositionTTL       time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	AMQPURL      string
	AMQPExchange string

	JWTSecret string

	RelaySendBuffer int
	RelayReadLimit  int64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisRelayChannel: "emergency:relay",
		RedisGeoKey:       "emergency_positions",
		PositionTTL:       24 * time.Hour,
		KafkaTopic:        "emergency-locations",
		AMQPExchange:      "ride_topic",
		RelaySendBuffer:   256,
		RelayReadLimit:    64 << 10,
		LogLevel:          "info",
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
	setStringFromEnv(&cfg.RedisRelayChannel, "REDIS_RELAY_CHANNEL")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.PositionTTL, "POSITION_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setIntFromEnv(&cfg.RelaySendBuffer, "RELAY_SEND_BUFFER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RelaySendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_SEND_BUFFER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ClientConfig drives a patient or driver client process.
type ClientConfig struct {
	RelayURL   string
	RideAPIURL string
	Token      string
	UserID     string
	Role       string

	OSRMEndpoint string
	OSRMAPIKey   string
	RouteTimeout time.Duration
	RouteTTL     time.Duration
	AvgSpeedKmh  float64

	OfflineDBPath     string
	OfflineRetention  time.Duration
	OfflineSweepEvery time.Duration

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	HighAccuracyTimeout time.Duration
	BalancedTimeout     time.Duration
	CachedTimeout       time.Duration
	WatchInterval       time.Duration
	WatchErrorThreshold int

	PermissionRequestDelay time.Duration

	LogLevel string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		RelayURL:               "ws://localhost:8080/ws",
		RideAPIURL:             "http://localhost:8080",
		Role:                   "patient",
		RouteTimeout:           5 * time.Second,
		RouteTTL:               time.Hour,
		AvgSpeedKmh:            40,
		OfflineDBPath:          "offline.db",
		OfflineRetention:       24 * time.Hour,
		OfflineSweepEvery:      10 * time.Minute,
		ReconnectAttempts:      5,
		ReconnectDelay:         3 * time.Second,
		HighAccuracyTimeout:    8 * time.Second,
		BalancedTimeout:        12 * time.Second,
		CachedTimeout:          5 * time.Second,
		WatchInterval:          5 * time.Second,
		WatchErrorThreshold:    3,
		PermissionRequestDelay: time.Second,
		LogLevel:               "info",
	}
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.RelayURL, "RELAY_URL")
	setStringFromEnv(&cfg.RideAPIURL, "RIDE_API_URL")
	cfg.Token = os.Getenv("RELAY_TOKEN")
	setStringFromEnv(&cfg.UserID, "USER_ID")
	setStringFromEnv(&cfg.Role, "ROLE")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.OSRMAPIKey = os.Getenv("OSRM_API_KEY")
	setDurationFromEnv(&cfg.RouteTimeout, "ROUTE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteTTL, "ROUTE_TTL", &errs)
	setFloatFromEnv(&cfg.AvgSpeedKmh, "AVG_SPEED_KMH", &errs)

	setStringFromEnv(&cfg.OfflineDBPath, "OFFLINE_DB_PATH")
	setDurationFromEnv(&cfg.OfflineRetention, "OFFLINE_RETENTION", &errs)
	setDurationFromEnv(&cfg.OfflineSweepEvery, "OFFLINE_SWEEP_INTERVAL", &errs)

	setIntFromEnv(&cfg.ReconnectAttempts, "RECONNECT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ReconnectDelay, "RECONNECT_DELAY", &errs)

	setDurationFromEnv(&cfg.HighAccuracyTimeout, "GEO_HIGH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.BalancedTimeout, "GEO_BALANCED_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.CachedTimeout, "GEO_CACHED_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WatchInterval, "GEO_WATCH_INTERVAL", &errs)
	setIntFromEnv(&cfg.WatchErrorThreshold, "GEO_ERROR_THRESHOLD", &errs)

	setDurationFromEnv(&cfg.PermissionRequestDelay, "PERMISSION_REQUEST_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Role != "patient" && cfg.Role != "driver" {
		errs = append(errs, fmt.Errorf("ROLE must be patient or driver, got %q", cfg.Role))
	}
	if cfg.ReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_ATTEMPTS must be > 0"))
	}
	if cfg.WatchErrorThreshold <= 0 {
		errs = append(errs, fmt.Errorf("GEO_ERROR_THRESHOLD must be > 0"))
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
