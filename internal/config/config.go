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

type Config struct {
	ServerPort string
	ServerHost string

	// Presence
	PresenceSweepInterval time.Duration
	PresenceStaleAfter    time.Duration

	// Edit locks
	LockTTL           time.Duration
	LockSweepInterval time.Duration
	LockRenewInterval time.Duration

	PreviewDebounce        time.Duration
	VersionHistoryLimit    int
	VersionIdleTTL         time.Duration
	SelectionClearOnHidden bool
	SendBufferSize         int

	// Version history persistence
	DBEnabled      bool
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	DBMaxOpenConns int

	// Cross-instance fan-out, disabled when empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Observability
	JaegerEndpoint   string
	TraceSampleRatio float64
	LogLevel         string
	LogFormat        string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		PresenceSweepInterval: getEnvDuration("PRESENCE_SWEEP_INTERVAL", 10*time.Second),
		PresenceStaleAfter:    getEnvDuration("PRESENCE_STALE_AFTER", 30*time.Second),

		LockTTL:           getEnvDuration("LOCK_TTL", 30*time.Second),
		LockSweepInterval: getEnvDuration("LOCK_SWEEP_INTERVAL", 5*time.Second),
		LockRenewInterval: getEnvDuration("LOCK_RENEW_INTERVAL", 25*time.Second),

		PreviewDebounce:        getEnvDuration("PREVIEW_DEBOUNCE", 100*time.Millisecond),
		VersionHistoryLimit:    getEnvInt("VERSION_HISTORY_LIMIT", 50),
		VersionIdleTTL:         getEnvDuration("VERSION_IDLE_TTL", time.Hour),
		SelectionClearOnHidden: getEnvBool("SELECTION_CLEAR_ON_HIDDEN", false),
		SendBufferSize:         getEnvInt("SEND_BUFFER_SIZE", 256),

		DBEnabled:      getEnvBool("DB_ENABLED", false),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "board_collab"),
		DBSSLMode:      getEnv("DB_SSLMODE", "disable"),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 10),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1.0),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects timing combinations the components cannot honor.
func (c *Config) Validate() error {
	var errs []error

	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"PRESENCE_SWEEP_INTERVAL", c.PresenceSweepInterval},
		{"PRESENCE_STALE_AFTER", c.PresenceStaleAfter},
		{"LOCK_TTL", c.LockTTL},
		{"LOCK_SWEEP_INTERVAL", c.LockSweepInterval},
		{"LOCK_RENEW_INTERVAL", c.LockRenewInterval},
		{"PREVIEW_DEBOUNCE", c.PreviewDebounce},
		{"VERSION_IDLE_TTL", c.VersionIdleTTL},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}

	if c.LockRenewInterval >= c.LockTTL {
		errs = append(errs, fmt.Errorf("LOCK_RENEW_INTERVAL (%s) must be shorter than LOCK_TTL (%s)", c.LockRenewInterval, c.LockTTL))
	}
	if c.PresenceStaleAfter < c.PresenceSweepInterval {
		errs = append(errs, fmt.Errorf("PRESENCE_STALE_AFTER (%s) must be at least PRESENCE_SWEEP_INTERVAL (%s)", c.PresenceStaleAfter, c.PresenceSweepInterval))
	}
	if c.VersionHistoryLimit <= 0 {
		errs = append(errs, errors.New("VERSION_HISTORY_LIMIT must be positive"))
	}
	if c.SendBufferSize <= 0 {
		errs = append(errs, errors.New("SEND_BUFFER_SIZE must be positive"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0, 1], got %g", c.TraceSampleRatio))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("250ms", "30s").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
