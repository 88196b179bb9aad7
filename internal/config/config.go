package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds sync-service configuration.
type Config struct {
	Port            string
	AppEnv          string
	LogLevel        string
	RedisURL        string
	KeyPrefix       string
	Channel         string
	FrontendBaseURL string

	// Rooms idle longer than this expire. Also used as the key TTL.
	RoomInactivityTTL time.Duration
	// Rooms with an empty member set are removed after this grace.
	EmptyRoomGrace time.Duration
	SweepInterval  time.Duration

	ThrottlePlayPause time.Duration
	ThrottleSeek      time.Duration

	RequestTimeout   time.Duration
	WSMaxMessageSize int64
}

// Load reads configuration from the environment, loading .env first if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:              getenv("PORT", "3004"),
		AppEnv:            getenv("APP_ENV", "development"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		RedisURL:          getenv("REDIS_URL", "redis://localhost:6379"),
		KeyPrefix:         getenv("REDIS_KEY_PREFIX", "sync:"),
		Channel:           getenv("BROADCAST_CHANNEL", "sync:broadcast"),
		FrontendBaseURL:   getenv("FRONTEND_BASE_URL", ""),
		RoomInactivityTTL: getenvDuration("ROOM_INACTIVITY_TTL", 2*time.Hour),
		EmptyRoomGrace:    getenvDuration("EMPTY_ROOM_GRACE", 5*time.Minute),
		SweepInterval:     getenvDuration("SWEEP_INTERVAL", time.Minute),
		ThrottlePlayPause: getenvDuration("THROTTLE_PLAY_PAUSE", 300*time.Millisecond),
		ThrottleSeek:      getenvDuration("THROTTLE_SEEK", time.Second),
		RequestTimeout:    getenvDuration("REQUEST_TIMEOUT", 5*time.Second),
		WSMaxMessageSize:  int64(getenvInt("WS_MAX_MESSAGE_SIZE", 65536)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	if c.RedisURL == "" {
		return errors.New("config: REDIS_URL is required")
	}
	if c.RoomInactivityTTL <= 0 {
		return errors.New("config: ROOM_INACTIVITY_TTL must be positive")
	}
	if c.EmptyRoomGrace <= 0 || c.EmptyRoomGrace > c.RoomInactivityTTL {
		return errors.New("config: EMPTY_ROOM_GRACE must be positive and not exceed ROOM_INACTIVITY_TTL")
	}
	if c.SweepInterval <= 0 {
		return errors.New("config: SWEEP_INTERVAL must be positive")
	}
	if c.ThrottleSeek < c.ThrottlePlayPause {
		return errors.New("config: THROTTLE_SEEK must not be shorter than THROTTLE_PLAY_PAUSE")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

// NewLogger builds the process logger: development encoder outside production,
// level from LOG_LEVEL.
func (c Config) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.AppEnv == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
