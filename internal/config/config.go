package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AlertChannel          string
	AuthSecret            string
	AccessTokenTTLMinutes int
	LockTimeoutSeconds    int
}

// TerminalConfig configures the point-of-sale sync daemon.
type TerminalConfig struct {
	ServerURL           string
	TerminalID          string
	QueuePath           string
	SyncIntervalSeconds int
	SyncBaseDelayMS     int
	SyncMaxDelayMS      int
	AccessToken         string
}

func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	lockTimeout, err := strconv.Atoi(getEnv("LOCK_TIMEOUT_SECONDS", "3"))
	if err != nil || lockTimeout < 1 {
		lockTimeout = 3
	}

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AlertChannel:          getEnv("ALERT_CHANNEL", "stock.alerts"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		LockTimeoutSeconds:    lockTimeout,
	}
}

func LoadTerminal() TerminalConfig {
	_ = godotenv.Load()

	interval, err := strconv.Atoi(getEnv("SYNC_INTERVAL_SECONDS", "30"))
	if err != nil || interval < 1 {
		interval = 30
	}
	baseDelay, err := strconv.Atoi(getEnv("SYNC_BASE_DELAY_MS", "500"))
	if err != nil || baseDelay < 1 {
		baseDelay = 500
	}
	maxDelay, err := strconv.Atoi(getEnv("SYNC_MAX_DELAY_MS", "60000"))
	if err != nil || maxDelay < baseDelay {
		maxDelay = 60000
	}

	return TerminalConfig{
		ServerURL:           getEnv("SERVER_URL", "http://127.0.0.1:8080"),
		TerminalID:          getEnv("TERMINAL_ID", "terminal-1"),
		QueuePath:           getEnv("QUEUE_PATH", "./offline-queue.db"),
		SyncIntervalSeconds: interval,
		SyncBaseDelayMS:     baseDelay,
		SyncMaxDelayMS:      maxDelay,
		AccessToken:         strings.TrimSpace(os.Getenv("TERMINAL_ACCESS_TOKEN")),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
