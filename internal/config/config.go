package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	DefaultConfigID          string
	AuthSecret               string
	AccessTokenTTLMinutes    int
	BridgeTokenSalt          string
	RetryMaxAttempts         int
	ProcessingTimeoutSeconds int
	SweepIntervalSeconds     int
	OnlineWindowSeconds      int
	PendingWindowSeconds     int
	StatusCacheTTLSeconds    int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480)
	maxAttempts := getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	processingTimeout := getEnvInt("PROCESSING_TIMEOUT_SECONDS", 300)
	sweepInterval := getEnvInt("SWEEP_INTERVAL_SECONDS", 60)
	onlineWindow := getEnvInt("AGENT_ONLINE_WINDOW_SECONDS", 60)
	pendingWindow := getEnvInt("AGENT_PENDING_WINDOW_SECONDS", 300)
	statusCacheTTL := getEnvInt("STATUS_CACHE_TTL_SECONDS", 2)

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		DefaultConfigID:          getEnv("DEFAULT_FISCAL_CONFIG_ID", "main-device"),
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		BridgeTokenSalt:          strings.TrimSpace(os.Getenv("BRIDGE_TOKEN_SALT")),
		RetryMaxAttempts:         maxAttempts,
		ProcessingTimeoutSeconds: processingTimeout,
		SweepIntervalSeconds:     sweepInterval,
		OnlineWindowSeconds:      onlineWindow,
		PendingWindowSeconds:     pendingWindow,
		StatusCacheTTLSeconds:    statusCacheTTL,
	}

	return cfg
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

func getEnvInt(key string, fallback int) int {
	parsed, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
