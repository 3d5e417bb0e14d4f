package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                      string
	AllowedOrigin             string
	DatabaseURL               string
	DatabaseMigrate           bool
	BackendRESTURL            string
	BackendRESTKey            string
	RedisAddr                 string
	RedisPassword             string
	RedisDB                   int
	ProductCacheTTLSeconds    int
	ProductSnapshotTTLSeconds int
	AuthSecret                string
	AccessTokenTTLMinutes     int
	ManagerPIN                string
	OfflineStore              string
	OfflineStoreDir           string
	OfflineStorageKey         string
	SyncMaxAttempts           int
	SyncInitialBackoff        time.Duration
	SyncMaxBackoff            time.Duration
	SyncSchedule              string
	ProbeInterval             time.Duration
	LogLevel                  string
	LogEncoding               string
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                      getEnv("PORT", "8080"),
		AllowedOrigin:             getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		DatabaseMigrate:           getBool("DATABASE_MIGRATE", false),
		BackendRESTURL:            strings.TrimRight(os.Getenv("BACKEND_REST_URL"), "/"),
		BackendRESTKey:            strings.TrimSpace(os.Getenv("BACKEND_REST_KEY")),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   getInt("REDIS_DB", 0, 0),
		ProductCacheTTLSeconds:    getInt("PRODUCT_CACHE_TTL_SECONDS", 30, 1),
		ProductSnapshotTTLSeconds: getInt("PRODUCT_SNAPSHOT_TTL_SECONDS", 86400, 1),
		AuthSecret:                strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:     getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		ManagerPIN:                strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		OfflineStore:              strings.ToLower(getEnv("OFFLINE_STORE", "file")),
		OfflineStoreDir:           getEnv("OFFLINE_STORE_DIR", "data"),
		OfflineStorageKey:         getEnv("OFFLINE_STORAGE_KEY", "pos_offline_transactions"),
		SyncMaxAttempts:           getInt("SYNC_MAX_ATTEMPTS", 8, 0),
		SyncInitialBackoff:        time.Duration(getInt("SYNC_INITIAL_BACKOFF_SECONDS", 5, 0)) * time.Second,
		SyncMaxBackoff:            time.Duration(getInt("SYNC_MAX_BACKOFF_SECONDS", 600, 0)) * time.Second,
		SyncSchedule:              getEnv("SYNC_SCHEDULE", "@every 30s"),
		ProbeInterval:             time.Duration(getInt("CONNECTIVITY_PROBE_INTERVAL_SECONDS", 10, 1)) * time.Second,
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		LogEncoding:               getEnv("LOG_ENCODING", "json"),
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

// getInt falls back when the value is missing, malformed or below floor.
func getInt(key string, fallback int, floor int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < floor {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
