package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Env      string
	HTTPAddr string

	CORSAllow []string

	// Execution provider (Piston-compatible API)
	ExecURL     string
	ExecTimeout time.Duration

	// Execution history database
	DBPath string

	// History retention
	PruneInterval time.Duration
	PruneKeep     int

	// Per-connection websocket message budget
	MessageRate  float64
	MessageBurst int

	// Optional cross-instance fanout bus; empty disables it
	RedisAddr string
	RedisDB   int
}

// Load reads configuration from environment variables with dev-friendly defaults.
func Load() Config {
	cfg := Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		ExecURL:     getEnv("EXEC_URL", "https://emkc.org/api/v2/piston"),
		ExecTimeout: getEnvDuration("EXEC_TIMEOUT", 15*time.Second),
		DBPath:      getEnv("CODESHARE_DB_PATH", "./data/codeshare.db"),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
	}
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.PruneInterval = getEnvDuration("PRUNE_INTERVAL", 10*time.Minute)
	cfg.PruneKeep = getEnvInt("PRUNE_KEEP", 50)
	cfg.MessageRate = float64(getEnvInt("WS_MSG_RATE", 60))
	cfg.MessageBurst = getEnvInt("WS_MSG_BURST", 120)
	cfg.CORSAllow = splitCSV(getEnv("CORS_ALLOW", "*"))
	return cfg
}

// getEnv returns the env var or a default
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getEnvInt parses an int env var with a fallback
func getEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil && i > 0 {
			return i
		}
	}
	return def
}

// getEnvDuration parses a duration env var ("15s", "5m") with a fallback
func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
