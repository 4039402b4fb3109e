package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	ServerAddr string

	// DatabaseURL empty selects the in-memory store.
	DatabaseURL string

	ProfileDir string
	APITokens  string

	SessionMaxIdle  time.Duration
	PollIdleTimeout time.Duration
	SweepInterval   time.Duration

	DebugReminders     bool
	DebugReminderDelay time.Duration
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	return &Config{
		ServerAddr:         getenv("SERVER_ADDR", "0.0.0.0:8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ProfileDir:         getenv("PROFILE_DIR", "./profiles"),
		APITokens:          os.Getenv("API_TOKENS"),
		SessionMaxIdle:     parseDuration(getenv("SESSION_MAX_IDLE", "5m"), 5*time.Minute),
		PollIdleTimeout:    parseDuration(getenv("POLL_IDLE_TIMEOUT", "30m"), 30*time.Minute),
		SweepInterval:      parseDuration(getenv("SWEEP_INTERVAL", "1m"), time.Minute),
		DebugReminders:     parseBool(getenv("DEBUG_REMINDERS", "false"), false),
		DebugReminderDelay: parseDuration(getenv("DEBUG_REMINDER_DELAY", "30s"), 30*time.Second),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}
