// Package config loads engine configuration from the environment, matching
// the teacher's env/flags-with-defaults convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	Debug bool

	// HTTP
	WebhookPort int
	AdminPort   int
	HTTPTimeout time.Duration

	// Database
	DatabaseURL string // postgres DSN; empty falls back to SQLite
	SQLitePath  string

	// Broker
	BrokerDemoBaseURL string
	BrokerLiveBaseURL string
	BrokerWSBaseURL   string

	// Scheduler & Governor (C9)
	BatchSize   int
	BatchDelay  time.Duration
	APIRPMLimit int
	APIBurst    int

	// Token cache (C2)
	TokenRefreshCheck     time.Duration
	TokenRefreshThreshold time.Duration

	// Reconciler (C8)
	ReconcileInterval  time.Duration
	ReconcileFullSweep time.Duration

	// Exit state machine (C7)
	ExitWorkingTimeout time.Duration
	ExitConfirmTimeout time.Duration
	KillSwitchBudget   time.Duration

	// WebSocket reconnect (C1)
	WSReconnectBase time.Duration
	WSReconnectCap  time.Duration

	// Risk gate defaults
	DefaultSessionTimezone string

	// Telegram notifier (out-of-core, §6)
	TelegramToken  string
	TelegramChatID int64

	DryRun bool
}

// Load reads configuration from the environment, applying the defaults
// spec.md §6 lists.
func Load() (*Config, error) {
	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		WebhookPort: getEnvInt("WEBHOOK_PORT", 8080),
		AdminPort:   getEnvInt("ADMIN_PORT", 8081),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "data/engine.db"),

		BrokerDemoBaseURL: getEnv("BROKER_DEMO_BASE_URL", "https://demo-api.broker.example"),
		BrokerLiveBaseURL: getEnv("BROKER_LIVE_BASE_URL", "https://api.broker.example"),
		BrokerWSBaseURL:   getEnv("BROKER_WS_BASE_URL", "wss://ws.broker.example/user"),

		BatchSize:   getEnvInt("BATCH_SIZE", 25),
		BatchDelay:  getEnvDuration("BATCH_DELAY", 500*time.Millisecond),
		APIRPMLimit: getEnvInt("API_RPM_LIMIT", 70),
		APIBurst:    getEnvInt("API_BURST", 10),

		TokenRefreshCheck:     getEnvDuration("TOKEN_REFRESH_CHECK", 60*time.Second),
		TokenRefreshThreshold: getEnvDuration("TOKEN_REFRESH_THRESHOLD", 300*time.Second),

		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 60*time.Second),
		ReconcileFullSweep: getEnvDuration("RECONCILE_FULL_SWEEP", 300*time.Second),

		ExitWorkingTimeout: getEnvDuration("EXIT_WORKING_TIMEOUT", 5000*time.Millisecond),
		ExitConfirmTimeout: getEnvDuration("EXIT_CONFIRM_TIMEOUT", 3000*time.Millisecond),
		KillSwitchBudget:   getEnvDuration("KILL_SWITCH_BUDGET", 750*time.Millisecond),

		WSReconnectBase: getEnvDuration("WS_RECONNECT_BASE", 1000*time.Millisecond),
		WSReconnectCap:  getEnvDuration("WS_RECONNECT_CAP", 30000*time.Millisecond),

		DefaultSessionTimezone: getEnv("SESSION_TIMEZONE", "America/Chicago"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DryRun: getEnvBool("DRY_RUN", true),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
