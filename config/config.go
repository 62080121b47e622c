// Package config loads runtime settings from .env and the environment.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/settlement-engine/settlement"
)

type Config struct {
	App     AppConfig
	Store   StoreConfig
	Auth    AuthConfig
	Gateway GatewayConfig
	Events  EventsConfig
	Policy  PolicyConfig
	Jobs    JobsConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	CorsAllowedOrigins []string
	// Scenarios exposes the demo data loaders. Never enabled in production.
	Scenarios bool
}

func (a AppConfig) IsProduction() bool { return a.Environment == "production" }

type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, gorm-sqlite.
	Driver     string
	SQLitePath string
	Connection string
}

type AuthConfig struct {
	JWTSecret string
}

type GatewayConfig struct {
	// Driver is sandbox or midtrans.
	Driver             string
	MidtransServerKey  string
	MidtransIrisKey    string
	MidtransProduction bool
	NotifyEmail        string
	QRTemplateURL      string
	QRCacheTTL         time.Duration
	RedisURL           string
}

type EventsConfig struct {
	// NATSURL selects JetStream; empty keeps events in-process.
	NATSURL string
}

// PolicyConfig holds overrides applied on top of the policy file. Negative
// values mean unset.
type PolicyConfig struct {
	File              string
	HoldingPeriodDays int
	MaxAppeals        int
	AppealWindowDays  int
}

type JobsConfig struct {
	SweepInterval      time.Duration
	AutoPayoutInterval time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "8080"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/settlement.log"),
			CorsAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
			Scenarios:          getEnvAsBool("ENABLE_SCENARIOS", false),
		},
		Store: StoreConfig{
			Driver:     getEnv("STORE_DRIVER", "sqlite"),
			SQLitePath: getEnv("SQLITE_PATH", "./data/settlement.db"),
			Connection: getEnv("DB_CONNECTION_STRING", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Gateway: GatewayConfig{
			Driver:             getEnv("GATEWAY", "sandbox"),
			MidtransServerKey:  getEnv("MIDTRANS_SERVER_KEY", ""),
			MidtransIrisKey:    getEnv("MIDTRANS_IRIS_KEY", ""),
			MidtransProduction: getEnv("MIDTRANS_ENV", "sandbox") == "production",
			NotifyEmail:        getEnv("PAYOUT_NOTIFY_EMAIL", ""),
			QRTemplateURL:      getEnv("QR_TEMPLATE_URL", ""),
			QRCacheTTL:         getEnvAsDuration("QR_CACHE_TTL", 10*time.Minute),
			RedisURL:           getEnv("REDIS_URL", ""),
		},
		Events: EventsConfig{
			NATSURL: getEnv("NATS_URL", ""),
		},
		Policy: PolicyConfig{
			File:              getEnv("POLICY_FILE", ""),
			HoldingPeriodDays: getEnvAsInt("HOLDING_PERIOD_DAYS", -1),
			MaxAppeals:        getEnvAsInt("MAX_APPEALS", -1),
			AppealWindowDays:  getEnvAsInt("APPEAL_WINDOW_DAYS", -1),
		},
		Jobs: JobsConfig{
			SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", time.Hour),
			AutoPayoutInterval: getEnvAsDuration("AUTO_PAYOUT_INTERVAL", 0),
		},
	}
}

// Apply overlays the environment overrides onto p.
func (c PolicyConfig) Apply(p *settlement.Policy) {
	const day = 24 * time.Hour
	if c.HoldingPeriodDays >= 0 {
		p.HoldingPeriod = time.Duration(c.HoldingPeriodDays) * day
	}
	if c.MaxAppeals >= 0 {
		p.MaxAppeals = c.MaxAppeals
	}
	if c.AppealWindowDays >= 0 {
		p.AppealWindow = time.Duration(c.AppealWindowDays) * day
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90m", "1h").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(strValue, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
