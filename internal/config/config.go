package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the full application configuration surface.
type Config struct {
	Server   ServerConfig
	MongoDB  MongoDBConfig
	Ledger   LedgerConfig
	Schedule ScheduleConfig
	WhatsApp WhatsAppConfig
	Sheets   SheetsConfig
}

// ServerConfig holds HTTP server related options.
type ServerConfig struct {
	Port           string
	Env            string
	FrontendOrigin string
}

// Production reports whether the service runs with production settings.
func (s ServerConfig) Production() bool {
	return s.Env == "production"
}

// MongoDBConfig holds settings for MongoDB.
type MongoDBConfig struct {
	URI    string
	DBName string
	// Transactions selects multi-document transactions. Standalone servers
	// do not support them; the ledger then falls back to compensation.
	Transactions bool
}

// LedgerConfig tunes the ledger engine.
type LedgerConfig struct {
	EnforceNonNegative bool
	PendingTimeout     time.Duration
}

// ScheduleConfig holds cron expressions for background jobs.
type ScheduleConfig struct {
	ReconcileCron string
	ReportCron    string
	ExportCron    string
	Timezone      string
}

// WhatsAppConfig contains credentials and options for the Meta WhatsApp Cloud API.
type WhatsAppConfig struct {
	AccessToken    string
	PhoneNumberID  string
	BaseURL        string
	APIVersion     string
	AlertRecipient string
}

// Enabled reports whether operator notifications can be sent.
func (w WhatsAppConfig) Enabled() bool {
	return w.AccessToken != "" && w.PhoneNumberID != "" && w.AlertRecipient != ""
}

// SheetsConfig contains configuration required to interact with Google Sheets.
type SheetsConfig struct {
	CredentialsPath string
	SpreadsheetID   string
}

// Enabled reports whether the snapshot export is configured.
func (s SheetsConfig) Enabled() bool {
	return s.CredentialsPath != "" && s.SpreadsheetID != ""
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		// a missing .env is fine when the environment is set directly
		_ = godotenv.Load()
	}

	transactions, err := getenvBool("MONGODB_TRANSACTIONS", true)
	if err != nil {
		return nil, err
	}
	nonNegative, err := getenvBool("LEDGER_ENFORCE_NON_NEGATIVE", false)
	if err != nil {
		return nil, err
	}
	pendingTimeout, err := getenvDuration("LEDGER_PENDING_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getenvWithDefault("APP_PORT", "8080"),
			Env:            getenvWithDefault("APP_ENV", "development"),
			FrontendOrigin: os.Getenv("FRONTEND_ORIGIN"),
		},
		MongoDB: MongoDBConfig{
			URI:          os.Getenv("MONGODB_URI"),
			DBName:       getenvWithDefault("MONGODB_DB_NAME", "poultry"),
			Transactions: transactions,
		},
		Ledger: LedgerConfig{
			EnforceNonNegative: nonNegative,
			PendingTimeout:     pendingTimeout,
		},
		Schedule: ScheduleConfig{
			ReconcileCron: getenvWithDefault("RECONCILE_CRON_SCHEDULE", "0 2 * * *"),
			ReportCron:    getenvWithDefault("REPORT_CRON_SCHEDULE", "0 20 * * 5"),
			ExportCron:    getenvWithDefault("EXPORT_CRON_SCHEDULE", "0 21 * * *"),
			Timezone:      getenvWithDefault("TIMEZONE", "Asia/Kolkata"),
		},
		WhatsApp: WhatsAppConfig{
			AccessToken:    os.Getenv("WHATSAPP_TOKEN"),
			PhoneNumberID:  os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
			BaseURL:        getenvWithDefault("WHATSAPP_BASE_URL", "https://graph.facebook.com"),
			APIVersion:     getenvWithDefault("WHATSAPP_API_VERSION", "v20.0"),
			AlertRecipient: os.Getenv("WHATSAPP_ALERT_RECIPIENT"),
		},
		Sheets: SheetsConfig{
			CredentialsPath: os.Getenv("GOOGLE_SHEETS_CREDENTIALS_PATH"),
			SpreadsheetID:   os.Getenv("GOOGLE_SHEET_DATABASE_ID"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures that required configuration fields are populated.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port == "" {
		return errors.New("APP_PORT must be provided")
	}

	switch c.Server.Env {
	case "development", "production", "test":
	default:
		return fmt.Errorf("APP_ENV must be development, production or test, got %q", c.Server.Env)
	}

	if c.Server.Production() && c.Server.FrontendOrigin == "" {
		return errors.New("FRONTEND_ORIGIN must be provided in production")
	}

	if c.MongoDB.URI == "" {
		return errors.New("MONGODB_URI must be provided")
	}

	if c.MongoDB.DBName == "" {
		return errors.New("MONGODB_DB_NAME must not be empty")
	}

	if c.Ledger.PendingTimeout <= 0 {
		return errors.New("LEDGER_PENDING_TIMEOUT must be positive")
	}

	switch {
	case c.Schedule.ReconcileCron == "":
		return errors.New("RECONCILE_CRON_SCHEDULE must be provided")
	case c.Schedule.ReportCron == "":
		return errors.New("REPORT_CRON_SCHEDULE must be provided")
	case c.Schedule.ExportCron == "":
		return errors.New("EXPORT_CRON_SCHEDULE must be provided")
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q is invalid: %w", c.Schedule.Timezone, err)
	}

	if c.WhatsApp.BaseURL == "" {
		return errors.New("WHATSAPP_BASE_URL must not be empty")
	}

	if c.WhatsApp.APIVersion == "" {
		return errors.New("WHATSAPP_API_VERSION must not be empty")
	}

	return nil
}

func getenvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
