package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds the application configuration
type Config struct {
	// Storage configuration
	StorageBackend string
	SQLitePath     string
	PostgresDSN    string

	// ClickHouse history (optional, enabled when ClickHouseHost is set)
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool

	// Telegram notifications (optional)
	TelegramToken string

	// Lending policy
	LoanPeriod       time.Duration
	DefaultLoanLimit int
	FinePerDay       int64
	LockTimeout      time.Duration
	SweepSchedule    string
	PolicyFile       string

	// Ops server and logging
	Port      string
	LogLevel  string
	LogFormat string
}

// Policy is the YAML policy file layout. Zero values leave the
// environment settings untouched.
type Policy struct {
	LoanPeriodDays   int    `yaml:"loan_period_days"`
	DefaultLoanLimit int    `yaml:"default_loan_limit"`
	FinePerDay       int64  `yaml:"fine_per_day"`
	LockTimeout      string `yaml:"lock_timeout"`
	SweepSchedule    string `yaml:"sweep_schedule"`
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{}

	// Storage backend (default: sqlite)
	config.StorageBackend = strings.ToLower(os.Getenv("STORAGE_BACKEND"))
	if config.StorageBackend == "" {
		config.StorageBackend = BackendSQLite
	}

	switch config.StorageBackend {
	case BackendMemory:
	case BackendSQLite:
		config.SQLitePath = os.Getenv("SQLITE_PATH")
		if config.SQLitePath == "" {
			config.SQLitePath = "./data/lending.db"
		}
	case BackendPostgres:
		config.PostgresDSN = os.Getenv("POSTGRES_DSN")
		if config.PostgresDSN == "" {
			dsn, err := postgresDSNFromParts()
			if err != nil {
				return nil, err
			}
			config.PostgresDSN = dsn
		}
	default:
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q (expected memory, sqlite or postgres)", config.StorageBackend)
	}

	// ClickHouse configuration (optional)
	config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
	if config.ClickHouseHost != "" {
		portStr := os.Getenv("CLICKHOUSE_PORT")
		if portStr == "" {
			config.ClickHousePort = 9000 // Default ClickHouse native port
		} else {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid CLICKHOUSE_PORT: %w", err)
			}
			config.ClickHousePort = port
		}

		config.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", "default")
		config.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		config.ClickHouseUseTLS = os.Getenv("CLICKHOUSE_USE_TLS") == "true"
	}

	config.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	// Lending policy
	days, err := getInt("LOAN_PERIOD_DAYS", 14)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		return nil, fmt.Errorf("LOAN_PERIOD_DAYS must be positive")
	}
	config.LoanPeriod = time.Duration(days) * 24 * time.Hour

	config.DefaultLoanLimit, err = getInt("DEFAULT_LOAN_LIMIT", 5)
	if err != nil {
		return nil, err
	}
	if config.DefaultLoanLimit <= 0 {
		return nil, fmt.Errorf("DEFAULT_LOAN_LIMIT must be positive")
	}

	fine, err := getInt("FINE_PER_DAY", 0)
	if err != nil {
		return nil, err
	}
	config.FinePerDay = int64(fine)

	config.LockTimeout = 2 * time.Second
	if v := os.Getenv("LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid LOCK_TIMEOUT %q", v)
		}
		config.LockTimeout = d
	}

	config.SweepSchedule = getEnv("SWEEP_SCHEDULE", "@every 1h")
	config.PolicyFile = os.Getenv("POLICY_FILE")
	if config.PolicyFile != "" {
		if err := config.LoadPolicyFile(config.PolicyFile); err != nil {
			return nil, err
		}
	}

	config.Port = getEnv("PORT", "8080")
	config.LogLevel = getEnv("LOG_LEVEL", "info")
	config.LogFormat = getEnv("LOG_FORMAT", "json")

	return config, nil
}

// LoadPolicyFile overrides policy settings with the values in a YAML file
func (c *Config) LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	if p.LoanPeriodDays < 0 || p.DefaultLoanLimit < 0 || p.FinePerDay < 0 {
		return fmt.Errorf("policy file %s: values must not be negative", path)
	}
	if p.LoanPeriodDays > 0 {
		c.LoanPeriod = time.Duration(p.LoanPeriodDays) * 24 * time.Hour
	}
	if p.DefaultLoanLimit > 0 {
		c.DefaultLoanLimit = p.DefaultLoanLimit
	}
	if p.FinePerDay > 0 {
		c.FinePerDay = p.FinePerDay
	}
	if p.LockTimeout != "" {
		d, err := time.ParseDuration(p.LockTimeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("policy file %s: invalid lock_timeout %q", path, p.LockTimeout)
		}
		c.LockTimeout = d
	}
	if p.SweepSchedule != "" {
		c.SweepSchedule = p.SweepSchedule
	}
	return nil
}

// postgresDSNFromParts builds a DSN from DB_HOST, DB_PORT, DB_USER, DB_PASS and DB_NAME
func postgresDSNFromParts() (string, error) {
	host := os.Getenv("DB_HOST")
	name := os.Getenv("DB_NAME")
	if host == "" || name == "" {
		return "", fmt.Errorf("POSTGRES_DSN or DB_HOST and DB_NAME are required when STORAGE_BACKEND is postgres")
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + getEnv("DB_PORT", "5432"),
		Path:     "/" + name,
		RawQuery: "sslmode=" + getEnv("DB_SSLMODE", "disable"),
	}
	if user := os.Getenv("DB_USER"); user != "" {
		if pass := os.Getenv("DB_PASS"); pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String(), nil
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
