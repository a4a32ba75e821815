// Package config содержит логику чтения конфигурации сервиса начисления UIB.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ciclik/uib-ledger/internal/model"
)

// ErrMissingDatabaseURI возвращается, если адрес базы данных не задан.
var ErrMissingDatabaseURI = errors.New("database URI is required")

// Порядок обхода событий при начислении.
const (
	OrderOccurred = "occurred"
	OrderArrival  = "arrival"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	CatalogAddress  string        `env:"CATALOG_ADDRESS"`
	RedisAddress    string        `env:"REDIS_ADDRESS"`
	AccrualInterval time.Duration `env:"ACCRUAL_INTERVAL"`

	AccrualOrder      string `env:"ACCRUAL_ORDER" envDefault:"occurred"`
	AccrualBatchLimit int    `env:"ACCRUAL_BATCH_LIMIT" envDefault:"10000"`
	QuotaResidue      int    `env:"QUOTA_RESIDUE" envDefault:"250"`
	QuotaEducation    int    `env:"QUOTA_EDUCATION" envDefault:"5"`
	QuotaProduct      int    `env:"QUOTA_PRODUCT" envDefault:"1"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
}

// QuotaBundle возвращает набор UIB, требуемый новой квотой по умолчанию.
func (c *Config) QuotaBundle() model.KindCounts {
	return model.KindCounts{
		model.KindResidue:   c.QuotaResidue,
		model.KindEducation: c.QuotaEducation,
		model.KindProduct:   c.QuotaProduct,
	}
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// Отсутствие .env не является ошибкой.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "uib-ledger-secret", "operator token signing secret")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "GTIN catalog address")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for the scheduler lock")
	flag.DurationVar(&cfg.AccrualInterval, "i", 10*time.Minute, "scheduled accrual interval, 0 disables")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.AuthSecret != "" {
		cfg.AuthSecret = fromEnv.AuthSecret
	}
	if fromEnv.CatalogAddress != "" {
		cfg.CatalogAddress = fromEnv.CatalogAddress
	}
	if fromEnv.RedisAddress != "" {
		cfg.RedisAddress = fromEnv.RedisAddress
	}
	if _, ok := os.LookupEnv("ACCRUAL_INTERVAL"); ok {
		cfg.AccrualInterval = fromEnv.AccrualInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURI == "" {
		return ErrMissingDatabaseURI
	}
	if c.AccrualOrder != OrderOccurred && c.AccrualOrder != OrderArrival {
		return fmt.Errorf("invalid ACCRUAL_ORDER %q: want %q or %q", c.AccrualOrder, OrderOccurred, OrderArrival)
	}
	if c.AccrualBatchLimit <= 0 {
		return fmt.Errorf("ACCRUAL_BATCH_LIMIT must be positive, got %d", c.AccrualBatchLimit)
	}
	if c.AccrualInterval < 0 {
		return fmt.Errorf("accrual interval must not be negative, got %s", c.AccrualInterval)
	}
	if c.QuotaResidue < 0 || c.QuotaEducation < 0 || c.QuotaProduct < 0 {
		return errors.New("quota bundle counts must not be negative")
	}
	return nil
}
