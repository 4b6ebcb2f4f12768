package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"kasseledger/backend/internal/domain"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	StoreID               string `mapstructure:"DEFAULT_STORE_ID"`
	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	ManagerPIN            string `mapstructure:"MANAGER_PIN"`

	LockTimeoutMS            int    `mapstructure:"LOCK_TIMEOUT_MS"`
	SettlementMaxAttempts    int    `mapstructure:"SETTLEMENT_MAX_ATTEMPTS"`
	SettlementBackoffMS      int    `mapstructure:"SETTLEMENT_BACKOFF_MS"`
	SettlementTimeoutSeconds int    `mapstructure:"SETTLEMENT_TIMEOUT_SECONDS"`
	PaymentGatewayURL        string `mapstructure:"PAYMENT_GATEWAY_URL"`

	DefaultCurrency      string `mapstructure:"DEFAULT_CURRENCY"`
	DefaultVATRate       string `mapstructure:"DEFAULT_VAT_RATE"`
	GiftCardMinAmount    int64  `mapstructure:"GIFT_CARD_MIN_AMOUNT"`
	GiftCardMaxAmount    int64  `mapstructure:"GIFT_CARD_MAX_AMOUNT"`
	GiftCardValidityDays int    `mapstructure:"GIFT_CARD_VALIDITY_DAYS"`

	FiscalDedupeWindowSeconds int `mapstructure:"FISCAL_DEDUPE_WINDOW_SECONDS"`

	WorkerPoolSize int    `mapstructure:"WORKER_POOL_SIZE"`
	PrinterAddrs   string `mapstructure:"PRINTER_ADDRS"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
}

var defaults = map[string]any{
	"PORT":                         "8080",
	"APP_ENV":                      "development",
	"LOG_LEVEL":                    "info",
	"ALLOWED_ORIGIN":               "http://127.0.0.1:3000",
	"REDIS_DB":                     0,
	"DEFAULT_STORE_ID":             "main-store",
	"ACCESS_TOKEN_TTL_MINUTES":     480,
	"LOCK_TIMEOUT_MS":              5000,
	"SETTLEMENT_MAX_ATTEMPTS":      3,
	"SETTLEMENT_BACKOFF_MS":        250,
	"SETTLEMENT_TIMEOUT_SECONDS":   15,
	"DEFAULT_CURRENCY":             "NOK",
	"DEFAULT_VAT_RATE":             "0.25",
	"GIFT_CARD_MIN_AMOUNT":         10000,
	"GIFT_CARD_MAX_AMOUNT":         1000000,
	"GIFT_CARD_VALIDITY_DAYS":      1095,
	"FISCAL_DEDUPE_WINDOW_SECONDS": 30,
	"WORKER_POOL_SIZE":             2,
	"METRICS_ENABLED":              true,
}

// Keys without a default still need binding so Unmarshal sees them.
var unboundKeys = []string{
	"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "AUTH_SECRET", "MANAGER_PIN",
	"PAYMENT_GATEWAY_URL", "PRINTER_ADDRS",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	for _, key := range unboundKeys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	cfg.normalize()

	if _, err := decimal.NewFromString(cfg.DefaultVATRate); err != nil {
		return Config{}, fmt.Errorf("DEFAULT_VAT_RATE %q: %w", cfg.DefaultVATRate, err)
	}
	if cfg.GiftCardMinAmount > cfg.GiftCardMaxAmount {
		return Config{}, fmt.Errorf("GIFT_CARD_MIN_AMOUNT %d exceeds GIFT_CARD_MAX_AMOUNT %d (minor units)", cfg.GiftCardMinAmount, cfg.GiftCardMaxAmount)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.AccessTokenTTLMinutes < 1 {
		c.AccessTokenTTLMinutes = 480
	}
	if c.LockTimeoutMS < 1 {
		c.LockTimeoutMS = 5000
	}
	if c.SettlementMaxAttempts < 1 {
		c.SettlementMaxAttempts = 3
	}
	if c.SettlementBackoffMS < 0 {
		c.SettlementBackoffMS = 250
	}
	if c.SettlementTimeoutSeconds < 1 {
		c.SettlementTimeoutSeconds = 15
	}
	if c.WorkerPoolSize < 1 {
		c.WorkerPoolSize = 1
	}
	if c.FiscalDedupeWindowSeconds < 0 {
		c.FiscalDedupeWindowSeconds = 0
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c Config) SettlementBackoff() time.Duration {
	return time.Duration(c.SettlementBackoffMS) * time.Millisecond
}

func (c Config) SettlementTimeout() time.Duration {
	return time.Duration(c.SettlementTimeoutSeconds) * time.Second
}

func (c Config) GiftCardValidity() time.Duration {
	return time.Duration(c.GiftCardValidityDays) * 24 * time.Hour
}

func (c Config) FiscalDedupeWindow() time.Duration {
	return time.Duration(c.FiscalDedupeWindowSeconds) * time.Second
}

// StoreDefaults is the profile used for tenants without their own
// configuration.
func (c Config) StoreDefaults() domain.StoreProfile {
	return domain.StoreProfile{
		ID:                c.StoreID,
		Name:              c.StoreID,
		Currency:          c.DefaultCurrency,
		VATRate:           c.DefaultVATRate,
		GiftCardMinAmount: c.GiftCardMinAmount,
		GiftCardMaxAmount: c.GiftCardMaxAmount,
		AutoPrint:         true,
	}
}

// Printers parses PRINTER_ADDRS ("device=host:port,...") into a device map.
func (c Config) Printers() (map[string]string, error) {
	printers := map[string]string{}
	for _, entry := range strings.Split(c.PrinterAddrs, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		device, addr, ok := strings.Cut(entry, "=")
		device, addr = strings.TrimSpace(device), strings.TrimSpace(addr)
		if !ok || device == "" || addr == "" {
			return nil, fmt.Errorf("PRINTER_ADDRS entry %q must be device=host:port", entry)
		}
		printers[device] = addr
	}
	return printers, nil
}
