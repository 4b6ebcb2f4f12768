package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	require.NoError(t, err)
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadAppliesLedgerDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.LockTimeout())
	assert.Equal(t, 3, cfg.SettlementMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.SettlementBackoff())
	assert.Equal(t, 15*time.Second, cfg.SettlementTimeout())
	assert.Equal(t, "NOK", cfg.DefaultCurrency)
	assert.Equal(t, "0.25", cfg.DefaultVATRate)
	assert.Equal(t, int64(10000), cfg.GiftCardMinAmount)
	assert.Equal(t, int64(1000000), cfg.GiftCardMaxAmount)
	assert.Equal(t, 30*time.Second, cfg.FiscalDedupeWindow())
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT_MS", "750")
	t.Setenv("DEFAULT_VAT_RATE", "0.15")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout())
	assert.Equal(t, "0.15", cfg.DefaultVATRate)
	assert.Equal(t, "padded-secret", cfg.AuthSecret)
}

func TestLoadRejectsMalformedVATRate(t *testing.T) {
	t.Setenv("DEFAULT_VAT_RATE", "twenty-five")
	_, err := Load()
	require.Error(t, err)
}

func TestPrintersParsesDeviceMap(t *testing.T) {
	cfg := Config{PrinterAddrs: "till-1=10.0.0.5:9100, till-2 = 10.0.0.6:9100"}
	printers, err := cfg.Printers()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"till-1": "10.0.0.5:9100", "till-2": "10.0.0.6:9100"}, printers)

	_, err = Config{PrinterAddrs: "10.0.0.5:9100"}.Printers()
	assert.Error(t, err)
}

func TestStoreDefaultsCarryTenantBand(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	profile := cfg.StoreDefaults()
	assert.Equal(t, "main-store", profile.ID)
	assert.Equal(t, "NOK", profile.Currency)
	assert.Equal(t, "0.25", profile.VATRate)
	assert.Equal(t, int64(10000), profile.GiftCardMinAmount)
	assert.Equal(t, int64(1000000), profile.GiftCardMaxAmount)
}
