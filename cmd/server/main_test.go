package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasseledger/backend/internal/config"
	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/payment"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "123456"})
	require.Error(t, err)
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	require.NoError(t, err)
}

func TestValidatePINStrengthRejectsPatterns(t *testing.T) {
	for _, pin := range []string{"444444", "234567", "987654", "112233"} {
		assert.Error(t, validatePINStrength(pin), pin)
	}
}

func TestPaymentGatewayRequiresURLInProduction(t *testing.T) {
	_, err := paymentGateway(config.Config{Env: "production"})
	require.Error(t, err)

	gw, err := paymentGateway(config.Config{Env: "production", PaymentGatewayURL: "http://gateway.local"})
	require.NoError(t, err)
	assert.IsType(t, &payment.HTTPGateway{}, gw)

	gw, err = paymentGateway(config.Config{Env: "development"})
	require.NoError(t, err)
	assert.IsType(t, &payment.MemoryGateway{}, gw)
}

type tenantStub struct {
	profiles map[string]domain.StoreProfile
	methods  []domain.PaymentMethod
}

func (s *tenantStub) GetStoreProfile(_ context.Context, storeID string) (*domain.StoreProfile, error) {
	p, ok := s.profiles[storeID]
	if !ok {
		return nil, domain.NewNotFound("store profile", storeID)
	}
	return &p, nil
}

func (s *tenantStub) PutStoreProfile(_ context.Context, p domain.StoreProfile) error {
	s.profiles[p.ID] = p
	return nil
}

func (s *tenantStub) PutPaymentMethod(_ context.Context, m domain.PaymentMethod) error {
	s.methods = append(s.methods, m)
	return nil
}

func TestBootstrapTenantSeedsEmptyDatabaseOnce(t *testing.T) {
	stub := &tenantStub{profiles: map[string]domain.StoreProfile{}}
	profile := domain.StoreProfile{ID: "main-store", Currency: "NOK", VATRate: "0.25"}
	ctx := context.Background()

	require.NoError(t, bootstrapTenant(ctx, stub, profile))
	require.NoError(t, bootstrapTenant(ctx, stub, profile))

	assert.Contains(t, stub.profiles, "main-store")
	require.Len(t, stub.methods, 3)
	for _, m := range stub.methods {
		assert.Equal(t, "main-store", m.StoreID)
	}
}
