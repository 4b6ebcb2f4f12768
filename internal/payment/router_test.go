package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasseledger/backend/internal/breaker"
	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/store/memory"
)

var (
	cashMethod     = domain.PaymentMethod{ID: "cash", StoreID: "main-store", Provider: domain.ProviderCash, FiscalPaymentCode: domain.FiscalPaymentCash, Enabled: true}
	cardMethod     = domain.PaymentMethod{ID: "card", StoreID: "main-store", Provider: domain.ProviderCard, FiscalPaymentCode: domain.FiscalPaymentCard, Enabled: true}
	otherMethod    = domain.PaymentMethod{ID: "vipps", StoreID: "main-store", Provider: domain.ProviderOther, FiscalPaymentCode: domain.FiscalPaymentOther, Enabled: true}
	giftCardMethod = domain.PaymentMethod{ID: "gift-card", StoreID: "main-store", Provider: domain.ProviderGiftCard, FiscalPaymentCode: domain.FiscalPaymentGiftCard, Enabled: true}
)

type failingGateway struct{ calls atomic.Int32 }

func (g *failingGateway) LookupSettlement(context.Context, SettlementQuery) (GatewaySettlement, error) {
	g.calls.Add(1)
	return GatewaySettlement{}, errors.New("connection reset")
}

type fakeRedeemer struct {
	got domain.GiftCardRedeemRequest
	err error
}

func (f *fakeRedeemer) RedeemTx(_ context.Context, _ store.Tx, req domain.GiftCardRedeemRequest) (domain.GiftCardTransaction, error) {
	f.got = req
	if f.err != nil {
		return domain.GiftCardTransaction{}, f.err
	}
	return domain.GiftCardTransaction{GiftCardID: "gc-1", Amount: -req.Amount}, nil
}

func newTestRouter(g Gateway, opts Options) *Router {
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	return NewRouter(g, breaker.New(breaker.Config{Name: "test", FailureThreshold: 1, OpenTimeout: time.Minute}), opts)
}

func TestCashSettlesImmediately(t *testing.T) {
	r := newTestRouter(nil, Options{})
	s, err := r.Settle(context.Background(), cashMethod, domain.PaymentLine{PaymentMethodID: "cash", Amount: 12000, Reference: "ignored"}, "NOK")
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStatusSucceeded, s.Status)
	assert.Empty(t, s.Reference)
}

func TestOtherProviderSettlesPending(t *testing.T) {
	r := newTestRouter(nil, Options{})
	s, err := r.Settle(context.Background(), otherMethod, domain.PaymentLine{PaymentMethodID: "vipps", Amount: 500, Reference: "vipps-123"}, "NOK")
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStatusPending, s.Status)
	assert.Equal(t, "vipps-123", s.Reference)
}

func TestCardSettlementPollsUntilVisible(t *testing.T) {
	g := NewMemoryGateway(false)
	g.Confirm(GatewaySettlement{Reference: "term-1", Amount: 3000, Currency: "NOK"}, 2)
	r := newTestRouter(g, Options{MaxAttempts: 3})

	s, err := r.Settle(context.Background(), cardMethod, domain.PaymentLine{PaymentMethodID: "card", Amount: 3000, Reference: "term-1"}, "NOK")
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStatusSucceeded, s.Status)
	assert.Equal(t, "term-1", s.Reference)
	assert.Equal(t, 3, g.Lookups("term-1"))
}

func TestCardSettlementGivesUpAfterBoundedAttempts(t *testing.T) {
	g := NewMemoryGateway(false)
	g.Confirm(GatewaySettlement{Reference: "term-2", Amount: 3000, Currency: "NOK"}, 10)
	r := newTestRouter(g, Options{MaxAttempts: 3})

	_, err := r.Settle(context.Background(), cardMethod, domain.PaymentLine{PaymentMethodID: "card", Amount: 3000, Reference: "term-2"}, "NOK")
	var notFound *domain.SettlementNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 3, notFound.Attempts)
	assert.Equal(t, 3, g.Lookups("term-2"))
	assert.Equal(t, "settlement_not_found", domain.ErrorKind(err))
}

func TestCardSettlementHonoursTimeout(t *testing.T) {
	g := NewMemoryGateway(false)
	r := newTestRouter(g, Options{MaxAttempts: 10, Backoff: 200 * time.Millisecond, Timeout: 30 * time.Millisecond})

	started := time.Now()
	_, err := r.Settle(context.Background(), cardMethod, domain.PaymentLine{PaymentMethodID: "card", Amount: 3000, Reference: "term-3"}, "NOK")
	require.ErrorIs(t, err, domain.ErrSettlementNotFound)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

func TestCardSettlementHonoursCallerCancellation(t *testing.T) {
	g := NewMemoryGateway(false)
	r := newTestRouter(g, Options{MaxAttempts: 10, Backoff: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := r.Settle(ctx, cardMethod, domain.PaymentLine{PaymentMethodID: "card", Amount: 3000, Reference: "term-4"}, "NOK")
	require.ErrorIs(t, err, domain.ErrSettlementNotFound)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCardSettlementRejectsAmountMismatch(t *testing.T) {
	g := NewMemoryGateway(false)
	g.Confirm(GatewaySettlement{Reference: "term-5", Amount: 2999, Currency: "NOK"}, 0)
	r := newTestRouter(g, Options{})

	_, err := r.Settle(context.Background(), cardMethod, domain.PaymentLine{PaymentMethodID: "card", Amount: 3000, Reference: "term-5"}, "NOK")
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "(minor units)")
}

func TestCardSettlementRequiresReference(t *testing.T) {
	r := newTestRouter(NewMemoryGateway(true), Options{})
	_, err := r.Settle(context.Background(), cardMethod, domain.PaymentLine{PaymentMethodID: "card", Amount: 3000}, "NOK")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGatewayFailuresTripBreaker(t *testing.T) {
	g := &failingGateway{}
	r := newTestRouter(g, Options{})
	line := domain.PaymentLine{PaymentMethodID: "card", Amount: 3000, Reference: "term-6"}

	_, err := r.Settle(context.Background(), cardMethod, line, "NOK")
	require.ErrorIs(t, err, domain.ErrDependency)

	_, err = r.Settle(context.Background(), cardMethod, line, "NOK")
	require.ErrorIs(t, err, domain.ErrDependency)
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestHTTPGatewayMapsNotFoundToNotVisible(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settlements/term-7", r.URL.Path)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(GatewaySettlement{Reference: "term-7", Amount: 4500, Currency: "NOK", Status: "succeeded"})
	}))
	defer srv.Close()

	r := newTestRouter(NewHTTPGateway(srv.URL), Options{MaxAttempts: 3})
	s, err := r.Settle(context.Background(), cardMethod, domain.PaymentLine{PaymentMethodID: "card", Amount: 4500, Reference: "term-7"}, "NOK")
	require.NoError(t, err)
	assert.Equal(t, "term-7", s.Reference)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPGatewayReportsDeclinedSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(GatewaySettlement{Reference: "term-8", Amount: 4500, Status: "failed"})
	}))
	defer srv.Close()

	r := newTestRouter(NewHTTPGateway(srv.URL), Options{})
	_, err := r.Settle(context.Background(), cardMethod, domain.PaymentLine{PaymentMethodID: "card", Amount: 4500, Reference: "term-8"}, "NOK")
	assert.ErrorIs(t, err, domain.ErrDependency)
}

func TestRecordPersistsPaidCharge(t *testing.T) {
	repo := memory.NewSeeded()
	r := newTestRouter(nil, Options{})
	session := domain.Session{ID: "s1", StoreID: "main-store"}
	ctx := context.Background()

	s, err := r.Settle(ctx, cashMethod, domain.PaymentLine{Amount: 7000}, "NOK")
	require.NoError(t, err)

	var charge domain.Charge
	err = repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		charge, err = r.Record(ctx, tx, session, "cashier", s, domain.FiscalSalesReceipt, nil)
		return err
	})
	require.NoError(t, err)
	assert.True(t, charge.Paid)
	assert.True(t, charge.Captured)
	require.NotNil(t, charge.PaidAt)
	assert.Equal(t, domain.FiscalPaymentCash, charge.FiscalPaymentCode)
	assert.Equal(t, domain.FiscalSalesReceipt, charge.FiscalTransactionCode)

	charges, err := repo.ListSessionCharges(ctx, "main-store", "s1")
	require.NoError(t, err)
	assert.Len(t, charges, 1)
}

func TestRecordRedeemsGiftCardInsideUnitOfWork(t *testing.T) {
	repo := memory.NewSeeded()
	redeemer := &fakeRedeemer{}
	r := newTestRouter(nil, Options{Redeemer: redeemer})
	session := domain.Session{ID: "s1", StoreID: "main-store"}
	ctx := context.Background()

	s, err := r.Settle(ctx, giftCardMethod, domain.PaymentLine{Amount: 2500, GiftCardCode: "ABCD-EFGH-JKLM-NPQR", GiftCardPIN: "1234"}, "NOK")
	require.NoError(t, err)

	var charge domain.Charge
	err = repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		charge, err = r.Record(ctx, tx, session, "cashier", s, domain.FiscalSalesReceipt, nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "gc-1", charge.ProviderReference)
	assert.Equal(t, charge.ID, redeemer.got.ChargeID)
	assert.Equal(t, "1234", redeemer.got.PIN)
	assert.Equal(t, int64(2500), redeemer.got.Amount)
}

func TestRecordFailsWhenRedemptionFails(t *testing.T) {
	repo := memory.NewSeeded()
	redeemer := &fakeRedeemer{err: &domain.InsufficientBalanceError{GiftCardID: "gc-1", Available: 100, Requested: 2500}}
	r := newTestRouter(nil, Options{Redeemer: redeemer})
	ctx := context.Background()

	s, err := r.Settle(ctx, giftCardMethod, domain.PaymentLine{Amount: 2500, GiftCardCode: "ABCD-EFGH-JKLM-NPQR"}, "NOK")
	require.NoError(t, err)
	err = repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := r.Record(ctx, tx, domain.Session{ID: "s1", StoreID: "main-store"}, "cashier", s, domain.FiscalSalesReceipt, nil)
		return err
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	charges, err := repo.ListSessionCharges(ctx, "main-store", "s1")
	require.NoError(t, err)
	assert.Empty(t, charges)
}

func TestGiftCardLineRequiresCode(t *testing.T) {
	r := newTestRouter(nil, Options{})
	_, err := r.Settle(context.Background(), giftCardMethod, domain.PaymentLine{Amount: 100}, "NOK")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
