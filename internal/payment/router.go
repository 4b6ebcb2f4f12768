package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/breaker"
	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/metrics"
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/xid"
)

// GiftCardRedeemer debits a gift card inside the caller's unit of work.
type GiftCardRedeemer interface {
	RedeemTx(ctx context.Context, tx store.Tx, req domain.GiftCardRedeemRequest) (domain.GiftCardTransaction, error)
}

// Settlement is a payment line after its provider has settled it and before
// it is persisted as a charge.
type Settlement struct {
	Method       domain.PaymentMethod
	Amount       int64
	Currency     string
	Status       string
	Reference    string
	GiftCardCode string
	GiftCardPIN  string
	SettledAt    time.Time
}

type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
	Redeemer    GiftCardRedeemer
}

// Router settles payment lines through the provider strategy of their
// method and turns settlements into charges.
type Router struct {
	gateway     Gateway
	breaker     *breaker.Breaker
	redeemer    GiftCardRedeemer
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
	now         func() time.Time
}

func NewRouter(gateway Gateway, cb *breaker.Breaker, opts Options) *Router {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if cb == nil {
		cb = breaker.New(breaker.Config{Name: "payment-gateway"})
	}
	return &Router{
		gateway:     gateway,
		breaker:     cb,
		redeemer:    opts.Redeemer,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		timeout:     opts.Timeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Settle runs the provider strategy for one line. It must be called outside
// any unit of work: card settlement may block while polling the gateway.
func (r *Router) Settle(ctx context.Context, method domain.PaymentMethod, line domain.PaymentLine, currency string) (Settlement, error) {
	if line.Amount == 0 {
		return Settlement{}, domain.NewValidation("amount", "payment line %s must be non-zero (minor units)", method.ID)
	}

	s := Settlement{
		Method:    method,
		Amount:    line.Amount,
		Currency:  currency,
		Reference: line.Reference,
		SettledAt: r.now(),
	}

	switch method.Provider {
	case domain.ProviderCash:
		s.Status = domain.ChargeStatusSucceeded
		s.Reference = ""
	case domain.ProviderCard:
		settled, err := r.awaitSettlement(ctx, line, currency)
		if err != nil {
			return Settlement{}, err
		}
		s.Status = domain.ChargeStatusSucceeded
		s.Reference = settled.Reference
	case domain.ProviderGiftCard:
		if line.Amount < 0 {
			return Settlement{}, domain.NewValidation("payment_method_id", "gift card payments cannot be refunded to a gift card")
		}
		if line.GiftCardCode == "" {
			return Settlement{}, domain.NewValidation("gift_card_code", "is required for gift card payments")
		}
		s.Status = domain.ChargeStatusSucceeded
		s.GiftCardCode = line.GiftCardCode
		s.GiftCardPIN = line.GiftCardPIN
		s.Reference = ""
	case domain.ProviderOther:
		s.Status = domain.ChargeStatusPending
	default:
		return Settlement{}, domain.NewValidation("payment_method_id", "unsupported provider %q", method.Provider)
	}
	return s, nil
}

func (r *Router) awaitSettlement(ctx context.Context, line domain.PaymentLine, currency string) (GatewaySettlement, error) {
	if line.Reference == "" {
		return GatewaySettlement{}, domain.NewValidation("reference", "card payments require a terminal reference")
	}
	if r.gateway == nil {
		return GatewaySettlement{}, &domain.DependencyError{Dependency: "payment gateway", Err: errors.New("not configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	want := abs(line.Amount)
	query := SettlementQuery{Reference: line.Reference, Amount: want, Currency: currency}
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		var (
			settled    GatewaySettlement
			notVisible bool
		)
		err := r.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			settled, err = r.gateway.LookupSettlement(ctx, query)
			if errors.Is(err, ErrNotVisible) {
				notVisible = true
				return nil
			}
			return err
		})

		switch {
		case errors.Is(err, breaker.ErrOpen):
			metrics.SettlementAttemptsTotal.WithLabelValues("breaker_open").Inc()
			return GatewaySettlement{}, &domain.DependencyError{Dependency: "payment gateway", Err: err}
		case err != nil && ctx.Err() != nil:
			metrics.SettlementAttemptsTotal.WithLabelValues("timeout").Inc()
			return GatewaySettlement{}, &domain.SettlementNotFoundError{Reference: line.Reference, Attempts: attempt, Err: ctx.Err()}
		case err != nil:
			metrics.SettlementAttemptsTotal.WithLabelValues("error").Inc()
			return GatewaySettlement{}, &domain.DependencyError{Dependency: "payment gateway", Err: err}
		case !notVisible:
			metrics.SettlementAttemptsTotal.WithLabelValues("settled").Inc()
			return verifySettlement(settled, want, currency)
		}

		metrics.SettlementAttemptsTotal.WithLabelValues("not_visible").Inc()
		log.Debug().
			Str("component", "payment").
			Str("reference", line.Reference).
			Int("attempt", attempt).
			Msg("settlement not yet visible")
		if attempt == r.maxAttempts {
			break
		}

		timer := time.NewTimer(r.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.SettlementAttemptsTotal.WithLabelValues("timeout").Inc()
			return GatewaySettlement{}, &domain.SettlementNotFoundError{Reference: line.Reference, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return GatewaySettlement{}, &domain.SettlementNotFoundError{Reference: line.Reference, Attempts: r.maxAttempts}
}

func verifySettlement(s GatewaySettlement, want int64, currency string) (GatewaySettlement, error) {
	if s.Status != "" && s.Status != domain.ChargeStatusSucceeded {
		return GatewaySettlement{}, &domain.DependencyError{
			Dependency: "payment gateway",
			Err:        fmt.Errorf("settlement %s has status %q", s.Reference, s.Status),
		}
	}
	if abs(s.Amount) != want {
		return GatewaySettlement{}, domain.NewValidation("amount",
			"settlement %s is for %d, expected %d (minor units)", s.Reference, abs(s.Amount), want)
	}
	if s.Currency != "" && s.Currency != currency {
		return GatewaySettlement{}, domain.NewValidation("currency",
			"settlement %s is in %s, expected %s", s.Reference, s.Currency, currency)
	}
	return s, nil
}

// Reverse mirrors a recorded charge as a negative settlement for a void.
// Nothing is sent to the provider; card reversals are taken on the terminal
// against the original reference.
func (r *Router) Reverse(method domain.PaymentMethod, c domain.Charge) (Settlement, error) {
	switch {
	case method.Provider == domain.ProviderGiftCard:
		return Settlement{}, &domain.InvalidStateError{Entity: "charge", ID: c.ID, State: "paid by gift card", Operation: "void"}
	case c.Amount <= 0:
		return Settlement{}, &domain.InvalidStateError{Entity: "charge", ID: c.ID, State: "refund", Operation: "void"}
	case c.Refunded:
		return Settlement{}, &domain.InvalidStateError{Entity: "charge", ID: c.ID, State: "voided", Operation: "void"}
	}
	return Settlement{
		Method:    method,
		Amount:    -c.Amount,
		Currency:  c.Currency,
		Status:    c.Status,
		Reference: c.ProviderReference,
		SettledAt: r.now(),
	}, nil
}

// Record persists a settlement as a charge inside tx. Gift card settlements
// debit the card in the same unit of work.
func (r *Router) Record(ctx context.Context, tx store.Tx, session domain.Session, operatorID string, s Settlement, transactionCode domain.FiscalCode, metadata json.RawMessage) (domain.Charge, error) {
	charge := domain.Charge{
		ID:                    xid.New("chg"),
		StoreID:               session.StoreID,
		SessionID:             session.ID,
		ProviderReference:     s.Reference,
		Amount:                s.Amount,
		Currency:              s.Currency,
		Status:                s.Status,
		PaymentMethodID:       s.Method.ID,
		Provider:              s.Method.Provider,
		FiscalPaymentCode:     s.Method.FiscalPaymentCode,
		FiscalTransactionCode: transactionCode,
		Metadata:              metadata,
		CreatedAt:             s.SettledAt,
	}
	if charge.FiscalPaymentCode == "" {
		charge.FiscalPaymentCode = domain.PaymentFiscalCode(s.Method.Provider)
	}
	if s.Status == domain.ChargeStatusSucceeded {
		paidAt := s.SettledAt
		charge.Captured = true
		charge.Paid = true
		charge.PaidAt = &paidAt
	}

	if s.Method.Provider == domain.ProviderGiftCard {
		if r.redeemer == nil {
			return domain.Charge{}, &domain.DependencyError{Dependency: "gift card ledger", Err: errors.New("not configured")}
		}
		txn, err := r.redeemer.RedeemTx(ctx, tx, domain.GiftCardRedeemRequest{
			StoreID:    session.StoreID,
			Code:       s.GiftCardCode,
			Amount:     s.Amount,
			ChargeID:   charge.ID,
			SessionID:  session.ID,
			OperatorID: operatorID,
			PIN:        s.GiftCardPIN,
		})
		if err != nil {
			return domain.Charge{}, err
		}
		charge.ProviderReference = txn.GiftCardID
	}

	if err := tx.CreateCharge(ctx, charge); err != nil {
		return domain.Charge{}, err
	}
	return charge, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
