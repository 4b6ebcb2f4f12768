package giftcard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/metrics"
	"kasseledger/backend/internal/purchase"
	"kasseledger/backend/internal/store"
)

// Ledger is the public gift card surface. Payment for a card and payouts on
// refund go through the purchase orchestrator; balance writes go through the
// Book.
type Ledger struct {
	repo   store.Repository
	book   *Book
	orders *purchase.Orchestrator
	now    func() time.Time
}

func NewLedger(repo store.Repository, book *Book, orders *purchase.Orchestrator) *Ledger {
	return &Ledger{
		repo:   repo,
		book:   book,
		orders: orders,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Purchase sells a card for req.Amount. The card row is created in the same
// unit of work as the payment and only after the charge is written.
func (l *Ledger) Purchase(ctx context.Context, req domain.GiftCardPurchaseRequest) (domain.GiftCardPurchaseResult, error) {
	if req.OperatorID == "" {
		return domain.GiftCardPurchaseResult{}, domain.NewValidation("operator_id", "is required")
	}
	profile, err := l.orders.Profile(ctx, req.StoreID)
	if err != nil {
		return domain.GiftCardPurchaseResult{}, err
	}
	if req.Amount < profile.GiftCardMinAmount || req.Amount > profile.GiftCardMaxAmount {
		return domain.GiftCardPurchaseResult{}, domain.NewValidation("amount",
			"%d is outside the allowed range %d..%d (minor units)", req.Amount, profile.GiftCardMinAmount, profile.GiftCardMaxAmount)
	}
	method, err := l.repo.GetPaymentMethod(ctx, req.StoreID, req.PaymentMethodID)
	if err != nil {
		return domain.GiftCardPurchaseResult{}, err
	}
	if method.Provider == domain.ProviderGiftCard {
		return domain.GiftCardPurchaseResult{}, domain.NewValidation("payment_method_id", "gift cards cannot be paid with a gift card")
	}

	var pin, pinHash string
	if req.WithPIN {
		if pin, err = NewPIN(); err != nil {
			return domain.GiftCardPurchaseResult{}, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			return domain.GiftCardPurchaseResult{}, err
		}
		pinHash = string(hash)
	}

	metadata, err := json.Marshal(map[string]any{"gift_card_purchase": true, "customer_ref": req.CustomerRef})
	if err != nil {
		return domain.GiftCardPurchaseResult{}, err
	}

	var (
		card domain.GiftCard
		txn  domain.GiftCardTransaction
	)
	result, err := l.orders.ProcessSplitPurchaseWith(ctx, domain.SplitPurchaseRequest{
		StoreID:    req.StoreID,
		SessionID:  req.SessionID,
		OperatorID: req.OperatorID,
		Payments: []domain.PaymentLine{{
			PaymentMethodID: req.PaymentMethodID,
			Amount:          req.Amount,
			Reference:       req.PaymentReference,
		}},
		Cart: domain.Cart{
			Items: []domain.CartItem{{SKU: "gift-card", Name: "Gavekort", Qty: 1, UnitPrice: req.Amount}},
			Total: req.Amount,
		},
		Metadata: metadata,
	}, func(ctx context.Context, tx store.Tx, result *domain.PurchaseResult) error {
		var err error
		card, txn, err = l.book.issueTx(ctx, tx, issue{
			StoreID:    req.StoreID,
			SessionID:  req.SessionID,
			OperatorID: req.OperatorID,
			Amount:     req.Amount,
			Currency:   profile.Currency,
			PINHash:    pinHash,
			ChargeID:   result.Charges[0].ID,
			Customer:   req.CustomerRef,
		})
		return err
	})
	if err != nil {
		metrics.GiftCardOperationsTotal.WithLabelValues(domain.GiftCardTxnPurchase, domain.ErrorKind(err)).Inc()
		return domain.GiftCardPurchaseResult{}, err
	}

	log.Info().
		Str("component", "giftcard").
		Str("store_id", card.StoreID).
		Str("card_id", card.ID).
		Int64("amount", card.InitialAmount).
		Bool("pin", card.HasPIN()).
		Msg("gift card issued")
	return domain.GiftCardPurchaseResult{Card: card, PIN: pin, Transaction: txn, Purchase: result}, nil
}

// Validate runs the redemption checks without locking or writing anything.
func (l *Ledger) Validate(ctx context.Context, storeID string, code string, amount int64, pin string) (domain.GiftCardValidation, error) {
	if strings.TrimSpace(code) == "" {
		return domain.GiftCardValidation{}, domain.NewValidation("code", "is required")
	}
	if amount <= 0 {
		return domain.GiftCardValidation{}, domain.NewValidation("amount", "must be positive, got %d (minor units)", amount)
	}
	card, err := l.repo.FindGiftCardByCode(ctx, storeID, NormalizeCode(code))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.GiftCardValidation{Valid: false, Reason: "gift card not found"}, nil
	}
	if err != nil {
		return domain.GiftCardValidation{}, err
	}
	if err := checkRedeemable(*card, amount, pin, l.now()); err != nil {
		return domain.GiftCardValidation{Valid: false, Reason: err.Error(), Balance: card.Balance}, nil
	}
	return domain.GiftCardValidation{Valid: true, Balance: card.Balance}, nil
}

// Redeem debits a card outside a purchase.
func (l *Ledger) Redeem(ctx context.Context, req domain.GiftCardRedeemRequest) (domain.GiftCardTransaction, error) {
	if req.OperatorID == "" {
		return domain.GiftCardTransaction{}, domain.NewValidation("operator_id", "is required")
	}
	// Charges only come from the purchase flow, which redeems through RedeemTx.
	if req.ChargeID != "" {
		return domain.GiftCardTransaction{}, domain.NewValidation("charge_id", "cannot be set on a standalone redemption")
	}
	var txn domain.GiftCardTransaction
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if req.SessionID != "" {
			s, err := tx.LockSession(ctx, req.StoreID, req.SessionID)
			if err != nil {
				return err
			}
			if !s.IsOpen() {
				return &domain.InvalidStateError{Entity: "session", ID: s.ID, State: s.Status, Operation: "redeem gift card in"}
			}
		}
		var err error
		txn, err = l.book.RedeemTx(ctx, tx, req)
		return err
	})
	return txn, err
}

// Refund pays the card's remaining balance back through a return and closes
// the card.
func (l *Ledger) Refund(ctx context.Context, req domain.GiftCardRefundRequest) (domain.GiftCardTransaction, error) {
	switch {
	case req.OperatorID == "":
		return domain.GiftCardTransaction{}, domain.NewValidation("operator_id", "is required")
	case strings.TrimSpace(req.Reason) == "":
		return domain.GiftCardTransaction{}, domain.NewValidation("reason", "is required")
	}
	card, err := l.repo.GetGiftCard(ctx, req.StoreID, req.CardID)
	if err != nil {
		return domain.GiftCardTransaction{}, err
	}
	if err := checkClosable(*card, "refund"); err != nil {
		return domain.GiftCardTransaction{}, err
	}
	if card.Balance == 0 {
		return domain.GiftCardTransaction{}, &domain.InvalidStateError{Entity: "gift card", ID: card.ID, State: card.Status, Operation: "refund an empty"}
	}

	amount := card.Balance
	var txn domain.GiftCardTransaction
	_, err = l.orders.ProcessReturnWith(ctx, domain.ReturnRequest{
		StoreID:         req.StoreID,
		SessionID:       req.SessionID,
		OperatorID:      req.OperatorID,
		PaymentMethodID: req.PaymentMethodID,
		Amount:          amount,
		Reference:       req.PaymentReference,
		Reason:          req.Reason,
	}, func(ctx context.Context, tx store.Tx, result *domain.PurchaseResult) error {
		var err error
		txn, err = l.book.refundTx(ctx, tx, req.StoreID, card.ID, amount, result.Charges[0].ID, req)
		return err
	})
	if err != nil {
		metrics.GiftCardOperationsTotal.WithLabelValues(domain.GiftCardTxnRefund, domain.ErrorKind(err)).Inc()
		return domain.GiftCardTransaction{}, err
	}
	return txn, nil
}

// Void zeroes the card without moving money.
func (l *Ledger) Void(ctx context.Context, req domain.GiftCardVoidRequest) (domain.GiftCardTransaction, error) {
	switch {
	case req.OperatorID == "":
		return domain.GiftCardTransaction{}, domain.NewValidation("operator_id", "is required")
	case strings.TrimSpace(req.Reason) == "":
		return domain.GiftCardTransaction{}, domain.NewValidation("reason", "is required")
	}
	var txn domain.GiftCardTransaction
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		txn, err = l.book.voidTx(ctx, tx, req)
		return err
	})
	return txn, err
}

func (l *Ledger) AdjustBalance(ctx context.Context, req domain.GiftCardAdjustRequest) (domain.GiftCardTransaction, error) {
	switch {
	case req.OperatorID == "":
		return domain.GiftCardTransaction{}, domain.NewValidation("operator_id", "is required")
	case req.Delta == 0:
		return domain.GiftCardTransaction{}, domain.NewValidation("delta", "must be non-zero")
	case strings.TrimSpace(req.Reason) == "":
		return domain.GiftCardTransaction{}, domain.NewValidation("reason", "is required")
	}
	var txn domain.GiftCardTransaction
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		txn, err = l.book.adjustTx(ctx, tx, req)
		return err
	})
	return txn, err
}

func (l *Ledger) Get(ctx context.Context, storeID string, cardID string) (domain.GiftCard, error) {
	card, err := l.repo.GetGiftCard(ctx, storeID, cardID)
	if err != nil {
		return domain.GiftCard{}, err
	}
	return *card, nil
}

func (l *Ledger) Transactions(ctx context.Context, storeID string, cardID string) ([]domain.GiftCardTransaction, error) {
	if _, err := l.repo.GetGiftCard(ctx, storeID, cardID); err != nil {
		return nil, err
	}
	return l.repo.ListGiftCardTransactions(ctx, storeID, cardID)
}

// Replay rebuilds the balance from the transaction history and fails with
// InvalidStateError when it disagrees with the stored card.
func (l *Ledger) Replay(ctx context.Context, storeID string, cardID string) (domain.GiftCard, error) {
	card, err := l.repo.GetGiftCard(ctx, storeID, cardID)
	if err != nil {
		return domain.GiftCard{}, err
	}
	txns, err := l.repo.ListGiftCardTransactions(ctx, storeID, cardID)
	if err != nil {
		return domain.GiftCard{}, err
	}

	var balance int64
	for _, txn := range txns {
		if txn.BalanceBefore != balance || txn.BalanceBefore+txn.Amount != txn.BalanceAfter {
			return domain.GiftCard{}, &domain.InvalidStateError{Entity: "gift card", ID: card.ID, State: "history broken at " + txn.ID, Operation: "replay"}
		}
		balance = txn.BalanceAfter
	}
	if balance != card.Balance {
		return domain.GiftCard{}, &domain.InvalidStateError{Entity: "gift card", ID: card.ID, State: "balance mismatch", Operation: "replay"}
	}
	return *card, nil
}
