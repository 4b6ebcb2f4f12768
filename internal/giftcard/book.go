package giftcard

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/fiscal"
	"kasseledger/backend/internal/metrics"
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/xid"
)

// Book holds every write to gift card balances. Each method runs inside the
// caller's unit of work, locks the card row first and writes exactly one
// transaction row and one fiscal event.
type Book struct {
	fiscal   *fiscal.Log
	validity time.Duration
	newCode  func() (string, error)
	now      func() time.Time
}

// NewBook returns a book issuing cards valid for validity; zero means cards
// never expire.
func NewBook(fiscalLog *fiscal.Log, validity time.Duration) *Book {
	return &Book{
		fiscal:   fiscalLog,
		validity: validity,
		newCode:  NewCode,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type issue struct {
	StoreID    string
	SessionID  string
	OperatorID string
	Amount     int64
	Currency   string
	PINHash    string
	ChargeID   string
	Customer   string
}

type eventPayload struct {
	CardID        string `json:"card_id"`
	Code          string `json:"code"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	Reason        string `json:"reason,omitempty"`
}

func (b *Book) issueTx(ctx context.Context, tx store.Tx, in issue) (domain.GiftCard, domain.GiftCardTransaction, error) {
	code, err := b.uniqueCode(ctx, tx, in.StoreID)
	if err != nil {
		return domain.GiftCard{}, domain.GiftCardTransaction{}, err
	}

	now := b.now()
	card := domain.GiftCard{
		ID:               xid.New("gc"),
		StoreID:          in.StoreID,
		Code:             code,
		PINHash:          in.PINHash,
		InitialAmount:    in.Amount,
		Balance:          in.Amount,
		Currency:         in.Currency,
		Status:           domain.GiftCardStatusActive,
		PurchasedAt:      now,
		PurchaseChargeID: in.ChargeID,
		CustomerRef:      in.Customer,
	}
	if b.validity > 0 {
		expires := now.Add(b.validity)
		card.ExpiresAt = &expires
	}
	if err := tx.CreateGiftCard(ctx, card); err != nil {
		return domain.GiftCard{}, domain.GiftCardTransaction{}, err
	}

	txn, err := b.write(ctx, tx, card, mutation{
		Type:       domain.GiftCardTxnPurchase,
		Code:       domain.FiscalGiftCardPurchased,
		Amount:     in.Amount,
		Before:     0,
		ChargeID:   in.ChargeID,
		SessionID:  in.SessionID,
		OperatorID: in.OperatorID,
	})
	if err != nil {
		return domain.GiftCard{}, domain.GiftCardTransaction{}, err
	}
	return card, txn, nil
}

func (b *Book) uniqueCode(ctx context.Context, tx store.Tx, storeID string) (string, error) {
	for range maxCodeTries {
		code, err := b.newCode()
		if err != nil {
			return "", err
		}
		exists, err := tx.GiftCardCodeExists(ctx, storeID, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", &domain.ConflictError{Resource: "gift card", Reason: "could not generate an unused code"}
}

// RedeemTx debits req.Amount from the card identified by req.Code.
func (b *Book) RedeemTx(ctx context.Context, tx store.Tx, req domain.GiftCardRedeemRequest) (domain.GiftCardTransaction, error) {
	if req.Code == "" {
		return domain.GiftCardTransaction{}, domain.NewValidation("code", "is required")
	}
	if req.Amount <= 0 {
		return domain.GiftCardTransaction{}, domain.NewValidation("amount", "must be positive, got %d (minor units)", req.Amount)
	}

	card, err := tx.LockGiftCardByCode(ctx, req.StoreID, NormalizeCode(req.Code))
	if err != nil {
		return domain.GiftCardTransaction{}, err
	}
	if err := checkRedeemable(*card, req.Amount, req.PIN, b.now()); err != nil {
		metrics.GiftCardOperationsTotal.WithLabelValues(domain.GiftCardTxnRedemption, domain.ErrorKind(err)).Inc()
		return domain.GiftCardTransaction{}, err
	}

	before := card.Balance
	now := b.now()
	card.Balance -= req.Amount
	card.RedeemedTotal += req.Amount
	card.LastUsedAt = &now
	if card.Balance == 0 {
		card.Status = domain.GiftCardStatusRedeemed
	}
	if err := tx.UpdateGiftCard(ctx, *card); err != nil {
		return domain.GiftCardTransaction{}, err
	}

	return b.write(ctx, tx, *card, mutation{
		Type:       domain.GiftCardTxnRedemption,
		Code:       domain.FiscalGiftCardRedeemed,
		Amount:     -req.Amount,
		Before:     before,
		ChargeID:   req.ChargeID,
		SessionID:  req.SessionID,
		OperatorID: req.OperatorID,
	})
}

// refundTx zeroes a card whose balance has just been paid back through
// chargeID. The locked balance must still equal amount.
func (b *Book) refundTx(ctx context.Context, tx store.Tx, storeID string, cardID string, amount int64, chargeID string, req domain.GiftCardRefundRequest) (domain.GiftCardTransaction, error) {
	card, err := tx.LockGiftCard(ctx, storeID, cardID)
	if err != nil {
		return domain.GiftCardTransaction{}, err
	}
	if err := checkClosable(*card, "refund"); err != nil {
		return domain.GiftCardTransaction{}, err
	}
	if card.Balance != amount {
		return domain.GiftCardTransaction{}, &domain.ConflictError{
			Resource: "gift card " + card.ID,
			Reason:   "balance changed while the refund was being paid",
		}
	}

	before := card.Balance
	card.Balance = 0
	card.Status = domain.GiftCardStatusRefunded
	if err := tx.UpdateGiftCard(ctx, *card); err != nil {
		return domain.GiftCardTransaction{}, err
	}
	return b.write(ctx, tx, *card, mutation{
		Type:       domain.GiftCardTxnRefund,
		Code:       domain.FiscalGiftCardRefunded,
		Amount:     -before,
		Before:     before,
		ChargeID:   chargeID,
		SessionID:  req.SessionID,
		OperatorID: req.OperatorID,
		Reason:     req.Reason,
	})
}

func (b *Book) voidTx(ctx context.Context, tx store.Tx, req domain.GiftCardVoidRequest) (domain.GiftCardTransaction, error) {
	card, err := tx.LockGiftCard(ctx, req.StoreID, req.CardID)
	if err != nil {
		return domain.GiftCardTransaction{}, err
	}
	if err := checkClosable(*card, "void"); err != nil {
		return domain.GiftCardTransaction{}, err
	}

	before := card.Balance
	card.Balance = 0
	card.Status = domain.GiftCardStatusVoided
	if err := tx.UpdateGiftCard(ctx, *card); err != nil {
		return domain.GiftCardTransaction{}, err
	}
	return b.write(ctx, tx, *card, mutation{
		Type:       domain.GiftCardTxnVoid,
		Code:       domain.FiscalGiftCardVoided,
		Amount:     -before,
		Before:     before,
		SessionID:  req.SessionID,
		OperatorID: req.OperatorID,
		Reason:     req.Reason,
	})
}

// adjustTx applies a signed correction. Top-ups raise the initial amount so
// the balance never exceeds it.
func (b *Book) adjustTx(ctx context.Context, tx store.Tx, req domain.GiftCardAdjustRequest) (domain.GiftCardTransaction, error) {
	card, err := tx.LockGiftCard(ctx, req.StoreID, req.CardID)
	if err != nil {
		return domain.GiftCardTransaction{}, err
	}
	if card.Status != domain.GiftCardStatusActive {
		return domain.GiftCardTransaction{}, &domain.InvalidStateError{Entity: "gift card", ID: card.ID, State: card.Status, Operation: "adjust"}
	}
	before := card.Balance
	after := before + req.Delta
	if after < 0 {
		return domain.GiftCardTransaction{}, domain.NewValidation("delta",
			"would leave gift card %s at %d (minor units)", card.ID, after)
	}

	card.Balance = after
	if req.Delta > 0 {
		card.InitialAmount += req.Delta
	}
	if after == 0 {
		card.Status = domain.GiftCardStatusRedeemed
	}
	if err := tx.UpdateGiftCard(ctx, *card); err != nil {
		return domain.GiftCardTransaction{}, err
	}
	return b.write(ctx, tx, *card, mutation{
		Type:       domain.GiftCardTxnAdjustment,
		Code:       domain.FiscalGiftCardAdjusted,
		Amount:     req.Delta,
		Before:     before,
		SessionID:  req.SessionID,
		OperatorID: req.OperatorID,
		Reason:     req.Reason,
	})
}

type mutation struct {
	Type       string
	Code       domain.FiscalCode
	Amount     int64
	Before     int64
	ChargeID   string
	SessionID  string
	OperatorID string
	Reason     string
}

// write appends the fiscal event and the transaction row for a mutation
// already applied to card.
func (b *Book) write(ctx context.Context, tx store.Tx, card domain.GiftCard, m mutation) (domain.GiftCardTransaction, error) {
	now := b.now()
	event, err := b.fiscal.Record(ctx, tx, fiscal.Entry{
		StoreID:         card.StoreID,
		SessionID:       m.SessionID,
		OperatorID:      m.OperatorID,
		Code:            m.Code,
		RelatedChargeID: m.ChargeID,
		Payload: eventPayload{
			CardID:        card.ID,
			Code:          maskCode(card.Code),
			Amount:        m.Amount,
			BalanceBefore: m.Before,
			BalanceAfter:  card.Balance,
			Reason:        m.Reason,
		},
		OccurredAt: now,
	})
	if err != nil {
		return domain.GiftCardTransaction{}, err
	}

	txn := domain.GiftCardTransaction{
		ID:            xid.New("gct"),
		GiftCardID:    card.ID,
		StoreID:       card.StoreID,
		Type:          m.Type,
		Amount:        m.Amount,
		BalanceBefore: m.Before,
		BalanceAfter:  card.Balance,
		ChargeID:      m.ChargeID,
		SessionID:     m.SessionID,
		FiscalEventID: event.ID,
		OperatorID:    m.OperatorID,
		Notes:         m.Reason,
		CreatedAt:     now,
	}
	if err := tx.CreateGiftCardTransaction(ctx, txn); err != nil {
		return domain.GiftCardTransaction{}, err
	}
	metrics.GiftCardOperationsTotal.WithLabelValues(m.Type, "committed").Inc()
	return txn, nil
}

// checkRedeemable holds the redemption rules shared by RedeemTx and the
// non-mutating Validate. A fully redeemed card reports insufficient balance.
func checkRedeemable(card domain.GiftCard, amount int64, pin string, now time.Time) error {
	switch card.Status {
	case domain.GiftCardStatusActive, domain.GiftCardStatusRedeemed:
	default:
		return &domain.InvalidStateError{Entity: "gift card", ID: card.ID, State: card.Status, Operation: "redeem"}
	}
	if card.ExpiredAt(now) {
		return &domain.InvalidStateError{Entity: "gift card", ID: card.ID, State: domain.GiftCardStatusExpired, Operation: "redeem"}
	}
	if card.HasPIN() && bcrypt.CompareHashAndPassword([]byte(card.PINHash), []byte(pin)) != nil {
		return &domain.InvalidStateError{Entity: "gift card", ID: card.ID, State: "pin rejected", Operation: "redeem"}
	}
	if card.Balance < amount {
		return &domain.InsufficientBalanceError{GiftCardID: card.ID, Available: card.Balance, Requested: amount}
	}
	return nil
}

func checkClosable(card domain.GiftCard, operation string) error {
	switch card.Status {
	case domain.GiftCardStatusVoided, domain.GiftCardStatusRefunded:
		return &domain.InvalidStateError{Entity: "gift card", ID: card.ID, State: card.Status, Operation: operation}
	}
	return nil
}
