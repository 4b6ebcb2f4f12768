package postgres

import (
	"context"
	"database/sql"
	"time"

	"kasseledger/backend/internal/domain"
)

type txn struct {
	tx          *sql.Tx
	lockTimeout time.Duration
}

func (t *txn) GetStoreProfile(ctx context.Context, storeID string) (*domain.StoreProfile, error) {
	return getStoreProfile(ctx, t.tx, storeID)
}

func (t *txn) GetPaymentMethod(ctx context.Context, storeID string, methodID string) (*domain.PaymentMethod, error) {
	return getPaymentMethod(ctx, t.tx, storeID, methodID)
}

func (t *txn) ListSessionCharges(ctx context.Context, storeID string, sessionID string) ([]domain.Charge, error) {
	return queryCharges(ctx, t.tx, `WHERE store_id = $1 AND session_id = $2 ORDER BY created_at, id`, storeID, sessionID)
}

func (t *txn) ListSessionFiscalEvents(ctx context.Context, storeID string, sessionID string) ([]domain.FiscalEvent, error) {
	return queryFiscalEvents(ctx, t.tx, `WHERE store_id = $1 AND session_id = $2 ORDER BY occurred_at, id`, storeID, sessionID)
}

func (t *txn) GetReceipt(ctx context.Context, storeID string, receiptID string) (*domain.Receipt, error) {
	return scanReceipt(t.tx.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE store_id = $1 AND id = $2`, storeID, receiptID), receiptID)
}

func (t *txn) FindReceiptByIdempotency(ctx context.Context, storeID string, key string) (*domain.Receipt, error) {
	return scanReceipt(t.tx.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE store_id = $1 AND idempotency_key = $2`, storeID, key), key)
}

// NextSessionSequence serialises sequence allocation per store with a
// transaction-scoped advisory lock, released on commit or rollback.
func (t *txn) NextSessionSequence(ctx context.Context, storeID string) (int64, error) {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('session_seq:' || $1))`, storeID); err != nil {
		return 0, translate(err, "session sequence", t.lockTimeout)
	}

	var next int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) + 1
		FROM sessions
		WHERE store_id = $1
	`, storeID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (t *txn) FindOpenSession(ctx context.Context, storeID string, deviceID string) (*domain.Session, error) {
	return findOpenSession(ctx, t.tx, storeID, deviceID)
}

func (t *txn) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, store_id, device_id, operator_id, sequence_number, status, opened_at, opening_balance,
			transaction_count, total_amount, cash_amount, opening_notes
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, s.ID, s.StoreID, s.DeviceID, s.OperatorID, s.SequenceNumber, s.Status, s.OpenedAt, s.OpeningBalance,
		s.TransactionCount, s.TotalAmount, s.CashAmount, nullIfEmpty(s.OpeningNotes))
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Resource: "session", Reason: "device already has an open session"}
		}
		return err
	}
	return nil
}

func (t *txn) LockSession(ctx context.Context, storeID string, sessionID string) (*domain.Session, error) {
	s, err := scanSession(t.tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE store_id = $1 AND id = $2
		FOR UPDATE
	`, storeID, sessionID), sessionID)
	if err != nil {
		return nil, translate(err, "session "+sessionID, t.lockTimeout)
	}
	return s, nil
}

func (t *txn) UpdateSession(ctx context.Context, s domain.Session) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = $3,
			closed_at = $4,
			expected_cash = $5,
			actual_cash = $6,
			cash_difference = $7,
			transaction_count = $8,
			total_amount = $9,
			cash_amount = $10,
			closing_notes = $11,
			closing_data = $12,
			closed_by = $13
		WHERE store_id = $1 AND id = $2
	`, s.StoreID, s.ID, s.Status, nullTime(s.ClosedAt), nullInt64(s.ExpectedCash), nullInt64(s.ActualCash),
		nullInt64(s.CashDifference), s.TransactionCount, s.TotalAmount, s.CashAmount,
		nullIfEmpty(s.ClosingNotes), nullJSON(s.ClosingData), nullIfEmpty(s.ClosedBy))
	if err != nil {
		return translate(err, "session "+s.ID, t.lockTimeout)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.NewNotFound("session", s.ID)
	}
	return nil
}

func (t *txn) CreateCharge(ctx context.Context, c domain.Charge) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO charges (
			id, store_id, session_id, provider_reference, amount, currency, status, payment_method_id,
			provider, fiscal_payment_code, fiscal_transaction_code, captured, refunded, paid, paid_at,
			metadata, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, c.ID, c.StoreID, nullIfEmpty(c.SessionID), nullIfEmpty(c.ProviderReference), c.Amount, c.Currency, c.Status,
		c.PaymentMethodID, c.Provider, string(c.FiscalPaymentCode), string(c.FiscalTransactionCode),
		c.Captured, c.Refunded, c.Paid, nullTime(c.PaidAt), nullJSON(c.Metadata), c.CreatedAt)
	return translate(err, "charge", t.lockTimeout)
}

func (t *txn) LockCharge(ctx context.Context, storeID string, chargeID string) (*domain.Charge, error) {
	charges, err := queryCharges(ctx, t.tx, `WHERE store_id = $1 AND id = $2 FOR UPDATE`, storeID, chargeID)
	if err != nil {
		return nil, translate(err, "charge "+chargeID, t.lockTimeout)
	}
	if len(charges) == 0 {
		return nil, domain.NewNotFound("charge", chargeID)
	}
	return &charges[0], nil
}

func (t *txn) UpdateCharge(ctx context.Context, c domain.Charge) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE charges
		SET status = $3,
			captured = $4,
			refunded = $5,
			paid = $6,
			paid_at = $7,
			metadata = $8
		WHERE store_id = $1 AND id = $2
	`, c.StoreID, c.ID, c.Status, c.Captured, c.Refunded, c.Paid, nullTime(c.PaidAt), nullJSON(c.Metadata))
	if err != nil {
		return translate(err, "charge "+c.ID, t.lockTimeout)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.NewNotFound("charge", c.ID)
	}
	return nil
}

// NextReceiptNumber increments the per-store counter; the row lock is held
// until the unit of work ends so numbers stay gapless across rollbacks.
func (t *txn) NextReceiptNumber(ctx context.Context, storeID string) (int64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO receipt_counters (store_id, last_number)
		VALUES ($1, 1)
		ON CONFLICT (store_id) DO UPDATE SET last_number = receipt_counters.last_number + 1
		RETURNING last_number
	`, storeID).Scan(&next)
	if err != nil {
		return 0, translate(err, "receipt counter", t.lockTimeout)
	}
	return next, nil
}

func (t *txn) CreateReceipt(ctx context.Context, r domain.Receipt) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO receipts (
			id, store_id, session_id, number, kind, charge_ids, total_amount, currency, artifact, preview_text,
			idempotency_key, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, r.ID, r.StoreID, r.SessionID, r.Number, r.Kind, r.ChargeIDs, r.TotalAmount, r.Currency,
		r.Artifact, nullIfEmpty(r.PreviewText), nullIfEmpty(r.IdempotencyKey), r.CreatedAt)
	return translate(err, "receipt", t.lockTimeout)
}

func (t *txn) GiftCardCodeExists(ctx context.Context, storeID string, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM gift_cards WHERE store_id = $1 AND code = upper($2))
	`, storeID, code).Scan(&exists)
	return exists, err
}

func (t *txn) CreateGiftCard(ctx context.Context, g domain.GiftCard) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO gift_cards (
			id, store_id, code, pin_hash, initial_amount, balance, redeemed_total, currency, status,
			purchased_at, expires_at, last_used_at, purchase_charge_id, customer_ref
		)
		VALUES ($1,$2,upper($3),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, g.ID, g.StoreID, g.Code, nullIfEmpty(g.PINHash), g.InitialAmount, g.Balance, g.RedeemedTotal, g.Currency,
		g.Status, g.PurchasedAt, nullTime(g.ExpiresAt), nullTime(g.LastUsedAt), nullIfEmpty(g.PurchaseChargeID),
		nullIfEmpty(g.CustomerRef))
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Resource: "gift card", Reason: "code already issued"}
		}
		return err
	}
	return nil
}

func (t *txn) LockGiftCard(ctx context.Context, storeID string, cardID string) (*domain.GiftCard, error) {
	g, err := scanGiftCard(t.tx.QueryRowContext(ctx, `
		SELECT `+giftCardColumns+`
		FROM gift_cards
		WHERE store_id = $1 AND id = $2
		FOR UPDATE
	`, storeID, cardID), cardID)
	if err != nil {
		return nil, translate(err, "gift card "+cardID, t.lockTimeout)
	}
	return g, nil
}

func (t *txn) LockGiftCardByCode(ctx context.Context, storeID string, code string) (*domain.GiftCard, error) {
	g, err := scanGiftCard(t.tx.QueryRowContext(ctx, `
		SELECT `+giftCardColumns+`
		FROM gift_cards
		WHERE store_id = $1 AND code = upper($2)
		FOR UPDATE
	`, storeID, code), code)
	if err != nil {
		return nil, translate(err, "gift card "+code, t.lockTimeout)
	}
	return g, nil
}

func (t *txn) UpdateGiftCard(ctx context.Context, g domain.GiftCard) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE gift_cards
		SET initial_amount = $3,
			balance = $4,
			redeemed_total = $5,
			status = $6,
			expires_at = $7,
			last_used_at = $8,
			purchase_charge_id = $9
		WHERE store_id = $1 AND id = $2
	`, g.StoreID, g.ID, g.InitialAmount, g.Balance, g.RedeemedTotal, g.Status, nullTime(g.ExpiresAt), nullTime(g.LastUsedAt),
		nullIfEmpty(g.PurchaseChargeID))
	if err != nil {
		return translate(err, "gift card "+g.ID, t.lockTimeout)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.NewNotFound("gift card", g.ID)
	}
	return nil
}

func (t *txn) CreateGiftCardTransaction(ctx context.Context, g domain.GiftCardTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO gift_card_transactions (
			id, gift_card_id, store_id, type, amount, balance_before, balance_after,
			charge_id, session_id, fiscal_event_id, operator_id, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, g.ID, g.GiftCardID, g.StoreID, g.Type, g.Amount, g.BalanceBefore, g.BalanceAfter,
		nullIfEmpty(g.ChargeID), nullIfEmpty(g.SessionID), nullIfEmpty(g.FiscalEventID), nullIfEmpty(g.OperatorID),
		nullIfEmpty(g.Notes), g.CreatedAt)
	return translate(err, "gift card transaction", t.lockTimeout)
}

func (t *txn) AppendFiscalEvent(ctx context.Context, event domain.FiscalEvent) error {
	if err := appendFiscalEvent(ctx, t.tx, event); err != nil {
		return translate(err, "fiscal event", t.lockTimeout)
	}
	return nil
}
