package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLockTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return err
	}

	if err := fn(ctx, &txn{tx: pgTx, lockTimeout: s.lockTimeout}); err != nil {
		return err
	}
	if err := pgTx.Commit(); err != nil {
		return translate(err, "ledger", s.lockTimeout)
	}
	return nil
}

// PutStoreProfile and PutPaymentMethod upsert tenant configuration.
func (s *Store) PutStoreProfile(ctx context.Context, p domain.StoreProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_profiles (id, name, currency, vat_rate, gift_card_min_amount, gift_card_max_amount, auto_print)
		VALUES ($1,$2,$3,$4::numeric,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			currency = EXCLUDED.currency,
			vat_rate = EXCLUDED.vat_rate,
			gift_card_min_amount = EXCLUDED.gift_card_min_amount,
			gift_card_max_amount = EXCLUDED.gift_card_max_amount,
			auto_print = EXCLUDED.auto_print
	`, p.ID, p.Name, p.Currency, p.VATRate, p.GiftCardMinAmount, p.GiftCardMaxAmount, p.AutoPrint)
	return err
}

func (s *Store) PutPaymentMethod(ctx context.Context, m domain.PaymentMethod) error {
	if m.FiscalPaymentCode == "" {
		m.FiscalPaymentCode = domain.PaymentFiscalCode(m.Provider)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_methods (id, store_id, name, provider, fiscal_payment_code, enabled)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (store_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			provider = EXCLUDED.provider,
			fiscal_payment_code = EXCLUDED.fiscal_payment_code,
			enabled = EXCLUDED.enabled
	`, m.ID, m.StoreID, m.Name, m.Provider, string(m.FiscalPaymentCode), m.Enabled)
	return err
}

func (s *Store) GetStoreProfile(ctx context.Context, storeID string) (*domain.StoreProfile, error) {
	return getStoreProfile(ctx, s.db, storeID)
}

func (s *Store) GetPaymentMethod(ctx context.Context, storeID string, methodID string) (*domain.PaymentMethod, error) {
	return getPaymentMethod(ctx, s.db, storeID, methodID)
}

func (s *Store) ListSessionCharges(ctx context.Context, storeID string, sessionID string) ([]domain.Charge, error) {
	return queryCharges(ctx, s.db, `WHERE store_id = $1 AND session_id = $2 ORDER BY created_at, id`, storeID, sessionID)
}

func (s *Store) ListSessionFiscalEvents(ctx context.Context, storeID string, sessionID string) ([]domain.FiscalEvent, error) {
	return queryFiscalEvents(ctx, s.db, `WHERE store_id = $1 AND session_id = $2 ORDER BY occurred_at, id`, storeID, sessionID)
}

func (s *Store) GetReceipt(ctx context.Context, storeID string, receiptID string) (*domain.Receipt, error) {
	return scanReceipt(s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE store_id = $1 AND id = $2`, storeID, receiptID), receiptID)
}

func (s *Store) FindReceiptByIdempotency(ctx context.Context, storeID string, key string) (*domain.Receipt, error) {
	return scanReceipt(s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE store_id = $1 AND idempotency_key = $2`, storeID, key), key)
}

func (s *Store) GetSession(ctx context.Context, storeID string, sessionID string) (*domain.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE store_id = $1 AND id = $2`, storeID, sessionID), sessionID)
}

func (s *Store) FindOpenSession(ctx context.Context, storeID string, deviceID string) (*domain.Session, error) {
	return findOpenSession(ctx, s.db, storeID, deviceID)
}

func (s *Store) GetGiftCard(ctx context.Context, storeID string, cardID string) (*domain.GiftCard, error) {
	return scanGiftCard(s.db.QueryRowContext(ctx, `SELECT `+giftCardColumns+` FROM gift_cards WHERE store_id = $1 AND id = $2`, storeID, cardID), cardID)
}

func (s *Store) FindGiftCardByCode(ctx context.Context, storeID string, code string) (*domain.GiftCard, error) {
	return scanGiftCard(s.db.QueryRowContext(ctx, `SELECT `+giftCardColumns+` FROM gift_cards WHERE store_id = $1 AND code = upper($2)`, storeID, code), code)
}

func (s *Store) ListGiftCardTransactions(ctx context.Context, storeID string, cardID string) ([]domain.GiftCardTransaction, error) {
	if _, err := s.GetGiftCard(ctx, storeID, cardID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, gift_card_id, store_id, type, amount, balance_before, balance_after,
			charge_id, session_id, fiscal_event_id, operator_id, notes, created_at
		FROM gift_card_transactions
		WHERE store_id = $1 AND gift_card_id = $2
		ORDER BY created_at, id
	`, storeID, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.GiftCardTransaction, 0, 8)
	for rows.Next() {
		var t domain.GiftCardTransaction
		var chargeID, sessionID, eventID, operatorID, notes sql.NullString
		if err := rows.Scan(&t.ID, &t.GiftCardID, &t.StoreID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&chargeID, &sessionID, &eventID, &operatorID, &notes, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.ChargeID = chargeID.String
		t.SessionID = sessionID.String
		t.FiscalEventID = eventID.String
		t.OperatorID = operatorID.String
		t.Notes = notes.String
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) AppendFiscalEvent(ctx context.Context, event domain.FiscalEvent) error {
	return appendFiscalEvent(ctx, s.db, event)
}

func (s *Store) LatestFiscalEvent(ctx context.Context, storeID string, deviceID string, code domain.FiscalCode, since time.Time) (*domain.FiscalEvent, error) {
	events, err := queryFiscalEvents(ctx, s.db, `
		WHERE store_id = $1 AND COALESCE(device_id, '') = $2 AND code = $3 AND occurred_at >= $4
		ORDER BY occurred_at DESC
		LIMIT 1
	`, storeID, deviceID, string(code), since)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.NewNotFound("fiscal event", string(code))
	}
	return &events[0], nil
}

func (s *Store) ListFiscalEvents(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.FiscalEvent, error) {
	if limit < 1 {
		limit = 1000
	}
	return queryFiscalEvents(ctx, s.db, `
		WHERE store_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, id
		LIMIT $4
	`, storeID, from, to, limit)
}

func (s *Store) ListCharges(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Charge, error) {
	return queryCharges(ctx, s.db, `WHERE store_id = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at, id`, storeID, from, to)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, store_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.StoreID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Resource: "user", Reason: "username already exists"}
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, store_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.StoreID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.NewNotFound("user", username)
	}
	return nil
}

func getStoreProfile(ctx context.Context, q queryer, storeID string) (*domain.StoreProfile, error) {
	var p domain.StoreProfile
	err := q.QueryRowContext(ctx, `
		SELECT id, name, currency, vat_rate::text, gift_card_min_amount, gift_card_max_amount, auto_print
		FROM store_profiles
		WHERE id = $1
	`, storeID).Scan(&p.ID, &p.Name, &p.Currency, &p.VATRate, &p.GiftCardMinAmount, &p.GiftCardMaxAmount, &p.AutoPrint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("store", storeID)
		}
		return nil, err
	}
	return &p, nil
}

func getPaymentMethod(ctx context.Context, q queryer, storeID string, methodID string) (*domain.PaymentMethod, error) {
	var m domain.PaymentMethod
	var code string
	err := q.QueryRowContext(ctx, `
		SELECT id, store_id, name, provider, fiscal_payment_code, enabled
		FROM payment_methods
		WHERE store_id = $1 AND id = $2
	`, storeID, methodID).Scan(&m.ID, &m.StoreID, &m.Name, &m.Provider, &code, &m.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("payment method", methodID)
		}
		return nil, err
	}
	m.FiscalPaymentCode = domain.FiscalCode(code)
	return &m, nil
}

func findOpenSession(ctx context.Context, q queryer, storeID string, deviceID string) (*domain.Session, error) {
	return scanSession(q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE store_id = $1 AND device_id = $2 AND status = 'open'
	`, storeID, deviceID), "open session "+deviceID)
}

const sessionColumns = `id, store_id, device_id, operator_id, sequence_number, status, opened_at, closed_at,
	opening_balance, expected_cash, actual_cash, cash_difference, transaction_count, total_amount, cash_amount,
	opening_notes, closing_notes, closing_data, closed_by`

func scanSession(row *sql.Row, key string) (*domain.Session, error) {
	var s domain.Session
	var closedAt sql.NullTime
	var expected, actual, diff sql.NullInt64
	var openingNotes, closingNotes, closedBy sql.NullString
	var closingData []byte
	err := row.Scan(&s.ID, &s.StoreID, &s.DeviceID, &s.OperatorID, &s.SequenceNumber, &s.Status, &s.OpenedAt, &closedAt,
		&s.OpeningBalance, &expected, &actual, &diff, &s.TransactionCount, &s.TotalAmount, &s.CashAmount,
		&openingNotes, &closingNotes, &closingData, &closedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("session", key)
		}
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		s.ClosedAt = &t
	}
	s.ExpectedCash = int64Ptr(expected)
	s.ActualCash = int64Ptr(actual)
	s.CashDifference = int64Ptr(diff)
	s.OpeningNotes = openingNotes.String
	s.ClosingNotes = closingNotes.String
	s.ClosedBy = closedBy.String
	if len(closingData) > 0 {
		s.ClosingData = json.RawMessage(closingData)
	}
	return &s, nil
}

const chargeColumns = `id, store_id, session_id, provider_reference, amount, currency, status, payment_method_id,
	provider, fiscal_payment_code, fiscal_transaction_code, captured, refunded, paid, paid_at, metadata, created_at`

func queryCharges(ctx context.Context, q queryer, where string, args ...any) ([]domain.Charge, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+chargeColumns+` FROM charges `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	charges := make([]domain.Charge, 0, 16)
	for rows.Next() {
		var c domain.Charge
		var sessionID, reference sql.NullString
		var paymentCode, transactionCode string
		var paidAt sql.NullTime
		var metadata []byte
		if err := rows.Scan(&c.ID, &c.StoreID, &sessionID, &reference, &c.Amount, &c.Currency, &c.Status, &c.PaymentMethodID,
			&c.Provider, &paymentCode, &transactionCode, &c.Captured, &c.Refunded, &c.Paid, &paidAt, &metadata, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.SessionID = sessionID.String
		c.ProviderReference = reference.String
		c.FiscalPaymentCode = domain.FiscalCode(paymentCode)
		c.FiscalTransactionCode = domain.FiscalCode(transactionCode)
		if paidAt.Valid {
			t := paidAt.Time
			c.PaidAt = &t
		}
		if len(metadata) > 0 {
			c.Metadata = json.RawMessage(metadata)
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

const receiptColumns = `id, store_id, session_id, number, kind, charge_ids, total_amount, currency, artifact,
	preview_text, idempotency_key, created_at`

// arrays is used to scan TEXT[] columns through database/sql.
var arrays = pgtype.NewMap()

func scanReceipt(row *sql.Row, key string) (*domain.Receipt, error) {
	var r domain.Receipt
	var preview, idempotencyKey sql.NullString
	err := row.Scan(&r.ID, &r.StoreID, &r.SessionID, &r.Number, &r.Kind, arrays.SQLScanner(&r.ChargeIDs), &r.TotalAmount,
		&r.Currency, &r.Artifact, &preview, &idempotencyKey, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("receipt", key)
		}
		return nil, err
	}
	r.PreviewText = preview.String
	r.IdempotencyKey = idempotencyKey.String
	return &r, nil
}

const giftCardColumns = `id, store_id, code, pin_hash, initial_amount, balance, redeemed_total, currency, status,
	purchased_at, expires_at, last_used_at, purchase_charge_id, customer_ref`

func scanGiftCard(row *sql.Row, key string) (*domain.GiftCard, error) {
	var g domain.GiftCard
	var pinHash, chargeID, customerRef sql.NullString
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(&g.ID, &g.StoreID, &g.Code, &pinHash, &g.InitialAmount, &g.Balance, &g.RedeemedTotal, &g.Currency, &g.Status,
		&g.PurchasedAt, &expiresAt, &lastUsedAt, &chargeID, &customerRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("gift card", key)
		}
		return nil, err
	}
	g.PINHash = pinHash.String
	g.PurchaseChargeID = chargeID.String
	g.CustomerRef = customerRef.String
	if expiresAt.Valid {
		t := expiresAt.Time
		g.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		g.LastUsedAt = &t
	}
	return &g, nil
}

func queryFiscalEvents(ctx context.Context, q queryer, where string, args ...any) ([]domain.FiscalEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, store_id, device_id, session_id, operator_id, code, category, description,
			related_charge_id, payload, occurred_at
		FROM fiscal_events `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.FiscalEvent, 0, 16)
	for rows.Next() {
		var e domain.FiscalEvent
		var deviceID, sessionID, operatorID, chargeID sql.NullString
		var code string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.StoreID, &deviceID, &sessionID, &operatorID, &code, &e.Category, &e.Description,
			&chargeID, &payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.DeviceID = deviceID.String
		e.SessionID = sessionID.String
		e.OperatorID = operatorID.String
		e.RelatedChargeID = chargeID.String
		e.Code = domain.FiscalCode(code)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func appendFiscalEvent(ctx context.Context, q queryer, e domain.FiscalEvent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO fiscal_events (
			id, store_id, device_id, session_id, operator_id, code, category, description,
			related_charge_id, payload, occurred_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.ID, e.StoreID, nullIfEmpty(e.DeviceID), nullIfEmpty(e.SessionID), nullIfEmpty(e.OperatorID), string(e.Code),
		e.Category, e.Description, nullIfEmpty(e.RelatedChargeID), nullJSON(e.Payload), e.OccurredAt)
	return err
}

// translate maps driver errors onto the ledger error taxonomy.
func translate(err error, resource string, waited time.Duration) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return &domain.LockTimeoutError{Resource: resource, Waited: waited}
		case "23505":
			return &domain.ConflictError{Resource: resource, Reason: pgErr.Detail}
		case "23514":
			return &domain.InvalidStateError{Entity: resource, State: "constraint " + pgErr.ConstraintName, Operation: "write"}
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullJSON(val json.RawMessage) any {
	if len(val) == 0 {
		return nil
	}
	return []byte(val)
}

func int64Ptr(val sql.NullInt64) *int64 {
	if !val.Valid {
		return nil
	}
	v := val.Int64
	return &v
}
