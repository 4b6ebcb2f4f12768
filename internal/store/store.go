package store

import (
	"context"
	"errors"
	"time"

	"kasseledger/backend/internal/domain"
)

// Reader is the read surface shared by the repository and a unit of work.
type Reader interface {
	GetStoreProfile(ctx context.Context, storeID string) (*domain.StoreProfile, error)
	GetPaymentMethod(ctx context.Context, storeID string, methodID string) (*domain.PaymentMethod, error)
	ListSessionCharges(ctx context.Context, storeID string, sessionID string) ([]domain.Charge, error)
	ListSessionFiscalEvents(ctx context.Context, storeID string, sessionID string) ([]domain.FiscalEvent, error)
	GetReceipt(ctx context.Context, storeID string, receiptID string) (*domain.Receipt, error)
	FindReceiptByIdempotency(ctx context.Context, storeID string, key string) (*domain.Receipt, error)
}

// Tx is one atomic unit of work. Nothing written through it is visible to
// other callers until the enclosing WithinTx returns nil.
type Tx interface {
	Reader

	NextSessionSequence(ctx context.Context, storeID string) (int64, error)
	FindOpenSession(ctx context.Context, storeID string, deviceID string) (*domain.Session, error)
	CreateSession(ctx context.Context, session domain.Session) error
	// LockSession returns the session row held exclusively until commit.
	LockSession(ctx context.Context, storeID string, sessionID string) (*domain.Session, error)
	UpdateSession(ctx context.Context, session domain.Session) error

	CreateCharge(ctx context.Context, charge domain.Charge) error
	// LockCharge returns the charge row held exclusively until commit.
	LockCharge(ctx context.Context, storeID string, chargeID string) (*domain.Charge, error)
	UpdateCharge(ctx context.Context, charge domain.Charge) error

	NextReceiptNumber(ctx context.Context, storeID string) (int64, error)
	CreateReceipt(ctx context.Context, receipt domain.Receipt) error

	GiftCardCodeExists(ctx context.Context, storeID string, code string) (bool, error)
	CreateGiftCard(ctx context.Context, card domain.GiftCard) error
	// LockGiftCard and LockGiftCardByCode return the card row held exclusively
	// until commit.
	LockGiftCard(ctx context.Context, storeID string, cardID string) (*domain.GiftCard, error)
	LockGiftCardByCode(ctx context.Context, storeID string, code string) (*domain.GiftCard, error)
	UpdateGiftCard(ctx context.Context, card domain.GiftCard) error
	CreateGiftCardTransaction(ctx context.Context, txn domain.GiftCardTransaction) error

	AppendFiscalEvent(ctx context.Context, event domain.FiscalEvent) error
}

type Repository interface {
	Reader

	// WithinTx runs fn as one unit of work. Any error returned by fn rolls
	// back every write made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetSession(ctx context.Context, storeID string, sessionID string) (*domain.Session, error)
	FindOpenSession(ctx context.Context, storeID string, deviceID string) (*domain.Session, error)

	GetGiftCard(ctx context.Context, storeID string, cardID string) (*domain.GiftCard, error)
	FindGiftCardByCode(ctx context.Context, storeID string, code string) (*domain.GiftCard, error)
	ListGiftCardTransactions(ctx context.Context, storeID string, cardID string) ([]domain.GiftCardTransaction, error)

	// AppendFiscalEvent writes a single event outside any unit of work.
	AppendFiscalEvent(ctx context.Context, event domain.FiscalEvent) error
	LatestFiscalEvent(ctx context.Context, storeID string, deviceID string, code domain.FiscalCode, since time.Time) (*domain.FiscalEvent, error)
	ListFiscalEvents(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.FiscalEvent, error)
	ListCharges(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.Charge, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Profile returns the tenant's store profile. Missing profiles and blank
// fields fall back to the values in fallback.
func Profile(ctx context.Context, r Reader, storeID string, fallback domain.StoreProfile) (domain.StoreProfile, error) {
	p, err := r.GetStoreProfile(ctx, storeID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.StoreProfile{}, err
		}
		p = &domain.StoreProfile{ID: storeID, Name: storeID, AutoPrint: fallback.AutoPrint}
	}
	profile := *p
	if profile.Currency == "" {
		profile.Currency = fallback.Currency
	}
	if profile.VATRate == "" {
		profile.VATRate = fallback.VATRate
	}
	if profile.GiftCardMinAmount == 0 {
		profile.GiftCardMinAmount = fallback.GiftCardMinAmount
	}
	if profile.GiftCardMaxAmount == 0 {
		profile.GiftCardMaxAmount = fallback.GiftCardMaxAmount
	}
	return profile, nil
}
