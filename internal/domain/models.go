package domain

import (
	"encoding/json"
	"math"
	"time"
)

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

const (
	ChargeStatusPending   = "pending"
	ChargeStatusSucceeded = "succeeded"
	ChargeStatusFailed    = "failed"
)

const (
	ProviderCash     = "cash"
	ProviderCard     = "card"
	ProviderOther    = "other"
	ProviderGiftCard = "gift_card"
)

const (
	GiftCardStatusActive   = "active"
	GiftCardStatusRedeemed = "redeemed"
	GiftCardStatusExpired  = "expired"
	GiftCardStatusVoided   = "voided"
	GiftCardStatusRefunded = "refunded"
)

const (
	GiftCardTxnPurchase   = "purchase"
	GiftCardTxnRedemption = "redemption"
	GiftCardTxnRefund     = "refund"
	GiftCardTxnAdjustment = "adjustment"
	GiftCardTxnVoid       = "void"
)

const (
	CashMovementDeposit    = "deposit"
	CashMovementWithdrawal = "withdrawal"
)

const (
	ReceiptKindSale       = "sale"
	ReceiptKindReturn     = "return"
	ReceiptKindCorrection = "correction"
)

type Session struct {
	ID               string          `json:"id"`
	StoreID          string          `json:"store_id"`
	DeviceID         string          `json:"device_id"`
	OperatorID       string          `json:"operator_id"`
	SequenceNumber   int64           `json:"sequence_number"`
	Status           string          `json:"status"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	OpeningBalance   int64           `json:"opening_balance"`
	ExpectedCash     *int64          `json:"expected_cash,omitempty"`
	ActualCash       *int64          `json:"actual_cash,omitempty"`
	CashDifference   *int64          `json:"cash_difference,omitempty"`
	TransactionCount int64           `json:"transaction_count"`
	TotalAmount      int64           `json:"total_amount"`
	CashAmount       int64           `json:"cash_amount"`
	OpeningNotes     string          `json:"opening_notes,omitempty"`
	ClosingNotes     string          `json:"closing_notes,omitempty"`
	ClosingData      json.RawMessage `json:"closing_data,omitempty"`
	ClosedBy         string          `json:"closed_by,omitempty"`
}

func (s Session) IsOpen() bool {
	return s.Status == SessionStatusOpen
}

type PaymentMethod struct {
	ID                string     `json:"id"`
	StoreID           string     `json:"store_id"`
	Name              string     `json:"name"`
	Provider          string     `json:"provider"`
	FiscalPaymentCode FiscalCode `json:"fiscal_payment_code"`
	Enabled           bool       `json:"enabled"`
}

type StoreProfile struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Currency          string `json:"currency"`
	VATRate           string `json:"vat_rate"`
	GiftCardMinAmount int64  `json:"gift_card_min_amount"`
	GiftCardMaxAmount int64  `json:"gift_card_max_amount"`
	AutoPrint         bool   `json:"auto_print"`
}

type Charge struct {
	ID                    string          `json:"id"`
	StoreID               string          `json:"store_id"`
	SessionID             string          `json:"session_id,omitempty"`
	ProviderReference     string          `json:"provider_reference,omitempty"`
	Amount                int64           `json:"amount"`
	Currency              string          `json:"currency"`
	Status                string          `json:"status"`
	PaymentMethodID       string          `json:"payment_method_id"`
	Provider              string          `json:"provider"`
	FiscalPaymentCode     FiscalCode      `json:"fiscal_payment_code"`
	FiscalTransactionCode FiscalCode      `json:"fiscal_transaction_code"`
	Captured              bool            `json:"captured"`
	Refunded              bool            `json:"refunded"`
	Paid                  bool            `json:"paid"`
	PaidAt                *time.Time      `json:"paid_at,omitempty"`
	Metadata              json.RawMessage `json:"metadata,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

type CartItem struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Qty       int64  `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
}

type Cart struct {
	Items    []CartItem `json:"items,omitempty"`
	Discount int64      `json:"discount"`
	Total    int64      `json:"total"`
}

// LinesTotal is the cart value implied by its line items. Quantities must be
// positive, prices and the discount non-negative, and no intermediate sum
// may leave the int64 range.
func (c Cart) LinesTotal() (int64, error) {
	var total int64
	for i, item := range c.Items {
		if item.Qty <= 0 {
			return 0, NewValidation("cart.items", "line %d quantity must be positive, got %d", i, item.Qty)
		}
		if item.UnitPrice < 0 {
			return 0, NewValidation("cart.items", "line %d unit price must not be negative, got %d (minor units)", i, item.UnitPrice)
		}
		if item.UnitPrice != 0 && item.Qty > math.MaxInt64/item.UnitPrice {
			return 0, NewValidation("cart.items", "line %d amount is out of range", i)
		}
		amount := item.Qty * item.UnitPrice
		if amount > math.MaxInt64-total {
			return 0, NewValidation("cart.items", "line items add up to more than the supported range")
		}
		total += amount
	}
	if c.Discount < 0 || c.Discount > total {
		return 0, NewValidation("cart.discount", "must be between 0 and %d, got %d (minor units)", total, c.Discount)
	}
	return total - c.Discount, nil
}

type Receipt struct {
	ID             string    `json:"id"`
	StoreID        string    `json:"store_id"`
	SessionID      string    `json:"session_id"`
	Number         int64     `json:"number"`
	Kind           string    `json:"kind"`
	ChargeIDs      []string  `json:"charge_ids"`
	TotalAmount    int64     `json:"total_amount"`
	Currency       string    `json:"currency"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Artifact       []byte    `json:"-"`
	PreviewText    string    `json:"preview_text"`
	CreatedAt      time.Time `json:"created_at"`
}

type GiftCard struct {
	ID               string     `json:"id"`
	StoreID          string     `json:"store_id"`
	Code             string     `json:"code"`
	PINHash          string     `json:"-"`
	InitialAmount    int64      `json:"initial_amount"`
	Balance          int64      `json:"balance"`
	RedeemedTotal    int64      `json:"redeemed_total"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	PurchasedAt      time.Time  `json:"purchased_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	PurchaseChargeID string     `json:"purchase_charge_id,omitempty"`
	CustomerRef      string     `json:"customer_ref,omitempty"`
}

func (g GiftCard) HasPIN() bool {
	return g.PINHash != ""
}

func (g GiftCard) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

type GiftCardTransaction struct {
	ID            string    `json:"id"`
	GiftCardID    string    `json:"gift_card_id"`
	StoreID       string    `json:"store_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	ChargeID      string    `json:"charge_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	FiscalEventID string    `json:"fiscal_event_id,omitempty"`
	OperatorID    string    `json:"operator_id,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type FiscalEvent struct {
	ID              string          `json:"id"`
	StoreID         string          `json:"store_id"`
	DeviceID        string          `json:"device_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	OperatorID      string          `json:"operator_id,omitempty"`
	Code            FiscalCode      `json:"code"`
	Category        string          `json:"category"`
	Description     string          `json:"description"`
	RelatedChargeID string          `json:"related_charge_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	StoreID  string `json:"store_id"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	StoreID   string    `json:"store_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	StoreID     string `json:"store_id"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	StoreID   string    `json:"store_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
