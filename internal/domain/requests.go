package domain

import (
	"encoding/json"
	"time"
)

type SessionOpenRequest struct {
	StoreID        string `json:"store_id"`
	DeviceID       string `json:"device_id"`
	OperatorID     string `json:"operator_id"`
	OpeningBalance int64  `json:"opening_balance"`
	Notes          string `json:"notes,omitempty"`
}

type SessionCloseRequest struct {
	StoreID     string          `json:"store_id"`
	SessionID   string          `json:"session_id"`
	OperatorID  string          `json:"operator_id"`
	ActualCash  *int64          `json:"actual_cash,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	ClosingData json.RawMessage `json:"closing_data,omitempty"`
}

type CashMovementRequest struct {
	StoreID    string `json:"store_id"`
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	Kind       string `json:"kind"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason,omitempty"`
}

type DrawerOpenRequest struct {
	StoreID    string `json:"store_id"`
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason,omitempty"`
}

type PaymentLine struct {
	PaymentMethodID string `json:"payment_method_id"`
	Amount          int64  `json:"amount"`
	Reference       string `json:"reference,omitempty"`
	GiftCardCode    string `json:"gift_card_code,omitempty"`
	GiftCardPIN     string `json:"gift_card_pin,omitempty"`
}

type PurchaseRequest struct {
	StoreID         string          `json:"store_id"`
	SessionID       string          `json:"session_id"`
	OperatorID      string          `json:"operator_id"`
	PaymentMethodID string          `json:"payment_method_id"`
	Reference       string          `json:"reference,omitempty"`
	GiftCardCode    string          `json:"gift_card_code,omitempty"`
	GiftCardPIN     string          `json:"gift_card_pin,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Cart            Cart            `json:"cart"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Split turns a single-method purchase into its one-line split form.
func (r PurchaseRequest) Split() SplitPurchaseRequest {
	return SplitPurchaseRequest{
		StoreID:    r.StoreID,
		SessionID:  r.SessionID,
		OperatorID: r.OperatorID,
		Payments: []PaymentLine{{
			PaymentMethodID: r.PaymentMethodID,
			Amount:          r.Cart.Total,
			Reference:       r.Reference,
			GiftCardCode:    r.GiftCardCode,
			GiftCardPIN:     r.GiftCardPIN,
		}},
		IdempotencyKey: r.IdempotencyKey,
		Cart:           r.Cart,
		Metadata:       r.Metadata,
	}
}

type SplitPurchaseRequest struct {
	StoreID    string        `json:"store_id"`
	SessionID  string        `json:"session_id"`
	OperatorID string        `json:"operator_id"`
	Payments   []PaymentLine `json:"payments"`
	// IdempotencyKey makes a resubmitted purchase return the committed one
	// instead of settling and charging again.
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Cart           Cart            `json:"cart"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// HasGiftCardPIN reports whether any payment line carries a gift card PIN.
func (r SplitPurchaseRequest) HasGiftCardPIN() bool {
	for _, line := range r.Payments {
		if line.GiftCardPIN != "" {
			return true
		}
	}
	return false
}

type ReturnRequest struct {
	StoreID         string          `json:"store_id"`
	SessionID       string          `json:"session_id"`
	OperatorID      string          `json:"operator_id"`
	PaymentMethodID string          `json:"payment_method_id"`
	Amount          int64           `json:"amount"`
	Reference       string          `json:"reference,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

type PurchaseResult struct {
	Charges     []Charge    `json:"charges"`
	Receipt     Receipt     `json:"receipt"`
	FiscalEvent FiscalEvent `json:"fiscal_event"`
	// Replayed is set when an idempotency key matched an earlier purchase.
	Replayed bool `json:"replayed,omitempty"`
}

type VoidRequest struct {
	StoreID    string `json:"store_id"`
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	ReceiptID  string `json:"receipt_id"`
	Reason     string `json:"reason"`
}

type VoidResult struct {
	Voided      Receipt        `json:"voided"`
	Correction  PurchaseResult `json:"correction"`
	FiscalEvent FiscalEvent    `json:"fiscal_event"`
}

type ReceiptCopyRequest struct {
	StoreID    string `json:"store_id"`
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	ReceiptID  string `json:"receipt_id"`
}

type ReceiptCopyResult struct {
	Receipt     Receipt     `json:"receipt"`
	FiscalEvent FiscalEvent `json:"fiscal_event"`
}

type PurchaseLookup struct {
	Found    bool            `json:"found"`
	Purchase *PurchaseResult `json:"purchase,omitempty"`
}

type GiftCardPurchaseRequest struct {
	StoreID          string `json:"store_id"`
	SessionID        string `json:"session_id"`
	OperatorID       string `json:"operator_id"`
	PaymentMethodID  string `json:"payment_method_id"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Amount           int64  `json:"amount"`
	WithPIN          bool   `json:"with_pin"`
	CustomerRef      string `json:"customer_ref,omitempty"`
}

type GiftCardPurchaseResult struct {
	Card        GiftCard            `json:"card"`
	PIN         string              `json:"pin,omitempty"`
	Transaction GiftCardTransaction `json:"transaction"`
	Purchase    PurchaseResult      `json:"purchase"`
}

type GiftCardRedeemRequest struct {
	StoreID    string `json:"store_id"`
	Code       string `json:"code"`
	Amount     int64  `json:"amount"`
	ChargeID   string `json:"charge_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	OperatorID string `json:"operator_id"`
	PIN        string `json:"pin,omitempty"`
}

type GiftCardValidation struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	Balance int64  `json:"balance"`
}

type GiftCardRefundRequest struct {
	StoreID          string `json:"store_id"`
	CardID           string `json:"card_id"`
	Reason           string `json:"reason"`
	PaymentMethodID  string `json:"payment_method_id"`
	PaymentReference string `json:"payment_reference,omitempty"`
	SessionID        string `json:"session_id"`
	OperatorID       string `json:"operator_id"`
}

type GiftCardVoidRequest struct {
	StoreID    string `json:"store_id"`
	CardID     string `json:"card_id"`
	Reason     string `json:"reason"`
	SessionID  string `json:"session_id,omitempty"`
	OperatorID string `json:"operator_id"`
}

type GiftCardAdjustRequest struct {
	StoreID    string `json:"store_id"`
	CardID     string `json:"card_id"`
	Delta      int64  `json:"delta"`
	Reason     string `json:"reason"`
	SessionID  string `json:"session_id,omitempty"`
	OperatorID string `json:"operator_id"`
}

type ReportRequest struct {
	StoreID    string `json:"store_id"`
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
}

type ZReportRequest struct {
	StoreID    string `json:"store_id"`
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	ActualCash *int64 `json:"actual_cash,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type PaymentTotal struct {
	PaymentMethodID string `json:"payment_method_id"`
	Provider        string `json:"provider"`
	Count           int64  `json:"count"`
	Amount          int64  `json:"amount"`
}

type FiscalCodeTotal struct {
	Code   FiscalCode `json:"code"`
	Count  int64      `json:"count"`
	Amount int64      `json:"amount"`
}

type SessionReport struct {
	Kind                  string            `json:"kind"`
	StoreID               string            `json:"store_id"`
	SessionID             string            `json:"session_id"`
	DeviceID              string            `json:"device_id"`
	SequenceNumber        int64             `json:"sequence_number"`
	OperatorID            string            `json:"operator_id"`
	Currency              string            `json:"currency"`
	OpenedAt              time.Time         `json:"opened_at"`
	ClosedAt              *time.Time        `json:"closed_at,omitempty"`
	GeneratedAt           time.Time         `json:"generated_at"`
	ChargeCount           int64             `json:"charge_count"`
	SalesCount            int64             `json:"sales_count"`
	ReturnsCount          int64             `json:"returns_count"`
	VoidsCount            int64             `json:"voids_count"`
	TotalAmount           int64             `json:"total_amount"`
	VATRate               string            `json:"vat_rate"`
	VATBase               int64             `json:"vat_base"`
	VATAmount             int64             `json:"vat_amount"`
	ByPaymentMethod       []PaymentTotal    `json:"by_payment_method"`
	ByFiscalPaymentCode   []FiscalCodeTotal `json:"by_fiscal_payment_code"`
	DrawerOpenCount       int64             `json:"drawer_open_count"`
	DrawerOpenWithoutSale int64             `json:"drawer_open_without_sale"`
	CashDeposits          int64             `json:"cash_deposits"`
	CashWithdrawals       int64             `json:"cash_withdrawals"`
	OpeningBalance        int64             `json:"opening_balance"`
	ExpectedCash          int64             `json:"expected_cash"`
	ActualCash            *int64            `json:"actual_cash,omitempty"`
	CashDifference        *int64            `json:"cash_difference,omitempty"`
	FiscalEventID         string            `json:"fiscal_event_id,omitempty"`
}
