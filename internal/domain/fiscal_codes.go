package domain

import "sort"

// FiscalCode identifies an auditable business occurrence. The set is closed:
// every value must have an entry in fiscalCatalog, and codes are never renamed
// once written to the log.
type FiscalCode string

const (
	FiscalSessionOpened FiscalCode = "session_opened"
	FiscalSessionClosed FiscalCode = "session_closed"

	FiscalAppStarted  FiscalCode = "app_started"
	FiscalAppResumed  FiscalCode = "app_resumed"
	FiscalAppShutdown FiscalCode = "app_shutdown"

	FiscalOperatorLogin  FiscalCode = "operator_login"
	FiscalOperatorLogout FiscalCode = "operator_logout"

	FiscalDrawerOpened            FiscalCode = "drawer_opened"
	FiscalDrawerClosed            FiscalCode = "drawer_closed"
	FiscalDrawerOpenedWithoutSale FiscalCode = "drawer_opened_without_sale"

	FiscalCashDeposit    FiscalCode = "cash_deposit"
	FiscalCashWithdrawal FiscalCode = "cash_withdrawal"

	FiscalXReport FiscalCode = "x_report"
	FiscalZReport FiscalCode = "z_report"

	FiscalSalesReceipt      FiscalCode = "sales_receipt"
	FiscalReturnReceipt     FiscalCode = "return_receipt"
	FiscalCorrectionReceipt FiscalCode = "correction_receipt"
	FiscalCopyReceipt       FiscalCode = "copy_receipt"
	FiscalTransactionVoided FiscalCode = "transaction_voided"

	FiscalPaymentCash     FiscalCode = "payment_cash"
	FiscalPaymentCard     FiscalCode = "payment_card"
	FiscalPaymentOther    FiscalCode = "payment_other"
	FiscalPaymentGiftCard FiscalCode = "payment_gift_card"

	FiscalGiftCardPurchased FiscalCode = "gift_card_purchased"
	FiscalGiftCardRedeemed  FiscalCode = "gift_card_redeemed"
	FiscalGiftCardRefunded  FiscalCode = "gift_card_refunded"
	FiscalGiftCardVoided    FiscalCode = "gift_card_voided"
	FiscalGiftCardAdjusted  FiscalCode = "gift_card_adjusted"
)

const (
	FiscalCategorySession     = "session"
	FiscalCategoryApplication = "application"
	FiscalCategoryOperator    = "operator"
	FiscalCategoryDrawer      = "drawer"
	FiscalCategoryCash        = "cash"
	FiscalCategoryReport      = "report"
	FiscalCategoryReceipt     = "receipt"
	FiscalCategoryTransaction = "transaction"
	FiscalCategoryPayment     = "payment"
	FiscalCategoryGiftCard    = "gift_card"
)

type fiscalCodeInfo struct {
	category     string
	description  string
	suppressible bool
}

var fiscalCatalog = map[FiscalCode]fiscalCodeInfo{
	FiscalSessionOpened: {FiscalCategorySession, "Cash register session opened", false},
	FiscalSessionClosed: {FiscalCategorySession, "Cash register session closed", false},

	FiscalAppStarted:  {FiscalCategoryApplication, "POS application started", false},
	FiscalAppResumed:  {FiscalCategoryApplication, "POS application resumed", true},
	FiscalAppShutdown: {FiscalCategoryApplication, "POS application shut down", false},

	FiscalOperatorLogin:  {FiscalCategoryOperator, "Operator logged in", false},
	FiscalOperatorLogout: {FiscalCategoryOperator, "Operator logged out", false},

	FiscalDrawerOpened:            {FiscalCategoryDrawer, "Cash drawer opened", false},
	FiscalDrawerClosed:            {FiscalCategoryDrawer, "Cash drawer closed", false},
	FiscalDrawerOpenedWithoutSale: {FiscalCategoryDrawer, "Cash drawer opened without sale", false},

	FiscalCashDeposit:    {FiscalCategoryCash, "Cash deposited into drawer", false},
	FiscalCashWithdrawal: {FiscalCategoryCash, "Cash withdrawn from drawer", false},

	FiscalXReport: {FiscalCategoryReport, "X report generated", false},
	FiscalZReport: {FiscalCategoryReport, "Z report generated", false},

	FiscalSalesReceipt:      {FiscalCategoryReceipt, "Sales receipt", false},
	FiscalReturnReceipt:     {FiscalCategoryReceipt, "Return receipt", false},
	FiscalCorrectionReceipt: {FiscalCategoryReceipt, "Correction receipt", false},
	FiscalCopyReceipt:       {FiscalCategoryReceipt, "Copy receipt", false},
	FiscalTransactionVoided: {FiscalCategoryTransaction, "Transaction voided", false},

	FiscalPaymentCash:     {FiscalCategoryPayment, "Cash payment", false},
	FiscalPaymentCard:     {FiscalCategoryPayment, "Card payment", false},
	FiscalPaymentOther:    {FiscalCategoryPayment, "Other payment", false},
	FiscalPaymentGiftCard: {FiscalCategoryPayment, "Gift card payment", false},

	FiscalGiftCardPurchased: {FiscalCategoryGiftCard, "Gift card purchased", false},
	FiscalGiftCardRedeemed:  {FiscalCategoryGiftCard, "Gift card redeemed", false},
	FiscalGiftCardRefunded:  {FiscalCategoryGiftCard, "Gift card refunded", false},
	FiscalGiftCardVoided:    {FiscalCategoryGiftCard, "Gift card voided", false},
	FiscalGiftCardAdjusted:  {FiscalCategoryGiftCard, "Gift card balance adjusted", false},
}

func (c FiscalCode) Valid() bool {
	_, ok := fiscalCatalog[c]
	return ok
}

func (c FiscalCode) Category() string {
	return fiscalCatalog[c].category
}

func (c FiscalCode) Description() string {
	return fiscalCatalog[c].description
}

// Suppressible reports whether repeated occurrences inside the dedupe window
// may be dropped instead of written.
func (c FiscalCode) Suppressible() bool {
	return fiscalCatalog[c].suppressible
}

// FiscalCodes lists every known code in lexical order.
func FiscalCodes() []FiscalCode {
	codes := make([]FiscalCode, 0, len(fiscalCatalog))
	for code := range fiscalCatalog {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// PaymentFiscalCode maps a provider to its payment category code.
func PaymentFiscalCode(provider string) FiscalCode {
	switch provider {
	case ProviderCash:
		return FiscalPaymentCash
	case ProviderCard:
		return FiscalPaymentCard
	case ProviderGiftCard:
		return FiscalPaymentGiftCard
	default:
		return FiscalPaymentOther
	}
}
