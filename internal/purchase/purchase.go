package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/fiscal"
	"kasseledger/backend/internal/hardware"
	"kasseledger/backend/internal/metrics"
	"kasseledger/backend/internal/payment"
	"kasseledger/backend/internal/receipt"
	"kasseledger/backend/internal/session"
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/xid"
)

// Hook extends a purchase's unit of work. It runs after the charges, the
// receipt and the fiscal event are written and before the session counters
// move; an error rolls the whole purchase back.
type Hook func(ctx context.Context, tx store.Tx, result *domain.PurchaseResult) error

// Orchestrator runs purchases and returns as single units of work:
// charges, receipt, fiscal event and session counters commit together or
// not at all. Settlement happens before the unit of work opens.
type Orchestrator struct {
	repo     store.Repository
	sessions *session.Manager
	router   *payment.Router
	renderer receipt.Renderer
	fiscal   *fiscal.Log
	hardware hardware.Dispatcher
	defaults domain.StoreProfile
	now      func() time.Time
}

func NewOrchestrator(
	repo store.Repository,
	sessions *session.Manager,
	router *payment.Router,
	renderer receipt.Renderer,
	fiscalLog *fiscal.Log,
	dispatcher hardware.Dispatcher,
	defaults domain.StoreProfile,
) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		sessions: sessions,
		router:   router,
		renderer: renderer,
		fiscal:   fiscalLog,
		hardware: dispatcher,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Profile resolves the store profile with the configured fallbacks.
func (o *Orchestrator) Profile(ctx context.Context, storeID string) (domain.StoreProfile, error) {
	return store.Profile(ctx, o.repo, storeID, o.defaults)
}

func (o *Orchestrator) ProcessPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResult, error) {
	return o.ProcessSplitPurchaseWith(ctx, req.Split(), nil)
}

func (o *Orchestrator) ProcessSplitPurchase(ctx context.Context, req domain.SplitPurchaseRequest) (domain.PurchaseResult, error) {
	return o.ProcessSplitPurchaseWith(ctx, req, nil)
}

// ProcessSplitPurchaseWith settles every payment line in order, then writes
// all resulting charges under one receipt and one sales_receipt event.
func (o *Orchestrator) ProcessSplitPurchaseWith(ctx context.Context, req domain.SplitPurchaseRequest, hook Hook) (domain.PurchaseResult, error) {
	started := time.Now()
	result, err := o.processSplit(ctx, req, hook)
	observe(domain.ReceiptKindSale, started, err)
	return result, err
}

func (o *Orchestrator) processSplit(ctx context.Context, req domain.SplitPurchaseRequest, hook Hook) (domain.PurchaseResult, error) {
	if err := validateSplit(req); err != nil {
		return domain.PurchaseResult{}, err
	}
	if req.IdempotencyKey != "" {
		replayed, err := o.replay(ctx, req.StoreID, req.IdempotencyKey)
		if err == nil {
			return replayed, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.PurchaseResult{}, err
		}
	}
	profile, err := o.Profile(ctx, req.StoreID)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	if err := o.requireOpen(ctx, req.StoreID, req.SessionID, "purchase"); err != nil {
		return domain.PurchaseResult{}, err
	}

	methods := make([]domain.PaymentMethod, 0, len(req.Payments))
	for _, line := range req.Payments {
		method, err := o.enabledMethod(ctx, req.StoreID, line.PaymentMethodID)
		if err != nil {
			return domain.PurchaseResult{}, err
		}
		methods = append(methods, method)
	}

	settlements := make([]payment.Settlement, 0, len(req.Payments))
	for i, line := range req.Payments {
		s, err := o.router.Settle(ctx, methods[i], line, profile.Currency)
		if err != nil {
			return domain.PurchaseResult{}, err
		}
		settlements = append(settlements, s)
	}

	result, err := o.commit(ctx, unit{
		profile:        profile,
		storeID:        req.StoreID,
		sessionID:      req.SessionID,
		operatorID:     req.OperatorID,
		kind:           domain.ReceiptKindSale,
		code:           domain.FiscalSalesReceipt,
		settlements:    settlements,
		cart:           req.Cart,
		metadata:       req.Metadata,
		idempotencyKey: req.IdempotencyKey,
	}, hook)
	if err != nil && req.IdempotencyKey != "" && errors.Is(err, domain.ErrConflict) {
		// A concurrent request with the same key committed first.
		if replayed, rerr := o.replay(ctx, req.StoreID, req.IdempotencyKey); rerr == nil {
			return replayed, nil
		}
	}
	return result, err
}

// LookupByIdempotency reports the purchase committed under key, if any.
func (o *Orchestrator) LookupByIdempotency(ctx context.Context, storeID string, key string) (domain.PurchaseLookup, error) {
	switch {
	case storeID == "":
		return domain.PurchaseLookup{}, domain.NewValidation("store_id", "is required")
	case strings.TrimSpace(key) == "":
		return domain.PurchaseLookup{}, domain.NewValidation("idempotency_key", "is required")
	}
	result, err := o.replay(ctx, storeID, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PurchaseLookup{Found: false}, nil
	}
	if err != nil {
		return domain.PurchaseLookup{}, err
	}
	return domain.PurchaseLookup{Found: true, Purchase: &result}, nil
}

func (o *Orchestrator) replay(ctx context.Context, storeID string, key string) (domain.PurchaseResult, error) {
	rcpt, err := o.repo.FindReceiptByIdempotency(ctx, storeID, key)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	result, err := o.resultOf(ctx, *rcpt)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	result.Replayed = true
	return result, nil
}

// resultOf rebuilds the committed result of a receipt from the ledger.
func (o *Orchestrator) resultOf(ctx context.Context, rcpt domain.Receipt) (domain.PurchaseResult, error) {
	charges, err := o.chargesOf(ctx, rcpt)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	result := domain.PurchaseResult{Charges: charges, Receipt: rcpt}

	events, err := o.repo.ListSessionFiscalEvents(ctx, rcpt.StoreID, rcpt.SessionID)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	code := receiptCode(rcpt.Kind)
	for _, ev := range events {
		if ev.Code == code && ev.RelatedChargeID == rcpt.ChargeIDs[0] {
			result.FiscalEvent = ev
			break
		}
	}
	return result, nil
}

func (o *Orchestrator) chargesOf(ctx context.Context, rcpt domain.Receipt) ([]domain.Charge, error) {
	all, err := o.repo.ListSessionCharges(ctx, rcpt.StoreID, rcpt.SessionID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Charge, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}
	charges := make([]domain.Charge, 0, len(rcpt.ChargeIDs))
	for _, id := range rcpt.ChargeIDs {
		c, ok := byID[id]
		if !ok {
			return nil, domain.NewNotFound("charge", id)
		}
		charges = append(charges, c)
	}
	return charges, nil
}

// VoidPurchase cancels a sale from the current session: every charge is
// mirrored by a negative charge under a correction receipt, the originals
// are flagged refunded and a transaction_voided event links the two.
func (o *Orchestrator) VoidPurchase(ctx context.Context, req domain.VoidRequest) (domain.VoidResult, error) {
	started := time.Now()
	result, err := o.voidPurchase(ctx, req)
	observe(domain.ReceiptKindCorrection, started, err)
	return result, err
}

type voidPayload struct {
	ReceiptID               string `json:"receipt_id"`
	ReceiptNumber           int64  `json:"receipt_number"`
	CorrectionReceiptID     string `json:"correction_receipt_id"`
	CorrectionReceiptNumber int64  `json:"correction_receipt_number"`
	TotalAmount             int64  `json:"total_amount"`
	Reason                  string `json:"reason"`
}

func (o *Orchestrator) voidPurchase(ctx context.Context, req domain.VoidRequest) (domain.VoidResult, error) {
	switch {
	case req.StoreID == "":
		return domain.VoidResult{}, domain.NewValidation("store_id", "is required")
	case req.OperatorID == "":
		return domain.VoidResult{}, domain.NewValidation("operator_id", "is required")
	case req.ReceiptID == "":
		return domain.VoidResult{}, domain.NewValidation("receipt_id", "is required")
	case strings.TrimSpace(req.Reason) == "":
		return domain.VoidResult{}, domain.NewValidation("reason", "is required to void a purchase")
	}
	profile, err := o.Profile(ctx, req.StoreID)
	if err != nil {
		return domain.VoidResult{}, err
	}
	if err := o.requireOpen(ctx, req.StoreID, req.SessionID, "void"); err != nil {
		return domain.VoidResult{}, err
	}
	original, err := o.repo.GetReceipt(ctx, req.StoreID, req.ReceiptID)
	if err != nil {
		return domain.VoidResult{}, err
	}
	if original.SessionID != req.SessionID {
		return domain.VoidResult{}, &domain.InvalidStateError{Entity: "receipt", ID: original.ID, State: "issued in session " + original.SessionID, Operation: "void"}
	}
	if original.Kind != domain.ReceiptKindSale {
		return domain.VoidResult{}, &domain.InvalidStateError{Entity: "receipt", ID: original.ID, State: original.Kind, Operation: "void"}
	}

	charges, err := o.chargesOf(ctx, *original)
	if err != nil {
		return domain.VoidResult{}, err
	}
	settlements := make([]payment.Settlement, 0, len(charges))
	for _, c := range charges {
		method, err := o.repo.GetPaymentMethod(ctx, req.StoreID, c.PaymentMethodID)
		if err != nil {
			return domain.VoidResult{}, err
		}
		s, err := o.router.Reverse(*method, c)
		if err != nil {
			return domain.VoidResult{}, err
		}
		settlements = append(settlements, s)
	}

	var voided domain.FiscalEvent
	hook := func(ctx context.Context, tx store.Tx, result *domain.PurchaseResult) error {
		for _, c := range charges {
			locked, err := tx.LockCharge(ctx, c.StoreID, c.ID)
			if err != nil {
				return err
			}
			if locked.Refunded {
				return &domain.InvalidStateError{Entity: "charge", ID: locked.ID, State: "voided", Operation: "void"}
			}
			locked.Refunded = true
			locked.Metadata, err = annotate(locked.Metadata, map[string]string{
				"voided_by_receipt": result.Receipt.ID,
				"void_reason":       req.Reason,
			})
			if err != nil {
				return err
			}
			if err := tx.UpdateCharge(ctx, *locked); err != nil {
				return err
			}
		}

		var err error
		voided, err = o.fiscal.Record(ctx, tx, fiscal.Entry{
			StoreID:         result.FiscalEvent.StoreID,
			DeviceID:        result.FiscalEvent.DeviceID,
			SessionID:       result.FiscalEvent.SessionID,
			OperatorID:      req.OperatorID,
			Code:            domain.FiscalTransactionVoided,
			RelatedChargeID: original.ChargeIDs[0],
			Payload: voidPayload{
				ReceiptID:               original.ID,
				ReceiptNumber:           original.Number,
				CorrectionReceiptID:     result.Receipt.ID,
				CorrectionReceiptNumber: result.Receipt.Number,
				TotalAmount:             original.TotalAmount,
				Reason:                  req.Reason,
			},
			OccurredAt: result.Receipt.CreatedAt,
		})
		return err
	}

	correction, err := o.commit(ctx, unit{
		profile:     profile,
		storeID:     req.StoreID,
		sessionID:   req.SessionID,
		operatorID:  req.OperatorID,
		kind:        domain.ReceiptKindCorrection,
		code:        domain.FiscalCorrectionReceipt,
		settlements: settlements,
		cart:        domain.Cart{Total: -original.TotalAmount},
		reason:      req.Reason,
	}, hook)
	if err != nil {
		return domain.VoidResult{}, err
	}

	log.Info().
		Str("component", "purchase").
		Str("store_id", req.StoreID).
		Str("receipt_id", original.ID).
		Str("correction_receipt_id", correction.Receipt.ID).
		Str("operator_id", req.OperatorID).
		Msg("purchase voided")
	return domain.VoidResult{Voided: *original, Correction: correction, FiscalEvent: voided}, nil
}

// CopyReceipt records a copy_receipt event for an issued receipt and sends
// it to the printer again.
func (o *Orchestrator) CopyReceipt(ctx context.Context, req domain.ReceiptCopyRequest) (domain.ReceiptCopyResult, error) {
	switch {
	case req.StoreID == "":
		return domain.ReceiptCopyResult{}, domain.NewValidation("store_id", "is required")
	case req.OperatorID == "":
		return domain.ReceiptCopyResult{}, domain.NewValidation("operator_id", "is required")
	case req.ReceiptID == "":
		return domain.ReceiptCopyResult{}, domain.NewValidation("receipt_id", "is required")
	}
	rcpt, err := o.repo.GetReceipt(ctx, req.StoreID, req.ReceiptID)
	if err != nil {
		return domain.ReceiptCopyResult{}, err
	}
	if req.SessionID != "" && rcpt.SessionID != req.SessionID {
		return domain.ReceiptCopyResult{}, domain.NewNotFound("receipt", req.ReceiptID)
	}
	sess, err := o.repo.GetSession(ctx, req.StoreID, rcpt.SessionID)
	if err != nil {
		return domain.ReceiptCopyResult{}, err
	}

	event, _, err := o.fiscal.RecordStandalone(ctx, fiscal.Entry{
		StoreID:         sess.StoreID,
		DeviceID:        sess.DeviceID,
		SessionID:       sess.ID,
		OperatorID:      req.OperatorID,
		Code:            domain.FiscalCopyReceipt,
		RelatedChargeID: rcpt.ChargeIDs[0],
		Payload: map[string]any{
			"receipt_id":     rcpt.ID,
			"receipt_number": rcpt.Number,
		},
	})
	if err != nil {
		return domain.ReceiptCopyResult{}, err
	}
	if o.hardware != nil {
		o.hardware.Dispatch(ctx, hardware.PrintJob(sess.StoreID, sess.DeviceID, rcpt.ID, rcpt.Artifact))
	}
	return domain.ReceiptCopyResult{Receipt: *rcpt, FiscalEvent: event}, nil
}

func (o *Orchestrator) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.PurchaseResult, error) {
	return o.ProcessReturnWith(ctx, req, nil)
}

// ProcessReturnWith pays req.Amount back through one method as a single
// negative charge with a return receipt.
func (o *Orchestrator) ProcessReturnWith(ctx context.Context, req domain.ReturnRequest, hook Hook) (domain.PurchaseResult, error) {
	started := time.Now()
	result, err := o.processReturn(ctx, req, hook)
	observe(domain.ReceiptKindReturn, started, err)
	return result, err
}

func (o *Orchestrator) processReturn(ctx context.Context, req domain.ReturnRequest, hook Hook) (domain.PurchaseResult, error) {
	switch {
	case req.StoreID == "":
		return domain.PurchaseResult{}, domain.NewValidation("store_id", "is required")
	case req.OperatorID == "":
		return domain.PurchaseResult{}, domain.NewValidation("operator_id", "is required")
	case req.Amount <= 0:
		return domain.PurchaseResult{}, domain.NewValidation("amount", "must be positive, got %d (minor units)", req.Amount)
	case len(req.Metadata) > 0 && !json.Valid(req.Metadata):
		return domain.PurchaseResult{}, domain.NewValidation("metadata", "is not valid JSON")
	}
	profile, err := o.Profile(ctx, req.StoreID)
	if err != nil {
		return domain.PurchaseResult{}, err
	}
	if err := o.requireOpen(ctx, req.StoreID, req.SessionID, "return"); err != nil {
		return domain.PurchaseResult{}, err
	}
	method, err := o.enabledMethod(ctx, req.StoreID, req.PaymentMethodID)
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	s, err := o.router.Settle(ctx, method, domain.PaymentLine{
		PaymentMethodID: method.ID,
		Amount:          -req.Amount,
		Reference:       req.Reference,
	}, profile.Currency)
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	return o.commit(ctx, unit{
		profile:     profile,
		storeID:     req.StoreID,
		sessionID:   req.SessionID,
		operatorID:  req.OperatorID,
		kind:        domain.ReceiptKindReturn,
		code:        domain.FiscalReturnReceipt,
		settlements: []payment.Settlement{s},
		cart:        domain.Cart{Total: -req.Amount},
		reason:      req.Reason,
		metadata:    req.Metadata,
	}, hook)
}

type unit struct {
	profile     domain.StoreProfile
	storeID     string
	sessionID   string
	operatorID  string
	kind        string
	code        domain.FiscalCode
	settlements []payment.Settlement
	cart        domain.Cart
	reason      string
	metadata    json.RawMessage

	idempotencyKey string
}

type paymentSummary struct {
	PaymentMethodID   string            `json:"payment_method_id"`
	Provider          string            `json:"provider"`
	FiscalPaymentCode domain.FiscalCode `json:"fiscal_payment_code"`
	Amount            int64             `json:"amount"`
	Status            string            `json:"status"`
}

func summarize(c domain.Charge) paymentSummary {
	return paymentSummary{
		PaymentMethodID:   c.PaymentMethodID,
		Provider:          c.Provider,
		FiscalPaymentCode: c.FiscalPaymentCode,
		Amount:            c.Amount,
		Status:            c.Status,
	}
}

type receiptPayload struct {
	ReceiptID     string           `json:"receipt_id"`
	ReceiptNumber int64            `json:"receipt_number"`
	TotalAmount   int64            `json:"total_amount"`
	Currency      string           `json:"currency"`
	Payments      []paymentSummary `json:"payments"`
	Reason        string           `json:"reason,omitempty"`
}

func (o *Orchestrator) commit(ctx context.Context, u unit, hook Hook) (domain.PurchaseResult, error) {
	var (
		result domain.PurchaseResult
		sess   domain.Session
	)
	err := o.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := o.sessions.LockOpen(ctx, tx, u.storeID, u.sessionID, u.kind)
		if err != nil {
			return err
		}

		charges := make([]domain.Charge, 0, len(u.settlements))
		for _, s := range u.settlements {
			charge, err := o.router.Record(ctx, tx, *locked, u.operatorID, s, u.code, u.metadata)
			if err != nil {
				return err
			}
			_, err = o.fiscal.Record(ctx, tx, fiscal.Entry{
				StoreID:         locked.StoreID,
				DeviceID:        locked.DeviceID,
				SessionID:       locked.ID,
				OperatorID:      u.operatorID,
				Code:            charge.FiscalPaymentCode,
				RelatedChargeID: charge.ID,
				Payload:         summarize(charge),
				OccurredAt:      charge.CreatedAt,
			})
			if err != nil {
				return err
			}
			charges = append(charges, charge)
		}

		rcpt, err := o.issueReceipt(ctx, tx, u, *locked, charges)
		if err != nil {
			return err
		}

		payments := make([]paymentSummary, 0, len(charges))
		for _, c := range charges {
			payments = append(payments, summarize(c))
		}
		event, err := o.fiscal.Record(ctx, tx, fiscal.Entry{
			StoreID:         locked.StoreID,
			DeviceID:        locked.DeviceID,
			SessionID:       locked.ID,
			OperatorID:      u.operatorID,
			Code:            u.code,
			RelatedChargeID: charges[0].ID,
			Payload: receiptPayload{
				ReceiptID:     rcpt.ID,
				ReceiptNumber: rcpt.Number,
				TotalAmount:   rcpt.TotalAmount,
				Currency:      rcpt.Currency,
				Payments:      payments,
				Reason:        u.reason,
			},
			OccurredAt: rcpt.CreatedAt,
		})
		if err != nil {
			return err
		}

		result = domain.PurchaseResult{Charges: charges, Receipt: rcpt, FiscalEvent: event}
		if hook != nil {
			if err := hook(ctx, tx, &result); err != nil {
				return err
			}
		}

		if err := o.sessions.ApplySale(ctx, tx, locked, charges); err != nil {
			return err
		}
		sess = *locked
		return nil
	})
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	o.afterCommit(ctx, u, sess, result)
	return result, nil
}

func (o *Orchestrator) issueReceipt(ctx context.Context, tx store.Tx, u unit, sess domain.Session, charges []domain.Charge) (domain.Receipt, error) {
	number, err := tx.NextReceiptNumber(ctx, sess.StoreID)
	if err != nil {
		return domain.Receipt{}, err
	}
	issuedAt := o.now()
	artifact, err := o.renderer.Render(ctx, receipt.Input{
		Store:    u.profile,
		Session:  sess,
		Number:   number,
		Kind:     u.kind,
		Charges:  charges,
		Cart:     u.cart,
		Reason:   u.reason,
		IssuedAt: issuedAt,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrDependency) {
			err = &domain.DependencyError{Dependency: "receipt renderer", Err: err}
		}
		return domain.Receipt{}, err
	}

	r := domain.Receipt{
		ID:          xid.New("rcpt"),
		StoreID:     sess.StoreID,
		SessionID:   sess.ID,
		Number:      number,
		Kind:        u.kind,
		Currency:    u.profile.Currency,
		Artifact:    artifact.Data,
		PreviewText: artifact.Preview,
		CreatedAt:   issuedAt,

		IdempotencyKey: u.idempotencyKey,
	}
	for _, c := range charges {
		r.ChargeIDs = append(r.ChargeIDs, c.ID)
		r.TotalAmount += c.Amount
	}
	if err := tx.CreateReceipt(ctx, r); err != nil {
		return domain.Receipt{}, err
	}
	return r, nil
}

// afterCommit fires the drawer and printer. Nothing here can fail the
// purchase.
func (o *Orchestrator) afterCommit(ctx context.Context, u unit, sess domain.Session, result domain.PurchaseResult) {
	for _, c := range result.Charges {
		metrics.ChargesTotal.WithLabelValues(c.Provider, c.Status).Inc()
	}

	if touchesCash(result.Charges) {
		_, _, err := o.fiscal.RecordStandalone(ctx, fiscal.Entry{
			StoreID:         sess.StoreID,
			DeviceID:        sess.DeviceID,
			SessionID:       sess.ID,
			OperatorID:      u.operatorID,
			Code:            domain.FiscalDrawerOpened,
			RelatedChargeID: result.Charges[0].ID,
		})
		if err != nil {
			metrics.SideEffectFailuresTotal.WithLabelValues("drawer_event").Inc()
			log.Warn().
				Err(err).
				Str("component", "purchase").
				Str("session_id", sess.ID).
				Str("receipt_id", result.Receipt.ID).
				Msg("failed to record drawer opened event")
		}
		if o.hardware != nil {
			o.hardware.Dispatch(ctx, hardware.DrawerJob(sess.StoreID, sess.DeviceID))
		}
	}

	if u.profile.AutoPrint && o.hardware != nil {
		o.hardware.Dispatch(ctx, hardware.PrintJob(sess.StoreID, sess.DeviceID, result.Receipt.ID, result.Receipt.Artifact))
	}

	log.Info().
		Str("component", "purchase").
		Str("store_id", sess.StoreID).
		Str("session_id", sess.ID).
		Str("kind", u.kind).
		Int64("receipt_number", result.Receipt.Number).
		Int64("total_amount", result.Receipt.TotalAmount).
		Int("charges", len(result.Charges)).
		Msg("purchase committed")
}

// requireOpen fails fast before any payment is routed. The session is locked
// and checked again inside the unit of work.
func (o *Orchestrator) requireOpen(ctx context.Context, storeID string, sessionID string, operation string) error {
	if sessionID == "" {
		return domain.NewValidation("session_id", "is required")
	}
	s, err := o.repo.GetSession(ctx, storeID, sessionID)
	if err != nil {
		return err
	}
	if !s.IsOpen() {
		return &domain.InvalidStateError{Entity: "session", ID: s.ID, State: s.Status, Operation: operation}
	}
	return nil
}

func (o *Orchestrator) enabledMethod(ctx context.Context, storeID string, methodID string) (domain.PaymentMethod, error) {
	if methodID == "" {
		return domain.PaymentMethod{}, domain.NewValidation("payment_method_id", "is required")
	}
	method, err := o.repo.GetPaymentMethod(ctx, storeID, methodID)
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	if !method.Enabled {
		return domain.PaymentMethod{}, &domain.InvalidStateError{Entity: "payment method", ID: method.ID, State: "disabled", Operation: "payment"}
	}
	return *method, nil
}

func validateSplit(req domain.SplitPurchaseRequest) error {
	switch {
	case req.StoreID == "":
		return domain.NewValidation("store_id", "is required")
	case req.OperatorID == "":
		return domain.NewValidation("operator_id", "is required")
	case len(req.Payments) == 0:
		return domain.NewValidation("payments", "at least one payment line is required")
	case req.Cart.Total <= 0:
		return domain.NewValidation("cart.total", "must be positive, got %d (minor units)", req.Cart.Total)
	case len(req.Metadata) > 0 && !json.Valid(req.Metadata):
		return domain.NewValidation("metadata", "is not valid JSON")
	}
	if len(req.Cart.Items) > 0 {
		lines, err := req.Cart.LinesTotal()
		if err != nil {
			return err
		}
		if lines != req.Cart.Total {
			return domain.NewValidation("cart.total", "is %d but line items add up to %d (minor units)", req.Cart.Total, lines)
		}
	}

	var sum int64
	for i, line := range req.Payments {
		if line.Amount <= 0 {
			return domain.NewValidation("payments", "line %d amount must be positive, got %d (minor units)", i, line.Amount)
		}
		// sum never exceeds the total, so the subtraction cannot overflow.
		if line.Amount > req.Cart.Total-sum {
			return domain.NewValidation("payments", "line %d takes the sum past cart total %d (minor units)", i, req.Cart.Total)
		}
		sum += line.Amount
	}
	if sum != req.Cart.Total {
		return domain.NewValidation("payments", "sum %d does not match cart total %d (minor units)", sum, req.Cart.Total)
	}
	return nil
}

func receiptCode(kind string) domain.FiscalCode {
	switch kind {
	case domain.ReceiptKindReturn:
		return domain.FiscalReturnReceipt
	case domain.ReceiptKindCorrection:
		return domain.FiscalCorrectionReceipt
	default:
		return domain.FiscalSalesReceipt
	}
}

// annotate merges fields into a charge's JSON metadata. Metadata that is
// not an object is kept under "metadata".
func annotate(meta json.RawMessage, fields map[string]string) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &merged); err != nil || merged == nil {
			merged = map[string]any{"metadata": meta}
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func touchesCash(charges []domain.Charge) bool {
	for _, c := range charges {
		if c.Provider == domain.ProviderCash && c.Status == domain.ChargeStatusSucceeded {
			return true
		}
	}
	return false
}

func observe(kind string, started time.Time, err error) {
	metrics.PurchaseDuration.Observe(time.Since(started).Seconds())
	outcome := "committed"
	if err != nil {
		outcome = domain.ErrorKind(err)
	}
	metrics.PurchasesTotal.WithLabelValues(kind, outcome).Inc()
	if err != nil {
		log.Debug().Err(err).Str("component", "purchase").Str("kind", kind).Msg("purchase rejected")
	}
}
