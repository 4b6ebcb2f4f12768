package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/fiscal"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	a.recordOperator(r, domain.FiscalOperatorLogin, resp.StoreID, req.DeviceID, strings.ToLower(strings.TrimSpace(req.Username)))
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	a.recordOperator(r, domain.FiscalOperatorLogout, actor.StoreID, r.URL.Query().Get("device_id"), actor.Username)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// recordOperator logs operator login and logout. A failure is logged and
// never fails the request.
func (a *API) recordOperator(r *http.Request, code domain.FiscalCode, storeID, deviceID, username string) {
	if a.svc.Fiscal == nil || storeID == "" {
		return
	}
	_, _, err := a.svc.Fiscal.RecordStandalone(r.Context(), fiscal.Entry{
		StoreID:    storeID,
		DeviceID:   strings.TrimSpace(deviceID),
		OperatorID: username,
		Code:       code,
	})
	if err != nil {
		log.Warn().Err(err).Str("code", string(code)).Str("operator_id", username).Msg("operator event not recorded")
	}
}

func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context(), actor.StoreID)})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	cashier, err := a.auth.CreateCashier(r.Context(), actor.StoreID, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.OperatorID = actor.Username

	sess, err := a.svc.Sessions.Open(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (a *API) handleSessionCurrent(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, errors.New("device_id is required"))
		return
	}
	sess, err := a.svc.Sessions.Current(r.Context(), actorFrom(r.Context()).StoreID, deviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := a.svc.Sessions.Get(r.Context(), actorFrom(r.Context()).StoreID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.SessionID = r.PathValue("id")
	req.OperatorID = actor.Username

	sess, err := a.svc.Sessions.Close(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (a *API) handleExpectedCash(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	expected, err := a.svc.Sessions.ExpectedCash(r.Context(), actorFrom(r.Context()).StoreID, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    sessionID,
		"expected_cash": expected,
	})
}

func (a *API) handleCashMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.CashMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.SessionID = r.PathValue("id")
	req.OperatorID = actor.Username

	event, err := a.svc.Sessions.RecordCashMovement(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"fiscal_event": event})
}

func (a *API) handleDrawerOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.DrawerOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.SessionID = r.PathValue("id")
	req.OperatorID = actor.Username

	event, err := a.svc.Sessions.OpenDrawer(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"fiscal_event": event})
}

func (a *API) handleDrawerClosed(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	event, err := a.svc.Sessions.CloseDrawer(r.Context(), domain.DrawerOpenRequest{
		StoreID:    actor.StoreID,
		SessionID:  r.PathValue("id"),
		OperatorID: actor.Username,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"fiscal_event": event})
}

func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.GiftCardPIN != "" && !a.pinLimiter.Allow("gift-card:"+clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.SessionID = r.PathValue("id")
	req.OperatorID = actor.Username

	result, err := a.svc.Orders.ProcessPurchase(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleSplitPurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.SplitPurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.HasGiftCardPIN() && !a.pinLimiter.Allow("gift-card:"+clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.SessionID = r.PathValue("id")
	req.OperatorID = actor.Username

	result, err := a.svc.Orders.ProcessSplitPurchase(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.SessionID = r.PathValue("id")
	req.OperatorID = actor.Username

	result, err := a.svc.Orders.ProcessReturn(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handlePurchaseByIdempotency(w http.ResponseWriter, r *http.Request) {
	lookup, err := a.svc.Orders.LookupByIdempotency(r.Context(), actorFrom(r.Context()).StoreID, r.PathValue("key"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lookup)
}

func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.SessionID = r.PathValue("id")
	req.OperatorID = actor.Username

	result, err := a.svc.Orders.VoidPurchase(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleReceiptCopy(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	result, err := a.svc.Orders.CopyReceipt(r.Context(), domain.ReceiptCopyRequest{
		StoreID:    actor.StoreID,
		SessionID:  r.PathValue("id"),
		OperatorID: actor.Username,
		ReceiptID:  r.PathValue("receipt"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleXReport(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	rep, err := a.svc.Reports.XReport(r.Context(), domain.ReportRequest{
		StoreID:    actor.StoreID,
		SessionID:  r.PathValue("id"),
		OperatorID: actor.Username,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep})
}

func (a *API) handleZReport(w http.ResponseWriter, r *http.Request) {
	var req domain.ZReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.SessionID = r.PathValue("id")
	req.OperatorID = actor.Username

	rep, err := a.svc.Reports.ZReport(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep})
}

func (a *API) handleGiftCardPurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.GiftCardPurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.OperatorID = actor.Username

	result, err := a.svc.GiftCards.Purchase(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type giftCardValidateRequest struct {
	Code   string `json:"code"`
	Amount int64  `json:"amount"`
	PIN    string `json:"pin,omitempty"`
}

func (a *API) handleGiftCardValidate(w http.ResponseWriter, r *http.Request) {
	var req giftCardValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PIN != "" && !a.pinLimiter.Allow("gift-card:"+clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return
	}
	result, err := a.svc.GiftCards.Validate(r.Context(), actorFrom(r.Context()).StoreID, req.Code, req.Amount, req.PIN)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGiftCardRedeem(w http.ResponseWriter, r *http.Request) {
	var req domain.GiftCardRedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PIN != "" && !a.pinLimiter.Allow("gift-card:"+clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.OperatorID = actor.Username

	txn, err := a.svc.GiftCards.Redeem(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": txn})
}

func (a *API) handleGiftCardGet(w http.ResponseWriter, r *http.Request) {
	card, err := a.svc.GiftCards.Get(r.Context(), actorFrom(r.Context()).StoreID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": card})
}

func (a *API) handleGiftCardTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := a.svc.GiftCards.Transactions(r.Context(), actorFrom(r.Context()).StoreID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (a *API) handleGiftCardRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.GiftCardRefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.CardID = r.PathValue("id")
	req.OperatorID = actor.Username

	txn, err := a.svc.GiftCards.Refund(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": txn})
}

func (a *API) handleGiftCardVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.GiftCardVoidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.CardID = r.PathValue("id")
	req.OperatorID = actor.Username

	txn, err := a.svc.GiftCards.Void(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": txn})
}

func (a *API) handleGiftCardAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.GiftCardAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorFrom(r.Context())
	req.StoreID = actor.StoreID
	req.CardID = r.PathValue("id")
	req.OperatorID = actor.Username

	txn, err := a.svc.GiftCards.AdjustBalance(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": txn})
}

// parseRange reads from/to as RFC 3339 timestamps. The default window is
// the last 24 hours.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, domain.NewValidation("from", "must be RFC 3339")
		}
		from = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, domain.NewValidation("to", "must be RFC 3339")
		}
		to = parsed
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, domain.NewValidation("to", "must not be before from")
	}
	return from, to, nil
}

func (a *API) handleFiscalEvents(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)
	events, err := a.svc.Repo.ListFiscalEvents(r.Context(), actorFrom(r.Context()).StoreID, from, to, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleCharges(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	charges, err := a.svc.Repo.ListCharges(r.Context(), actorFrom(r.Context()).StoreID, from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"charges": charges})
}

type lifecycleRequest struct {
	Event    domain.FiscalCode `json:"event"`
	DeviceID string            `json:"device_id"`
}

// handleLifecycle records till application start, resume and shutdown.
// Repeated resumes inside the dedupe window report recorded=false.
func (a *API) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Event {
	case domain.FiscalAppStarted, domain.FiscalAppResumed, domain.FiscalAppShutdown:
	default:
		writeDomainError(w, domain.NewValidation("event", "must be an application lifecycle code, got %q", req.Event))
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeDomainError(w, domain.NewValidation("device_id", "is required"))
		return
	}

	actor := actorFrom(r.Context())
	event, recorded, err := a.svc.Fiscal.RecordStandalone(r.Context(), fiscal.Entry{
		StoreID:    actor.StoreID,
		DeviceID:   strings.TrimSpace(req.DeviceID),
		OperatorID: actor.Username,
		Code:       req.Event,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recorded":     recorded,
		"fiscal_event": event,
	})
}
