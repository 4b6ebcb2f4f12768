package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/fiscal"
	"kasseledger/backend/internal/giftcard"
	"kasseledger/backend/internal/metrics"
	"kasseledger/backend/internal/purchase"
	"kasseledger/backend/internal/report"
	"kasseledger/backend/internal/session"
	"kasseledger/backend/internal/store"
)

// Services are the components the API exposes.
type Services struct {
	Repo      store.Repository
	Sessions  *session.Manager
	Orders    *purchase.Orchestrator
	GiftCards *giftcard.Ledger
	Reports   *report.Aggregator
	Fiscal    *fiscal.Log
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

type API struct {
	svc           Services
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

func New(svc Services, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		svc:           svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.svc.Metrics != nil {
		mux.Handle("GET /metrics", a.svc.Metrics)
	}
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("GET /api/v1/auth/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("POST /api/v1/auth/logout", a.requireAuth(a.handleLogout, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/users/cashiers", a.requireAuth(a.handleListCashiers, "admin"))
	mux.HandleFunc("POST /api/v1/users/cashiers", a.requireAuth(a.handleCreateCashier, "admin"))

	mux.HandleFunc("POST /api/v1/sessions", a.requireAuth(a.handleSessionOpen, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/sessions/current", a.requireAuth(a.handleSessionCurrent, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/sessions/{id}", a.requireAuth(a.handleSessionGet, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/close", a.requireAuth(a.handleSessionClose, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/sessions/{id}/expected-cash", a.requireAuth(a.handleExpectedCash, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/cash-movements", a.requireAuth(a.handleCashMovement, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/drawer", a.requireAuth(a.handleDrawerOpen, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/drawer/closed", a.requireAuth(a.handleDrawerClosed, "cashier", "admin"))

	mux.HandleFunc("POST /api/v1/sessions/{id}/purchases", a.requireAuth(a.handlePurchase, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/split-purchases", a.requireAuth(a.handleSplitPurchase, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/returns", a.requireAuth(a.handleReturn, "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/voids", a.requireAuth(a.requireManagerPIN(a.handleVoid), "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/receipts/{receipt}/copy", a.requireAuth(a.handleReceiptCopy, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/purchases/idempotency/{key}", a.requireAuth(a.handlePurchaseByIdempotency, "cashier", "admin"))

	mux.HandleFunc("POST /api/v1/sessions/{id}/reports/x", a.requireAuth(a.handleXReport, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sessions/{id}/reports/z", a.requireAuth(a.handleZReport, "cashier", "admin"))

	mux.HandleFunc("POST /api/v1/gift-cards", a.requireAuth(a.handleGiftCardPurchase, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/gift-cards/validate", a.requireAuth(a.handleGiftCardValidate, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/gift-cards/redeem", a.requireAuth(a.handleGiftCardRedeem, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/gift-cards/{id}", a.requireAuth(a.handleGiftCardGet, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/gift-cards/{id}/transactions", a.requireAuth(a.handleGiftCardTransactions, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/gift-cards/{id}/refund", a.requireAuth(a.requireManagerPIN(a.handleGiftCardRefund), "admin"))
	mux.HandleFunc("POST /api/v1/gift-cards/{id}/void", a.requireAuth(a.requireManagerPIN(a.handleGiftCardVoid), "admin"))
	mux.HandleFunc("POST /api/v1/gift-cards/{id}/adjust", a.requireAuth(a.requireManagerPIN(a.handleGiftCardAdjust), "admin"))

	mux.HandleFunc("GET /api/v1/fiscal/events", a.requireAuth(a.handleFiscalEvents, "admin"))
	mux.HandleFunc("GET /api/v1/fiscal/charges", a.requireAuth(a.handleCharges, "admin"))
	mux.HandleFunc("POST /api/v1/fiscal/lifecycle", a.requireAuth(a.handleLifecycle, "cashier", "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

// requireManagerPIN gates voids and manual gift card corrections behind the
// manager PIN carried in X-Manager-PIN.
func (a *API) requireManagerPIN(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.pinLimiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get("X-Manager-PIN")) {
			writeError(w, http.StatusForbidden, errors.New("invalid manager PIN"))
			return
		}
		next(w, r)
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// csrfExemptPaths are called before a client can hold a CSRF token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
	"/api/v1/fiscal/lifecycle",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Manager-PIN")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())
		log.Info().
			Str("component", "httpapi").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch domain.ErrorKind(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict", "invalid_state":
		return http.StatusConflict
	case "insufficient_balance":
		return http.StatusUnprocessableEntity
	case "settlement_not_found":
		return http.StatusGatewayTimeout
	case "lock_timeout":
		return http.StatusServiceUnavailable
	case "dependency":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError reports a component error with its stable kind.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	kind := domain.ErrorKind(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "httpapi").Msg("internal error")
		msg = "internal server error"
	} else if status >= 500 {
		log.Warn().Err(err).Str("component", "httpapi").Str("kind", kind).Msg("upstream failure")
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"kind":  kind,
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Str("component", "httpapi").Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
