package session

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
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/xid"
)

// Manager owns the session state machine and cash reconciliation. It is the
// only writer of session rows.
type Manager struct {
	repo     store.Repository
	fiscal   *fiscal.Log
	hardware hardware.Dispatcher
	now      func() time.Time
}

func NewManager(repo store.Repository, fiscalLog *fiscal.Log, dispatcher hardware.Dispatcher) *Manager {
	return &Manager{
		repo:     repo,
		fiscal:   fiscalLog,
		hardware: dispatcher,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Open(ctx context.Context, req domain.SessionOpenRequest) (domain.Session, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.OperatorID = strings.TrimSpace(req.OperatorID)
	switch {
	case req.StoreID == "":
		return domain.Session{}, domain.NewValidation("store_id", "is required")
	case req.DeviceID == "":
		return domain.Session{}, domain.NewValidation("device_id", "is required")
	case req.OperatorID == "":
		return domain.Session{}, domain.NewValidation("operator_id", "is required")
	case req.OpeningBalance < 0:
		return domain.Session{}, domain.NewValidation("opening_balance", "must not be negative, got %d (minor units)", req.OpeningBalance)
	}

	var opened domain.Session
	err := m.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if existing, err := tx.FindOpenSession(ctx, req.StoreID, req.DeviceID); err == nil {
			return &domain.ConflictError{
				Resource: "session",
				Reason:   "device " + req.DeviceID + " already has open session " + existing.ID,
			}
		} else if !isNotFound(err) {
			return err
		}

		seq, err := tx.NextSessionSequence(ctx, req.StoreID)
		if err != nil {
			return err
		}

		opened = domain.Session{
			ID:             xid.New("sess"),
			StoreID:        req.StoreID,
			DeviceID:       req.DeviceID,
			OperatorID:     req.OperatorID,
			SequenceNumber: seq,
			Status:         domain.SessionStatusOpen,
			OpenedAt:       m.now(),
			OpeningBalance: req.OpeningBalance,
			OpeningNotes:   req.Notes,
		}
		if err := tx.CreateSession(ctx, opened); err != nil {
			return err
		}

		_, err = m.fiscal.Record(ctx, tx, fiscal.Entry{
			StoreID:    opened.StoreID,
			DeviceID:   opened.DeviceID,
			SessionID:  opened.ID,
			OperatorID: opened.OperatorID,
			Code:       domain.FiscalSessionOpened,
			Payload: map[string]any{
				"sequence_number": opened.SequenceNumber,
				"opening_balance": opened.OpeningBalance,
			},
			OccurredAt: opened.OpenedAt,
		})
		return err
	})
	if err != nil {
		return domain.Session{}, err
	}

	log.Info().
		Str("component", "session").
		Str("store_id", opened.StoreID).
		Str("session_id", opened.ID).
		Str("device_id", opened.DeviceID).
		Int64("sequence", opened.SequenceNumber).
		Msg("session opened")
	return opened, nil
}

func (m *Manager) Close(ctx context.Context, req domain.SessionCloseRequest) (domain.Session, error) {
	var closed domain.Session
	err := m.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		closed, err = m.CloseTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.Session{}, err
	}
	return closed, nil
}

// CloseTx closes the session inside the caller's unit of work. Expected cash
// is computed from the ledger and frozen on the row; a second close fails
// without touching the frozen figures.
func (m *Manager) CloseTx(ctx context.Context, tx store.Tx, req domain.SessionCloseRequest) (domain.Session, error) {
	if req.OperatorID == "" {
		return domain.Session{}, domain.NewValidation("operator_id", "is required")
	}
	if req.ActualCash != nil && *req.ActualCash < 0 {
		return domain.Session{}, domain.NewValidation("actual_cash", "must not be negative, got %d (minor units)", *req.ActualCash)
	}
	if len(req.ClosingData) > 0 && !json.Valid(req.ClosingData) {
		return domain.Session{}, domain.NewValidation("closing_data", "is not valid JSON")
	}

	session, err := m.LockOpen(ctx, tx, req.StoreID, req.SessionID, "close")
	if err != nil {
		return domain.Session{}, err
	}

	expected, err := computeExpectedCash(ctx, tx, *session)
	if err != nil {
		return domain.Session{}, err
	}

	closedAt := m.now()
	session.Status = domain.SessionStatusClosed
	session.ClosedAt = &closedAt
	session.ExpectedCash = &expected
	session.ClosingNotes = req.Notes
	session.ClosingData = req.ClosingData
	session.ClosedBy = req.OperatorID
	if req.ActualCash != nil {
		actual := *req.ActualCash
		diff := actual - expected
		session.ActualCash = &actual
		session.CashDifference = &diff
	}

	if err := tx.UpdateSession(ctx, *session); err != nil {
		return domain.Session{}, err
	}

	_, err = m.fiscal.Record(ctx, tx, fiscal.Entry{
		StoreID:    session.StoreID,
		DeviceID:   session.DeviceID,
		SessionID:  session.ID,
		OperatorID: req.OperatorID,
		Code:       domain.FiscalSessionClosed,
		Payload: map[string]any{
			"expected_cash":     expected,
			"actual_cash":       session.ActualCash,
			"cash_difference":   session.CashDifference,
			"transaction_count": session.TransactionCount,
			"total_amount":      session.TotalAmount,
		},
		OccurredAt: closedAt,
	})
	if err != nil {
		return domain.Session{}, err
	}

	log.Info().
		Str("component", "session").
		Str("store_id", session.StoreID).
		Str("session_id", session.ID).
		Int64("expected_cash", expected).
		Msg("session closed")
	return *session, nil
}

// LockOpen locks the session row for the rest of the unit of work and fails
// with InvalidStateError unless it is open.
func (m *Manager) LockOpen(ctx context.Context, tx store.Tx, storeID string, sessionID string, operation string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, domain.NewValidation("session_id", "is required")
	}
	session, err := tx.LockSession(ctx, storeID, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsOpen() {
		return nil, &domain.InvalidStateError{Entity: "session", ID: session.ID, State: session.Status, Operation: operation}
	}
	return session, nil
}

// ExpectedCash is recomputed from the ledger while the session is open and
// read from the frozen close-time value afterwards.
func (m *Manager) ExpectedCash(ctx context.Context, storeID string, sessionID string) (int64, error) {
	session, err := m.repo.GetSession(ctx, storeID, sessionID)
	if err != nil {
		return 0, err
	}
	if !session.IsOpen() && session.ExpectedCash != nil {
		return *session.ExpectedCash, nil
	}
	return computeExpectedCash(ctx, m.repo, *session)
}

// ExpectedCashTx is ExpectedCash for a session already read inside tx.
func (m *Manager) ExpectedCashTx(ctx context.Context, tx store.Tx, session domain.Session) (int64, error) {
	if !session.IsOpen() && session.ExpectedCash != nil {
		return *session.ExpectedCash, nil
	}
	return computeExpectedCash(ctx, tx, session)
}

func (m *Manager) Get(ctx context.Context, storeID string, sessionID string) (domain.Session, error) {
	session, err := m.repo.GetSession(ctx, storeID, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	return *session, nil
}

// Current returns the open session for a device.
func (m *Manager) Current(ctx context.Context, storeID string, deviceID string) (domain.Session, error) {
	session, err := m.repo.FindOpenSession(ctx, storeID, deviceID)
	if err != nil {
		return domain.Session{}, err
	}
	return *session, nil
}

// ApplySale moves the running counters for one completed purchase or return.
// Counters are informational; expected cash is always derived from charges.
func (m *Manager) ApplySale(ctx context.Context, tx store.Tx, session *domain.Session, charges []domain.Charge) error {
	session.TransactionCount++
	for _, c := range charges {
		session.TotalAmount += c.Amount
		if c.Provider == domain.ProviderCash && c.Status == domain.ChargeStatusSucceeded {
			session.CashAmount += c.Amount
		}
	}
	return tx.UpdateSession(ctx, *session)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
