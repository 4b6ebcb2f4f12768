package session

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/fiscal"
	"kasseledger/backend/internal/hardware"
	"kasseledger/backend/internal/store"
)

type cashMovementPayload struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// computeExpectedCash = opening balance + succeeded cash charges + deposits
// - withdrawals. Return charges carry negative amounts.
func computeExpectedCash(ctx context.Context, r store.Reader, session domain.Session) (int64, error) {
	expected := session.OpeningBalance

	charges, err := r.ListSessionCharges(ctx, session.StoreID, session.ID)
	if err != nil {
		return 0, err
	}
	for _, c := range charges {
		if c.Provider == domain.ProviderCash && c.Status == domain.ChargeStatusSucceeded {
			expected += c.Amount
		}
	}

	events, err := r.ListSessionFiscalEvents(ctx, session.StoreID, session.ID)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		switch ev.Code {
		case domain.FiscalCashDeposit:
			expected += MovementAmount(ev)
		case domain.FiscalCashWithdrawal:
			expected -= MovementAmount(ev)
		}
	}
	return expected, nil
}

// MovementAmount reads the amount of a cash_deposit or cash_withdrawal event.
func MovementAmount(ev domain.FiscalEvent) int64 {
	var p cashMovementPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		log.Error().Err(err).Str("component", "session").Str("event_id", ev.ID).Msg("unreadable cash movement payload")
		return 0
	}
	return p.Amount
}

// RecordCashMovement logs a float deposit or a cash drop against an open
// session and kicks the drawer.
func (m *Manager) RecordCashMovement(ctx context.Context, req domain.CashMovementRequest) (domain.FiscalEvent, error) {
	var code domain.FiscalCode
	switch req.Kind {
	case domain.CashMovementDeposit:
		code = domain.FiscalCashDeposit
	case domain.CashMovementWithdrawal:
		code = domain.FiscalCashWithdrawal
	default:
		return domain.FiscalEvent{}, domain.NewValidation("kind", "must be %q or %q", domain.CashMovementDeposit, domain.CashMovementWithdrawal)
	}
	if req.Amount <= 0 {
		return domain.FiscalEvent{}, domain.NewValidation("amount", "must be positive, got %d (minor units)", req.Amount)
	}
	if req.OperatorID == "" {
		return domain.FiscalEvent{}, domain.NewValidation("operator_id", "is required")
	}

	var (
		event   domain.FiscalEvent
		session *domain.Session
	)
	err := m.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		session, err = m.LockOpen(ctx, tx, req.StoreID, req.SessionID, "record cash movement on")
		if err != nil {
			return err
		}
		event, err = m.fiscal.Record(ctx, tx, fiscal.Entry{
			StoreID:    session.StoreID,
			DeviceID:   session.DeviceID,
			SessionID:  session.ID,
			OperatorID: req.OperatorID,
			Code:       code,
			Payload:    cashMovementPayload{Amount: req.Amount, Reason: req.Reason},
		})
		return err
	})
	if err != nil {
		return domain.FiscalEvent{}, err
	}

	m.kickDrawer(ctx, *session)
	return event, nil
}

// OpenDrawer records a drawer opening that is not tied to a sale.
func (m *Manager) OpenDrawer(ctx context.Context, req domain.DrawerOpenRequest) (domain.FiscalEvent, error) {
	event, session, err := m.drawerEvent(ctx, req, domain.FiscalDrawerOpenedWithoutSale, "open drawer for")
	if err != nil {
		return domain.FiscalEvent{}, err
	}
	m.kickDrawer(ctx, session)
	return event, nil
}

// CloseDrawer records the drawer being shut again, as reported by the till.
func (m *Manager) CloseDrawer(ctx context.Context, req domain.DrawerOpenRequest) (domain.FiscalEvent, error) {
	event, _, err := m.drawerEvent(ctx, req, domain.FiscalDrawerClosed, "close drawer for")
	return event, err
}

func (m *Manager) drawerEvent(ctx context.Context, req domain.DrawerOpenRequest, code domain.FiscalCode, operation string) (domain.FiscalEvent, domain.Session, error) {
	if req.OperatorID == "" {
		return domain.FiscalEvent{}, domain.Session{}, domain.NewValidation("operator_id", "is required")
	}

	var (
		event   domain.FiscalEvent
		session *domain.Session
	)
	err := m.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		session, err = m.LockOpen(ctx, tx, req.StoreID, req.SessionID, operation)
		if err != nil {
			return err
		}
		var payload any
		if req.Reason != "" {
			payload = map[string]string{"reason": req.Reason}
		}
		event, err = m.fiscal.Record(ctx, tx, fiscal.Entry{
			StoreID:    session.StoreID,
			DeviceID:   session.DeviceID,
			SessionID:  session.ID,
			OperatorID: req.OperatorID,
			Code:       code,
			Payload:    payload,
		})
		return err
	})
	if err != nil {
		return domain.FiscalEvent{}, domain.Session{}, err
	}
	return event, *session, nil
}

func (m *Manager) kickDrawer(ctx context.Context, session domain.Session) {
	if m.hardware == nil {
		return
	}
	m.hardware.Dispatch(ctx, hardware.DrawerJob(session.StoreID, session.DeviceID))
}
