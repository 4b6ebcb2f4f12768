package report

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/fiscal"
	"kasseledger/backend/internal/money"
	"kasseledger/backend/internal/session"
	"kasseledger/backend/internal/store"
)

const (
	KindX = "x"
	KindZ = "z"
)

// Aggregator builds X and Z reports. Every report it returns is also written
// to the fiscal log as the payload of an x_report or z_report event.
type Aggregator struct {
	repo     store.Repository
	sessions *session.Manager
	fiscal   *fiscal.Log
	defaults domain.StoreProfile
	now      func() time.Time
}

func NewAggregator(repo store.Repository, sessions *session.Manager, fiscalLog *fiscal.Log, defaults domain.StoreProfile) *Aggregator {
	return &Aggregator{
		repo:     repo,
		sessions: sessions,
		fiscal:   fiscalLog,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// XReport is a live snapshot of an open session.
func (a *Aggregator) XReport(ctx context.Context, req domain.ReportRequest) (domain.SessionReport, error) {
	if req.OperatorID == "" {
		return domain.SessionReport{}, domain.NewValidation("operator_id", "is required")
	}
	var report domain.SessionReport
	err := a.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := a.sessions.LockOpen(ctx, tx, req.StoreID, req.SessionID, "x-report")
		if err != nil {
			return err
		}
		expected, err := a.sessions.ExpectedCashTx(ctx, tx, *s)
		if err != nil {
			return err
		}
		report, err = a.build(ctx, tx, KindX, *s, expected)
		if err != nil {
			return err
		}
		return a.record(ctx, tx, domain.FiscalXReport, req.OperatorID, &report)
	})
	if err != nil {
		return domain.SessionReport{}, err
	}
	return report, nil
}

// ZReport closes the session and reports on it in one unit of work. If the
// report cannot be logged the close is rolled back.
func (a *Aggregator) ZReport(ctx context.Context, req domain.ZReportRequest) (domain.SessionReport, error) {
	var report domain.SessionReport
	err := a.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		closed, err := a.sessions.CloseTx(ctx, tx, domain.SessionCloseRequest{
			StoreID:    req.StoreID,
			SessionID:  req.SessionID,
			OperatorID: req.OperatorID,
			ActualCash: req.ActualCash,
			Notes:      req.Notes,
		})
		if err != nil {
			return err
		}
		report, err = a.build(ctx, tx, KindZ, closed, *closed.ExpectedCash)
		if err != nil {
			return err
		}
		report.ClosedAt = closed.ClosedAt
		report.ActualCash = closed.ActualCash
		report.CashDifference = closed.CashDifference
		return a.record(ctx, tx, domain.FiscalZReport, req.OperatorID, &report)
	})
	if err != nil {
		return domain.SessionReport{}, err
	}

	log.Info().
		Str("component", "report").
		Str("store_id", report.StoreID).
		Str("session_id", report.SessionID).
		Int64("total_amount", report.TotalAmount).
		Int64("expected_cash", report.ExpectedCash).
		Msg("z-report issued")
	return report, nil
}

func (a *Aggregator) record(ctx context.Context, tx store.Tx, code domain.FiscalCode, operatorID string, report *domain.SessionReport) error {
	event, err := a.fiscal.Record(ctx, tx, fiscal.Entry{
		StoreID:    report.StoreID,
		DeviceID:   report.DeviceID,
		SessionID:  report.SessionID,
		OperatorID: operatorID,
		Code:       code,
		Payload:    report,
		OccurredAt: report.GeneratedAt,
	})
	if err != nil {
		return err
	}
	report.FiscalEventID = event.ID
	return nil
}

func (a *Aggregator) build(ctx context.Context, tx store.Tx, kind string, s domain.Session, expectedCash int64) (domain.SessionReport, error) {
	profile, err := store.Profile(ctx, tx, s.StoreID, a.defaults)
	if err != nil {
		return domain.SessionReport{}, err
	}

	report := domain.SessionReport{
		Kind:           kind,
		StoreID:        s.StoreID,
		SessionID:      s.ID,
		DeviceID:       s.DeviceID,
		SequenceNumber: s.SequenceNumber,
		OperatorID:     s.OperatorID,
		Currency:       profile.Currency,
		OpenedAt:       s.OpenedAt,
		GeneratedAt:    a.now(),
		VATRate:        profile.VATRate,
		OpeningBalance: s.OpeningBalance,
		ExpectedCash:   expectedCash,
	}

	charges, err := tx.ListSessionCharges(ctx, s.StoreID, s.ID)
	if err != nil {
		return domain.SessionReport{}, err
	}
	byMethod := map[string]*domain.PaymentTotal{}
	byCode := map[domain.FiscalCode]*domain.FiscalCodeTotal{}
	for _, c := range charges {
		if c.Status != domain.ChargeStatusSucceeded {
			continue
		}
		report.ChargeCount++
		report.TotalAmount += c.Amount
		switch c.FiscalTransactionCode {
		case domain.FiscalReturnReceipt:
			report.ReturnsCount++
		case domain.FiscalCorrectionReceipt:
			report.VoidsCount++
		default:
			report.SalesCount++
		}

		m, ok := byMethod[c.PaymentMethodID]
		if !ok {
			m = &domain.PaymentTotal{PaymentMethodID: c.PaymentMethodID, Provider: c.Provider}
			byMethod[c.PaymentMethodID] = m
		}
		m.Count++
		m.Amount += c.Amount

		fc, ok := byCode[c.FiscalPaymentCode]
		if !ok {
			fc = &domain.FiscalCodeTotal{Code: c.FiscalPaymentCode}
			byCode[c.FiscalPaymentCode] = fc
		}
		fc.Count++
		fc.Amount += c.Amount
	}
	report.ByPaymentMethod = make([]domain.PaymentTotal, 0, len(byMethod))
	for _, m := range byMethod {
		report.ByPaymentMethod = append(report.ByPaymentMethod, *m)
	}
	sort.Slice(report.ByPaymentMethod, func(i, j int) bool {
		return report.ByPaymentMethod[i].PaymentMethodID < report.ByPaymentMethod[j].PaymentMethodID
	})
	report.ByFiscalPaymentCode = make([]domain.FiscalCodeTotal, 0, len(byCode))
	for _, fc := range byCode {
		report.ByFiscalPaymentCode = append(report.ByFiscalPaymentCode, *fc)
	}
	sort.Slice(report.ByFiscalPaymentCode, func(i, j int) bool {
		return report.ByFiscalPaymentCode[i].Code < report.ByFiscalPaymentCode[j].Code
	})

	report.VATBase, report.VATAmount, err = money.SplitVAT(report.TotalAmount, profile.VATRate)
	if err != nil {
		return domain.SessionReport{}, domain.NewValidation("vat_rate", "store %s: %v", s.StoreID, err)
	}

	events, err := tx.ListSessionFiscalEvents(ctx, s.StoreID, s.ID)
	if err != nil {
		return domain.SessionReport{}, err
	}
	for _, ev := range events {
		switch ev.Code {
		case domain.FiscalDrawerOpened:
			report.DrawerOpenCount++
		case domain.FiscalDrawerOpenedWithoutSale:
			report.DrawerOpenCount++
			report.DrawerOpenWithoutSale++
		case domain.FiscalCashDeposit:
			report.CashDeposits += session.MovementAmount(ev)
		case domain.FiscalCashWithdrawal:
			report.CashWithdrawals += session.MovementAmount(ev)
		}
	}
	return report, nil
}
