package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/fiscal"
	"kasseledger/backend/internal/hardware"
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/store/memory"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []hardware.Job
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job hardware.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func newTestManager() (*Manager, *memory.Store, *fakeDispatcher) {
	repo := memory.NewSeeded()
	dispatcher := &fakeDispatcher{}
	return NewManager(repo, fiscal.NewLog(repo, nil, 0), dispatcher), repo, dispatcher
}

func openSession(t *testing.T, m *Manager, device string, opening int64) domain.Session {
	t.Helper()
	s, err := m.Open(context.Background(), domain.SessionOpenRequest{
		StoreID: "main-store", DeviceID: device, OperatorID: "cashier", OpeningBalance: opening,
	})
	require.NoError(t, err)
	return s
}

func addCashCharge(t *testing.T, repo *memory.Store, s domain.Session, amount int64) {
	t.Helper()
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CreateCharge(ctx, domain.Charge{
			ID: fmt.Sprintf("chg-%d-%d", amount, time.Now().UnixNano()), StoreID: s.StoreID, SessionID: s.ID,
			Amount: amount, Currency: "NOK", Status: domain.ChargeStatusSucceeded,
			PaymentMethodID: "cash", Provider: domain.ProviderCash, FiscalPaymentCode: domain.FiscalPaymentCash,
			FiscalTransactionCode: domain.FiscalSalesReceipt, CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func TestOpenAssignsSequenceAndRejectsSecondOpenOnDevice(t *testing.T) {
	m, repo, _ := newTestManager()
	ctx := context.Background()

	first := openSession(t, m, "till-1", 50000)
	second := openSession(t, m, "till-2", 0)
	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, domain.SessionStatusOpen, first.Status)

	_, err := m.Open(ctx, domain.SessionOpenRequest{StoreID: "main-store", DeviceID: "till-1", OperatorID: "cashier"})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	events, err := repo.ListSessionFiscalEvents(ctx, "main-store", first.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.FiscalSessionOpened, events[0].Code)
}

func TestOpenValidatesInput(t *testing.T) {
	m, _, _ := newTestManager()
	_, err := m.Open(context.Background(), domain.SessionOpenRequest{StoreID: "main-store", DeviceID: "till-1", OperatorID: "cashier", OpeningBalance: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.Open(context.Background(), domain.SessionOpenRequest{StoreID: "main-store", OperatorID: "cashier"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConcurrentOpensGetDistinctSequences(t *testing.T) {
	m, _, _ := newTestManager()
	const devices = 16

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]bool{}
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Open(context.Background(), domain.SessionOpenRequest{
				StoreID: "main-store", DeviceID: fmt.Sprintf("till-%d", i), OperatorID: "cashier",
			})
			if err != nil {
				return
			}
			mu.Lock()
			seen[s.SequenceNumber] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, seen, devices)
}

func TestScenarioAExpectedCashAndZeroDifference(t *testing.T) {
	m, repo, _ := newTestManager()
	ctx := context.Background()

	s := openSession(t, m, "till-1", 50000)
	addCashCharge(t, repo, s, 12000)

	expected, err := m.ExpectedCash(ctx, "main-store", s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(62000), expected)

	actual := int64(62000)
	closed, err := m.Close(ctx, domain.SessionCloseRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "manager", ActualCash: &actual})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	require.NotNil(t, closed.ExpectedCash)
	require.NotNil(t, closed.CashDifference)
	assert.Equal(t, int64(62000), *closed.ExpectedCash)
	assert.Equal(t, int64(0), *closed.CashDifference)
	assert.Equal(t, "manager", closed.ClosedBy)
}

func TestCloseWithoutActualCashLeavesDifferenceNil(t *testing.T) {
	m, _, _ := newTestManager()
	s := openSession(t, m, "till-1", 1000)

	closed, err := m.Close(context.Background(), domain.SessionCloseRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier"})
	require.NoError(t, err)
	assert.Nil(t, closed.ActualCash)
	assert.Nil(t, closed.CashDifference)
	require.NotNil(t, closed.ExpectedCash)
	assert.Equal(t, int64(1000), *closed.ExpectedCash)
}

func TestSecondCloseFailsAndKeepsFrozenFigures(t *testing.T) {
	m, repo, _ := newTestManager()
	ctx := context.Background()

	s := openSession(t, m, "till-1", 50000)
	addCashCharge(t, repo, s, 12000)
	actual := int64(61000)
	first, err := m.Close(ctx, domain.SessionCloseRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier", ActualCash: &actual})
	require.NoError(t, err)

	other := int64(99999)
	_, err = m.Close(ctx, domain.SessionCloseRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier", ActualCash: &other})
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, domain.SessionStatusClosed, stateErr.State)

	after, err := m.Get(ctx, "main-store", s.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.ExpectedCash, *after.ExpectedCash)
	assert.Equal(t, *first.CashDifference, *after.CashDifference)
	assert.Equal(t, int64(-1000), *after.CashDifference)
}

func TestExpectedCashIsFrozenAfterClose(t *testing.T) {
	m, repo, _ := newTestManager()
	ctx := context.Background()

	s := openSession(t, m, "till-1", 50000)
	_, err := m.Close(ctx, domain.SessionCloseRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier"})
	require.NoError(t, err)

	addCashCharge(t, repo, s, 700)

	expected, err := m.ExpectedCash(ctx, "main-store", s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), expected)
}

func TestCashMovementsFeedExpectedCash(t *testing.T) {
	m, repo, dispatcher := newTestManager()
	ctx := context.Background()

	s := openSession(t, m, "till-1", 10000)
	addCashCharge(t, repo, s, 2500)

	_, err := m.RecordCashMovement(ctx, domain.CashMovementRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier", Kind: domain.CashMovementDeposit, Amount: 5000})
	require.NoError(t, err)
	ev, err := m.RecordCashMovement(ctx, domain.CashMovementRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier", Kind: domain.CashMovementWithdrawal, Amount: 3000, Reason: "safe drop"})
	require.NoError(t, err)
	assert.Equal(t, domain.FiscalCashWithdrawal, ev.Code)

	expected, err := m.ExpectedCash(ctx, "main-store", s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000+2500+5000-3000), expected)
	assert.Len(t, dispatcher.jobs, 2)
}

func TestCashMovementValidation(t *testing.T) {
	m, _, _ := newTestManager()
	s := openSession(t, m, "till-1", 0)

	_, err := m.RecordCashMovement(context.Background(), domain.CashMovementRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier", Kind: "float", Amount: 100})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = m.RecordCashMovement(context.Background(), domain.CashMovementRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier", Kind: domain.CashMovementDeposit, Amount: 0})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOpenDrawerRecordsEventAndKicksDrawer(t *testing.T) {
	m, _, dispatcher := newTestManager()
	ctx := context.Background()
	s := openSession(t, m, "till-1", 0)

	ev, err := m.OpenDrawer(ctx, domain.DrawerOpenRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier", Reason: "change for customer"})
	require.NoError(t, err)
	assert.Equal(t, domain.FiscalDrawerOpenedWithoutSale, ev.Code)
	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, hardware.JobDrawer, dispatcher.jobs[0].Kind)
	assert.Equal(t, "till-1", dispatcher.jobs[0].DeviceID)

	_, err = m.Close(ctx, domain.SessionCloseRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier"})
	require.NoError(t, err)
	_, err = m.OpenDrawer(ctx, domain.DrawerOpenRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Len(t, dispatcher.jobs, 1)
}

func TestCloseDrawerRecordsEventWithoutKick(t *testing.T) {
	m, repo, dispatcher := newTestManager()
	ctx := context.Background()
	s := openSession(t, m, "till-1", 0)

	ev, err := m.CloseDrawer(ctx, domain.DrawerOpenRequest{StoreID: "main-store", SessionID: s.ID, OperatorID: "cashier"})
	require.NoError(t, err)
	assert.Equal(t, domain.FiscalDrawerClosed, ev.Code)
	assert.Empty(t, dispatcher.jobs)

	events, err := repo.ListSessionFiscalEvents(ctx, "main-store", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FiscalDrawerClosed, events[len(events)-1].Code)

	_, err = m.CloseDrawer(ctx, domain.DrawerOpenRequest{StoreID: "main-store", SessionID: s.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSessionsAreTenantScoped(t *testing.T) {
	m, _, _ := newTestManager()
	s := openSession(t, m, "till-1", 0)

	_, err := m.Get(context.Background(), "other-store", s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = m.Close(context.Background(), domain.SessionCloseRequest{StoreID: "other-store", SessionID: s.ID, OperatorID: "cashier"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
