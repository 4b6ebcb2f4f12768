package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasseledger/backend/internal/cache"
	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/store"
	"kasseledger/backend/internal/store/memory"
)

type closedGate struct{}

func (closedGate) Claim(context.Context, string, time.Duration) (bool, error) { return false, nil }

type brokenGate struct{}

func (brokenGate) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestRecordRejectsUnknownCode(t *testing.T) {
	repo := memory.NewSeeded()
	l := NewLog(repo, nil, 30*time.Second)

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := l.Record(ctx, tx, Entry{StoreID: "main-store", Code: "made_up_code"})
		return err
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "code", verr.Field)
}

func TestRecordFillsCatalogFieldsAndPayload(t *testing.T) {
	repo := memory.NewSeeded()
	l := NewLog(repo, nil, 30*time.Second)
	ctx := context.Background()

	var event domain.FiscalEvent
	err := repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		event, err = l.Record(ctx, tx, Entry{
			StoreID:   "main-store",
			SessionID: "s1",
			Code:      domain.FiscalCashDeposit,
			Payload:   map[string]int64{"amount": 5000},
		})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, domain.FiscalCategoryCash, event.Category)
	assert.Equal(t, domain.FiscalCashDeposit.Description(), event.Description)
	assert.False(t, event.OccurredAt.IsZero())
	assert.JSONEq(t, `{"amount":5000}`, string(event.Payload))

	events, err := repo.ListSessionFiscalEvents(ctx, "main-store", "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
}

func TestRecordIsDiscardedWithItsUnitOfWork(t *testing.T) {
	repo := memory.NewSeeded()
	l := NewLog(repo, nil, 0)
	ctx := context.Background()
	boom := errors.New("receipt failed")

	err := repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.Record(ctx, tx, Entry{StoreID: "main-store", SessionID: "s1", Code: domain.FiscalSalesReceipt}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := repo.ListSessionFiscalEvents(ctx, "main-store", "s1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordStandaloneSuppressesRepeatedResume(t *testing.T) {
	repo := memory.NewSeeded()
	l := NewLog(repo, cache.NoopEventGate{}, 30*time.Second)
	ctx := context.Background()
	entry := Entry{StoreID: "main-store", DeviceID: "till-1", Code: domain.FiscalAppResumed}

	first, recorded, err := l.RecordStandalone(ctx, entry)
	require.NoError(t, err)
	assert.True(t, recorded)

	second, recorded, err := l.RecordStandalone(ctx, entry)
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.Equal(t, first.ID, second.ID)

	other, recorded, err := l.RecordStandalone(ctx, Entry{StoreID: "main-store", DeviceID: "till-2", Code: domain.FiscalAppResumed})
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestRecordStandaloneResumesAfterWindow(t *testing.T) {
	repo := memory.NewSeeded()
	l := NewLog(repo, nil, 30*time.Second)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, recorded, err := l.RecordStandalone(ctx, Entry{StoreID: "main-store", DeviceID: "till-1", Code: domain.FiscalAppResumed, OccurredAt: start})
	require.NoError(t, err)
	require.True(t, recorded)

	_, recorded, err = l.RecordStandalone(ctx, Entry{StoreID: "main-store", DeviceID: "till-1", Code: domain.FiscalAppResumed, OccurredAt: start.Add(45 * time.Second)})
	require.NoError(t, err)
	assert.True(t, recorded)
}

func TestRecordStandaloneNeverSuppressesNonSuppressibleCodes(t *testing.T) {
	repo := memory.NewSeeded()
	l := NewLog(repo, closedGate{}, 30*time.Second)
	ctx := context.Background()

	for range 2 {
		_, recorded, err := l.RecordStandalone(ctx, Entry{StoreID: "main-store", DeviceID: "till-1", Code: domain.FiscalAppStarted})
		require.NoError(t, err)
		assert.True(t, recorded)
	}
}

func TestRecordStandaloneHonoursGateClaim(t *testing.T) {
	repo := memory.NewSeeded()
	l := NewLog(repo, closedGate{}, 30*time.Second)

	_, recorded, err := l.RecordStandalone(context.Background(), Entry{StoreID: "main-store", DeviceID: "till-1", Code: domain.FiscalAppResumed})
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestRecordStandaloneFallsBackWhenGateFails(t *testing.T) {
	repo := memory.NewSeeded()
	l := NewLog(repo, brokenGate{}, 30*time.Second)

	_, recorded, err := l.RecordStandalone(context.Background(), Entry{StoreID: "main-store", DeviceID: "till-1", Code: domain.FiscalAppResumed})
	require.NoError(t, err)
	assert.True(t, recorded)
}

func TestEncodePayloadRejectsInvalidRawJSON(t *testing.T) {
	_, err := encodePayload(json.RawMessage(`{"amount":`))
	assert.Error(t, err)
}
