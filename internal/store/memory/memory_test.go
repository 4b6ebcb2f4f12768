package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/store"
)

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.CreateCharge(ctx, domain.Charge{ID: "chg-1", StoreID: "main-store", SessionID: "s1", Amount: 100}))
		require.NoError(t, tx.AppendFiscalEvent(ctx, domain.FiscalEvent{ID: "fe-1", StoreID: "main-store", SessionID: "s1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	charges, err := s.ListSessionCharges(ctx, "main-store", "s1")
	require.NoError(t, err)
	assert.Empty(t, charges)
	events, err := s.ListSessionFiscalEvents(ctx, "main-store", "s1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWithinTxCommitsOnSuccess(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateCharge(ctx, domain.Charge{ID: "chg-1", StoreID: "main-store", SessionID: "s1", Amount: 100})
	})
	require.NoError(t, err)

	charges, err := s.ListSessionCharges(ctx, "main-store", "s1")
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, int64(100), charges[0].Amount)
}

func TestWithinTxTimesOutWaitingForWriter(t *testing.T) {
	s := NewSeeded(WithLockTimeout(20 * time.Millisecond))
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error { return nil })
	var lockErr *domain.LockTimeoutError
	require.ErrorAs(t, err, &lockErr)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	close(release)
	<-done
}

func TestConcurrentSequencesAreUnique(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	const workers = 24
	var mu sync.Mutex
	seen := make(map[int64]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				seq, err := tx.NextSessionSequence(ctx, "main-store")
				if err != nil {
					return err
				}
				mu.Lock()
				seen[seq] = true
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers)
}

func TestSeededPaymentMethodsAreStoreScoped(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	method, err := s.GetPaymentMethod(ctx, "main-store", "cash")
	require.NoError(t, err)
	assert.Equal(t, domain.FiscalPaymentCash, method.FiscalPaymentCode)

	_, err = s.GetPaymentMethod(ctx, "other-store", "cash")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGiftCardCodeLookupIsCaseInsensitive(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateGiftCard(ctx, domain.GiftCard{ID: "gc-1", StoreID: "main-store", Code: "ABCD-EFGH-JKLM-NPQR", Status: domain.GiftCardStatusActive})
	})
	require.NoError(t, err)

	card, err := s.FindGiftCardByCode(ctx, "main-store", "abcd-efgh-jklm-npqr")
	require.NoError(t, err)
	assert.Equal(t, "gc-1", card.ID)
}

func TestExportReadsAreRangeAndStoreBound(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i, at := range []time.Time{base.Add(-time.Hour), base, base.Add(time.Hour)} {
			id := string(rune('a' + i))
			if err := tx.CreateCharge(ctx, domain.Charge{ID: "chg-" + id, StoreID: "main-store", Amount: 100, CreatedAt: at}); err != nil {
				return err
			}
			if err := tx.AppendFiscalEvent(ctx, domain.FiscalEvent{ID: "fe-" + id, StoreID: "main-store", Code: domain.FiscalPaymentCash, OccurredAt: at}); err != nil {
				return err
			}
		}
		return tx.AppendFiscalEvent(ctx, domain.FiscalEvent{ID: "fe-other", StoreID: "other-store", Code: domain.FiscalPaymentCash, OccurredAt: base})
	})
	require.NoError(t, err)

	events, err := s.ListFiscalEvents(ctx, "main-store", base, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fe-b", events[0].ID)

	events, err = s.ListFiscalEvents(ctx, "main-store", base.Add(-2*time.Hour), base.Add(2*time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	charges, err := s.ListCharges(ctx, "main-store", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, charges, 2)
	assert.Equal(t, "chg-a", charges[0].ID)
}
