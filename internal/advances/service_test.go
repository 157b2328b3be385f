package advances_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/brokerdesk/bankrecon/internal/advances"
	"github.com/brokerdesk/bankrecon/internal/advances/advancestest"
	"github.com/brokerdesk/bankrecon/internal/shared"
)

var fixedNow = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

type deductionRecorder struct {
	mu       sync.Mutex
	payments []uuid.UUID
}

func (r *deductionRecorder) HandleAdvanceDeducted(_ context.Context, paymentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, paymentID)
	return nil
}

func newService(store *advancestest.Store) *advances.Service {
	svc := advances.NewService(store, nil)
	svc.WithNow(func() time.Time { return fixedNow })
	return svc
}

func createAdvance(t *testing.T, store *advancestest.Store, broker, payment uuid.UUID, amount string) advances.Advance {
	t.Helper()
	var out advances.Advance
	err := store.WithTx(context.Background(), func(ctx context.Context, tx advances.TxRepository) error {
		var err error
		out, err = advances.Create(ctx, tx, broker, decimal.RequireFromString(amount), payment, "policy advance", fixedNow)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestCreateValidatesInput(t *testing.T) {
	store := advancestest.New()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx advances.TxRepository) error {
		_, err := advances.Create(ctx, tx, uuid.Nil, decimal.NewFromInt(10), uuid.New(), "", fixedNow)
		return err
	})
	require.ErrorIs(t, err, advances.ErrBrokerRequired)

	err = store.WithTx(context.Background(), func(ctx context.Context, tx advances.TxRepository) error {
		_, err := advances.Create(ctx, tx, uuid.New(), decimal.Zero, uuid.New(), "", fixedNow)
		return err
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, store.All())
}

func TestMarkDeductedNotifiesObligation(t *testing.T) {
	store := advancestest.New()
	svc := newService(store)
	rec := &deductionRecorder{}
	svc.SetDeductionListener(rec)
	payment := uuid.New()
	adv := createAdvance(t, store, uuid.New(), payment, "500")

	got, err := svc.MarkDeducted(context.Background(), adv.ID)
	require.NoError(t, err)
	require.Equal(t, advances.StatusPaid, got.Status)
	require.True(t, got.Resolved())
	require.NotNil(t, got.DeductedAt)
	require.Equal(t, []uuid.UUID{payment}, rec.payments)

	again, err := svc.MarkDeducted(context.Background(), adv.ID)
	require.NoError(t, err)
	require.Equal(t, advances.StatusPaid, again.Status)
}

func TestCancelIsIrreversible(t *testing.T) {
	store := advancestest.New()
	svc := newService(store)
	adv := createAdvance(t, store, uuid.New(), uuid.New(), "200")

	err := store.WithTx(context.Background(), func(ctx context.Context, tx advances.TxRepository) error {
		_, err := advances.Cancel(ctx, tx, adv.ID, fixedNow)
		return err
	})
	require.NoError(t, err)

	_, err = svc.MarkDeducted(context.Background(), adv.ID)
	require.ErrorIs(t, err, advances.ErrCancelled)
	require.ErrorIs(t, err, shared.ErrImmutable)
}

func TestCancelRejectsDeductedAdvance(t *testing.T) {
	store := advancestest.New()
	svc := newService(store)
	adv := createAdvance(t, store, uuid.New(), uuid.New(), "200")
	_, err := svc.MarkDeducted(context.Background(), adv.ID)
	require.NoError(t, err)

	err = store.WithTx(context.Background(), func(ctx context.Context, tx advances.TxRepository) error {
		_, err := advances.Cancel(ctx, tx, adv.ID, fixedNow)
		return err
	})
	require.ErrorIs(t, err, advances.ErrDeducted)
}

func TestDetachOrphansDeductedAdvances(t *testing.T) {
	store := advancestest.New()
	svc := newService(store)
	broker := uuid.New()
	pendingPayment := uuid.New()
	paidPayment := uuid.New()
	pending := createAdvance(t, store, broker, pendingPayment, "100")
	paid := createAdvance(t, store, broker, paidPayment, "500")
	_, err := svc.MarkDeducted(context.Background(), paid.ID)
	require.NoError(t, err)

	for _, payment := range []uuid.UUID{pendingPayment, paidPayment} {
		err := store.WithTx(context.Background(), func(ctx context.Context, tx advances.TxRepository) error {
			_, ok, err := advances.Detach(ctx, tx, payment, fixedNow)
			if err == nil && !ok {
				return errors.New("no advance linked")
			}
			return err
		})
		require.NoError(t, err)
	}

	got, err := svc.Get(context.Background(), pending.ID)
	require.NoError(t, err)
	require.Equal(t, advances.StatusCancelled, got.Status)

	orphans, err := svc.FindOrphanAdvances(context.Background(), broker)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, paid.ID, orphans[0].ID)
	require.Nil(t, orphans[0].LinkedPaymentID)

	other, err := svc.FindOrphanAdvances(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestRecoverOrphanAdvanceOnce(t *testing.T) {
	store := advancestest.New()
	svc := newService(store)
	broker := uuid.New()
	orphan := store.Put(advances.Advance{
		BrokerID:  broker,
		Amount:    decimal.NewFromInt(500),
		Status:    advances.StatusOrphaned,
		CreatedAt: fixedNow,
	})

	newPayment := uuid.New()
	got, err := svc.RecoverOrphanAdvance(context.Background(), orphan.ID, newPayment, broker)
	require.NoError(t, err)
	require.Equal(t, advances.StatusRecovered, got.Status)
	require.Equal(t, newPayment, *got.LinkedPaymentID)

	_, err = svc.RecoverOrphanAdvance(context.Background(), orphan.ID, uuid.New(), broker)
	require.ErrorIs(t, err, advances.ErrAlreadyLinked)
	require.ErrorIs(t, err, shared.ErrAlreadyLinked)

	all := store.All()
	require.Len(t, all, 1, "recovery never creates a second deduction")
	require.Equal(t, newPayment, *all[0].LinkedPaymentID)
}

func TestConcurrentRecoveryHasOneWinner(t *testing.T) {
	store := advancestest.New()
	svc := newService(store)
	broker := uuid.New()
	orphan := store.Put(advances.Advance{BrokerID: broker, Amount: decimal.NewFromInt(500), Status: advances.StatusOrphaned})

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		linked int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecoverOrphanAdvance(context.Background(), orphan.ID, uuid.New(), broker)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, shared.ErrAlreadyLinked) {
				linked++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, linked)
}

func TestRecoverRejectsAnotherBrokersOrphan(t *testing.T) {
	store := advancestest.New()
	svc := newService(store)
	owner := uuid.New()
	orphan := store.Put(advances.Advance{BrokerID: owner, Amount: decimal.NewFromInt(500), Status: advances.StatusOrphaned})

	_, err := svc.RecoverOrphanAdvance(context.Background(), orphan.ID, uuid.New(), uuid.New())
	require.ErrorIs(t, err, advances.ErrBrokerMismatch)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.RecoverOrphanAdvance(context.Background(), orphan.ID, uuid.New(), uuid.Nil)
	require.ErrorIs(t, err, advances.ErrBrokerRequired)

	got, err := svc.Get(context.Background(), orphan.ID)
	require.NoError(t, err)
	require.True(t, got.Orphan(), "a rejected recovery leaves the orphan available")
}
