package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnurl-bridge/backend/internal/mint"
	"github.com/lnurl-bridge/backend/internal/models"
)

type recordingSettler struct {
	settled []uuid.UUID
	err     error
}

func (s *recordingSettler) Settle(_ context.Context, txID uuid.UUID) error {
	s.settled = append(s.settled, txID)
	return s.err
}

type reconcilerFixture struct {
	r       *Reconciler
	txs     *fakeTxStore
	gateway *fakeGateway
	settler *recordingSettler
	now     time.Time
}

func newReconcilerFixture() *reconcilerFixture {
	f := &reconcilerFixture{
		txs:     newFakeTxStore(),
		gateway: newFakeGateway(),
		settler: &recordingSettler{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.r = NewReconciler(f.txs, &fakeAudit{}, &capturePublisher{}, f.gateway, f.settler, ReconcilerOptions{
		MaxRetries:       3,
		PendingWindow:    5 * time.Minute,
		ProcessingWindow: 2 * time.Minute,
	}, testLogger())
	f.r.life.now = fixedClock(f.now)
	return f
}

// stuck seeds an overdue transaction with an optional gateway handle.
func (f *reconcilerFixture) stuck(txType, status, operationID string, retries int) *models.LnurlTransaction {
	overdue := f.now.Add(-time.Minute)
	tx := &models.LnurlTransaction{
		Type:         txType,
		Status:       status,
		UserID:       uuid.New(),
		WalletKind:   models.WalletPersonal,
		AmountMsats:  10_000,
		ProtocolData: models.ExternalData(models.ExternalPaymentParams{Target: "bob@example.org"}),
		RetryCount:   retries,
		TimeoutAt:    &overdue,
	}
	if operationID != "" {
		tx.Lightning = &models.LightningInfo{OperationID: operationID}
	}
	return f.txs.put(tx)
}

func TestReconcileGatewayOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		gateway    string
		retries    int
		wantStatus string
		wantReason string
	}{
		{"completed", models.TxStatusProcessing, mint.StatusCompleted, 0, models.TxStatusComplete, ""},
		{"failed", models.TxStatusProcessing, mint.StatusFailed, 0, models.TxStatusFailed, "gateway reported failure"},
		{"unknown", models.TxStatusProcessing, mint.StatusUnknown, 0, models.TxStatusManualReview, "gateway status unknown"},
		{"retries exhausted", models.TxStatusPending, mint.StatusPending, 3, models.TxStatusFailed, "retries exhausted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture()
			tx := f.stuck(models.TxTypePayOut, tt.status, "op-x", tt.retries)
			f.gateway.statuses["op-x"] = tt.gateway

			_, err := f.r.RunOnce(context.Background())
			require.NoError(t, err)

			got := f.txs.get(tx.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantReason, got.FailureReason)
			assert.Nil(t, got.TimeoutAt)
		})
	}
}

func TestReconcileStatusLookupErrorGoesToReview(t *testing.T) {
	f := newReconcilerFixture()
	tx := f.stuck(models.TxTypePayOut, models.TxStatusProcessing, "op-x", 0)
	f.gateway.statusErr = errBoom

	stats, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Review)
	assert.Equal(t, models.TxStatusManualReview, f.txs.get(tx.ID).Status)
}

func TestReconcileExtendsWhileInFlight(t *testing.T) {
	f := newReconcilerFixture()
	tx := f.stuck(models.TxTypePayOut, models.TxStatusProcessing, "op-x", 1)
	f.gateway.statuses["op-x"] = mint.StatusProcessing

	stats, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Extended)

	got := f.txs.get(tx.ID)
	assert.Equal(t, models.TxStatusProcessing, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.TimeoutAt)
	assert.Equal(t, f.now.Add(4*time.Minute), *got.TimeoutAt)
}

func TestReconcileWithoutHandle(t *testing.T) {
	t.Run("pending expires", func(t *testing.T) {
		f := newReconcilerFixture()
		tx := f.stuck(models.TxTypePayOut, models.TxStatusPending, "", 0)

		_, err := f.r.RunOnce(context.Background())
		require.NoError(t, err)
		got := f.txs.get(tx.ID)
		assert.Equal(t, models.TxStatusFailed, got.Status)
		assert.Equal(t, "expired", got.FailureReason)
	})

	t.Run("processing needs an operator", func(t *testing.T) {
		f := newReconcilerFixture()
		tx := f.stuck(models.TxTypePayOut, models.TxStatusProcessing, "", 0)

		_, err := f.r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.TxStatusManualReview, f.txs.get(tx.ID).Status)
	})

	t.Run("used reusable link completes", func(t *testing.T) {
		f := newReconcilerFixture()
		overdue := f.now.Add(-time.Minute)
		link := f.txs.put(&models.LnurlTransaction{
			Type:        models.TxTypeWithdraw,
			Status:      models.TxStatusPending,
			UserID:      uuid.New(),
			WalletKind:  models.WalletPersonal,
			AmountMsats: 50_000,
			ProtocolData: models.WithdrawData(models.WithdrawParams{
				K1:        "k1",
				ExpiresAt: overdue,
				MaxUses:   5,
				Uses:      2,
			}),
			TimeoutAt: &overdue,
		})

		_, err := f.r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.TxStatusComplete, f.txs.get(link.ID).Status)
	})
}

func TestReconcileSettlesPayIns(t *testing.T) {
	f := newReconcilerFixture()
	tx := f.stuck(models.TxTypePayIn, models.TxStatusPending, "op-in", 0)
	f.gateway.statuses["op-in"] = mint.StatusCompleted

	stats, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, []uuid.UUID{tx.ID}, f.settler.settled)
	assert.Equal(t, models.TxStatusPending, f.txs.get(tx.ID).Status, "the settler owns the write")
}

func TestReconcileSettlerErrorCounted(t *testing.T) {
	f := newReconcilerFixture()
	f.stuck(models.TxTypePayIn, models.TxStatusPending, "op-in", 0)
	f.gateway.statuses["op-in"] = mint.StatusCompleted
	f.settler.err = errBoom

	stats, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
}

func TestReconcileSkipsConcurrentWrites(t *testing.T) {
	f := newReconcilerFixture()
	tx := f.stuck(models.TxTypePayOut, models.TxStatusProcessing, "op-x", 0)
	f.gateway.statuses["op-x"] = mint.StatusCompleted
	f.txs.conflict[tx.ID] = true

	stats, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, models.TxStatusProcessing, f.txs.get(tx.ID).Status)
}

func TestReconcileIgnoresFreshAndTerminal(t *testing.T) {
	f := newReconcilerFixture()
	later := f.now.Add(time.Hour)
	f.txs.put(&models.LnurlTransaction{
		Type: models.TxTypePayOut, Status: models.TxStatusPending, WalletKind: models.WalletPersonal,
		ProtocolData: models.ExternalData(models.ExternalPaymentParams{}), TimeoutAt: &later,
	})
	done := f.stuck(models.TxTypePayOut, models.TxStatusComplete, "op-done", 0)

	stats, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)
	assert.Equal(t, models.TxStatusComplete, f.txs.get(done.ID).Status)
}

func TestReconcileSweepsGroupWallets(t *testing.T) {
	f := newReconcilerFixture()
	personal := f.stuck(models.TxTypePayOut, models.TxStatusPending, "", 0)
	group := f.stuck(models.TxTypePayOut, models.TxStatusPending, "", 0)
	group.WalletKind = models.WalletGroup
	groupID := uuid.New()
	group.GroupID = &groupID
	f.txs.put(group)

	stats, err := f.r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, models.TxStatusFailed, f.txs.get(personal.ID).Status)
	assert.Equal(t, models.TxStatusFailed, f.txs.get(group.ID).Status)
}

func TestRetryWindow(t *testing.T) {
	f := newReconcilerFixture()

	tests := []struct {
		status  string
		retries int
		want    time.Duration
	}{
		{models.TxStatusPending, 0, 5 * time.Minute},
		{models.TxStatusPending, 2, 20 * time.Minute},
		{models.TxStatusProcessing, 0, 2 * time.Minute},
		{models.TxStatusProcessing, 3, 16 * time.Minute},
		{models.TxStatusPending, 10, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.r.retryWindow(tt.status, tt.retries), "%s/%d", tt.status, tt.retries)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newReconcilerFixture()
	tx := f.stuck(models.TxTypePayOut, models.TxStatusPending, "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return f.txs.get(tx.ID).Status == models.TxStatusFailed
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
