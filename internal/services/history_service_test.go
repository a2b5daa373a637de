package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnurl-bridge/backend/internal/apperr"
	"github.com/lnurl-bridge/backend/internal/models"
	"github.com/lnurl-bridge/backend/internal/rbac"
)

func TestHistoryList(t *testing.T) {
	txs, groups := newFakeTxStore(), newFakeGroups()
	svc := NewHistoryService(txs, &fakeAudit{}, groups)
	ctx := context.Background()

	alice, bob, groupID := uuid.New(), uuid.New(), uuid.New()
	txs.put(&models.LnurlTransaction{UserID: alice, Type: models.TxTypePayIn, Status: models.TxStatusComplete})
	txs.put(&models.LnurlTransaction{UserID: alice, Type: models.TxTypeWithdraw, Status: models.TxStatusPending})
	txs.put(&models.LnurlTransaction{UserID: bob, Type: models.TxTypePayIn, Status: models.TxStatusComplete, GroupID: &groupID, WalletKind: models.WalletGroup})

	tests := []struct {
		name   string
		user   uuid.UUID
		filter models.TxFilter
		want   int
	}{
		{"own history", alice, models.TxFilter{}, 2},
		{"by type", alice, models.TxFilter{Type: models.TxTypeWithdraw}, 1},
		{"by status", alice, models.TxFilter{Status: models.TxStatusComplete}, 1},
		{"others are hidden", bob, models.TxFilter{Type: models.TxTypeWithdraw}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// a caller supplied user id is always replaced
			tt.filter.UserID = uuid.New()
			list, total, err := svc.List(ctx, tt.user, tt.filter)
			require.NoError(t, err)
			assert.Len(t, list, tt.want)
			assert.Equal(t, tt.want, total)
		})
	}

	t.Run("group history needs permission", func(t *testing.T) {
		_, _, err := svc.List(ctx, alice, models.TxFilter{GroupID: &groupID})
		assert.True(t, apperr.IsKind(err, apperr.KindForbidden), "got %v", err)

		groups.set(groupID, alice, rbac.RoleMember, true)
		list, total, err := svc.List(ctx, alice, models.TxFilter{GroupID: &groupID})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, bob, list[0].UserID, "group history spans every member")
	})
}

func TestHistoryGet(t *testing.T) {
	txs, groups := newFakeTxStore(), newFakeGroups()
	svc := NewHistoryService(txs, &fakeAudit{}, groups)
	ctx := context.Background()

	alice, carol, groupID := uuid.New(), uuid.New(), uuid.New()
	own := txs.put(&models.LnurlTransaction{UserID: alice, Type: models.TxTypePayOut})
	shared := txs.put(&models.LnurlTransaction{UserID: alice, Type: models.TxTypePayIn, GroupID: &groupID})

	got, err := svc.Get(ctx, alice, own.ID)
	require.NoError(t, err)
	assert.Equal(t, own.ID, got.ID)

	_, err = svc.Get(ctx, carol, own.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "got %v", err)

	_, err = svc.Get(ctx, carol, shared.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "non-members see nothing, got %v", err)

	groups.set(groupID, carol, rbac.RoleMember, true)
	got, err = svc.Get(ctx, carol, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.ID, got.ID)

	_, err = svc.Get(ctx, alice, uuid.New())
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestHistoryEvents(t *testing.T) {
	txs, groups, audit := newFakeTxStore(), newFakeGroups(), &fakeAudit{}
	svc := NewHistoryService(txs, audit, groups)
	ctx := context.Background()

	alice := uuid.New()
	tx := txs.put(&models.LnurlTransaction{UserID: alice, Type: models.TxTypeWithdraw})
	other := uuid.New()
	require.NoError(t, audit.Log(ctx, models.AuditLog{Action: "tx.pending->processing", EntityType: "transaction", EntityID: &tx.ID}))
	require.NoError(t, audit.Log(ctx, models.AuditLog{Action: "tx.processing->complete", EntityType: "transaction", EntityID: &tx.ID}))
	require.NoError(t, audit.Log(ctx, models.AuditLog{Action: "address.claim", EntityType: "address", EntityID: &other}))

	trail, err := svc.Events(ctx, alice, tx.ID, 50, 0)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "tx.processing->complete", trail[0].Action, "newest first")

	_, err = svc.Events(ctx, uuid.New(), tx.ID, 50, 0)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "got %v", err)
}
