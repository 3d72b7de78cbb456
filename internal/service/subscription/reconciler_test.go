package subscription

import (
	"context"
	"testing"
	"time"

	"vpn-service/internal/domain/receipt"
	"vpn-service/internal/pkg/secure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUpsertEncryptsPayloadAndAddsGrace(t *testing.T) {
	store := &fakeStore{}
	rec := NewReconciler(store, testAESKey, "production", zap.NewNop())

	expireMs := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	rcpt := &receipt.Receipt{
		Type:         receipt.TypeIOS,
		ID:           "tx-1",
		PlanType:     receipt.PlanIOSAnnual,
		ExpireDateMs: expireMs,
		RenewEnabled: true,
		Data:         "raw-provider-payload",
	}
	sub, err := rec.Upsert(context.Background(), "user-1", rcpt)
	require.NoError(t, err)
	require.Len(t, store.upserted, 1)

	assert.Equal(t, "user-1", sub.UserID)
	assert.Equal(t, "tx-1", sub.ReceiptID)
	assert.Equal(t, receipt.TypeIOS, sub.ReceiptType)

	// Stored expiration carries the grace period; the displayed date undoes it.
	want := time.UnixMilli(expireMs).UTC().AddDate(0, 0, gracePeriodDays)
	assert.True(t, sub.ExpirationDate.Equal(want))
	assert.True(t, sub.DisplayedExpiration(rec.GracePeriodDays()).Equal(time.UnixMilli(expireMs).UTC()))

	// The payload never reaches the store in the clear.
	assert.NotEqual(t, rcpt.Data, sub.ReceiptDataEncrypted)
	decrypted, err := secure.Decrypt(sub.ReceiptDataEncrypted, testAESKey)
	require.NoError(t, err)
	assert.Equal(t, rcpt.Data, decrypted)
}

func TestDevelopmentSkipsGracePeriod(t *testing.T) {
	rec := NewReconciler(&fakeStore{}, testAESKey, "DEVELOPMENT", zap.NewNop())
	assert.Equal(t, 0, rec.GracePeriodDays())

	expireMs := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	sub, err := rec.Upsert(context.Background(), "user-1", &receipt.Receipt{
		ID: "tx-1", Type: receipt.TypeIOS, PlanType: receipt.PlanIOSAnnual,
		ExpireDateMs: expireMs, Data: "payload",
	})
	require.NoError(t, err)
	assert.True(t, sub.ExpirationDate.Equal(time.UnixMilli(expireMs).UTC()))
}

func TestUpsertKeepsCancellationUnpadded(t *testing.T) {
	rec := NewReconciler(&fakeStore{}, testAESKey, "production", zap.NewNop())

	cancelMs := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC).UnixMilli()
	sub, err := rec.Upsert(context.Background(), "user-1", &receipt.Receipt{
		ID: "tx-1", Type: receipt.TypeAndroid, PlanType: receipt.PlanAndroidMonthly,
		ExpireDateMs: cancelMs, CancelDateMs: &cancelMs, Data: "payload",
	})
	require.NoError(t, err)
	require.NotNil(t, sub.CancellationDate)
	assert.True(t, sub.CancellationDate.Equal(time.UnixMilli(cancelMs).UTC()))
}
