package subscription

import (
	"context"
	"time"

	"vpn-service/internal/domain/receipt"
	"vpn-service/internal/domain/subscription"
	xerrors "vpn-service/internal/pkg/errors"
	"vpn-service/internal/pkg/secure"

	"go.uber.org/zap"
)

// gracePeriodDays pads stored expirations so a slow provider-side renewal does
// not cut off access the moment the paid period ends. Development runs with no
// padding so expirations can be exercised immediately.
const gracePeriodDays = 3

// Store is the persistence surface the subscription services need. Implemented
// by postgres.SubscriptionRepository.
type Store interface {
	Upsert(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error)
	UpdateWithReceipt(ctx context.Context, receiptID, encryptedData string, receiptType receipt.Type,
		expiration time.Time, cancellation *time.Time, inTrial, renewEnabled bool) (*subscription.Subscription, error)
	SetFailed(ctx context.Context, receiptID string, failed bool) (*subscription.Subscription, error)
	FindByReceipt(ctx context.Context, receiptID string, receiptType receipt.Type) (*subscription.Subscription, error)
	StampExpireEmail(ctx context.Context, receiptID string) (*subscription.Subscription, error)
	ListAll(ctx context.Context) ([]subscription.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]subscription.Subscription, error)
	ListFailed(ctx context.Context) ([]subscription.Subscription, error)
	ListExpiringInRange(ctx context.Context, start, end time.Time) ([]subscription.Subscription, error)
}

// Reconciler persists verified receipts onto subscription rows. Receipt
// payloads are encrypted before they touch the database.
type Reconciler struct {
	store  Store
	aesKey string
	grace  int
	logger *zap.Logger
}

func NewReconciler(store Store, aesKey, environment string, logger *zap.Logger) *Reconciler {
	grace := gracePeriodDays
	if environment == "DEVELOPMENT" {
		grace = 0
	}
	return &Reconciler{store: store, aesKey: aesKey, grace: grace, logger: logger}
}

// GracePeriodDays exposes the active grace period for user-facing date math.
func (r *Reconciler) GracePeriodDays() int {
	return r.grace
}

// expiration converts the provider's millisecond expiration to the stored
// expiration with the grace period added. Cancellation dates are stored as-is.
func (r *Reconciler) expiration(rcpt *receipt.Receipt) time.Time {
	return time.UnixMilli(rcpt.ExpireDateMs).UTC().AddDate(0, 0, r.grace)
}

func cancellation(rcpt *receipt.Receipt) *time.Time {
	if rcpt.CancelDateMs == nil {
		return nil
	}
	t := time.UnixMilli(*rcpt.CancelDateMs).UTC()
	return &t
}

// Upsert writes the subscription derived from a verified receipt, creating the
// row or overwriting it when (receiptId, receiptType) already exists.
func (r *Reconciler) Upsert(ctx context.Context, userID string, rcpt *receipt.Receipt) (*subscription.Subscription, error) {
	encrypted, err := secure.Encrypt(rcpt.Data, r.aesKey)
	if err != nil {
		return nil, xerrors.WrapCode(err, 8, xerrors.SeverityFatal, "encrypting receipt payload")
	}
	sub := &subscription.Subscription{
		UserID:               userID,
		PlanType:             rcpt.PlanType,
		ReceiptID:            rcpt.ID,
		ReceiptType:          rcpt.Type,
		ReceiptDataEncrypted: encrypted,
		ExpirationDate:       r.expiration(rcpt),
		CancellationDate:     cancellation(rcpt),
		InTrial:              rcpt.InTrial,
		RenewEnabled:         rcpt.RenewEnabled,
	}
	return r.store.Upsert(ctx, sub)
}

// Refresh overwrites the receipt-derived fields of an existing subscription
// after a successful renewal check and clears its failed flag.
func (r *Reconciler) Refresh(ctx context.Context, rcpt *receipt.Receipt) (*subscription.Subscription, error) {
	encrypted, err := secure.Encrypt(rcpt.Data, r.aesKey)
	if err != nil {
		return nil, xerrors.WrapCode(err, 8, xerrors.SeverityFatal, "encrypting receipt payload")
	}
	return r.store.UpdateWithReceipt(ctx, rcpt.ID, encrypted, rcpt.Type,
		r.expiration(rcpt), cancellation(rcpt), rcpt.InTrial, rcpt.RenewEnabled)
}

// MarkFailed flags the subscription after a failed renewal check. Best effort:
// a flagging failure is logged, never propagated, so one bad row cannot stall
// a batch.
func (r *Reconciler) MarkFailed(ctx context.Context, receiptID string) {
	if _, err := r.store.SetFailed(ctx, receiptID, true); err != nil {
		r.logger.Error("could not flag subscription after failed renewal check",
			zap.String("receiptId", receiptID), zap.Error(err))
	}
}
