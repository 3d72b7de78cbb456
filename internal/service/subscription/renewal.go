package subscription

import (
	"context"
	"time"

	"vpn-service/internal/domain/receipt"
	"vpn-service/internal/domain/subscription"
	xerrors "vpn-service/internal/pkg/errors"
	"vpn-service/internal/pkg/metrics"
	"vpn-service/internal/pkg/secure"
	receiptsvc "vpn-service/internal/service/receipt"

	"github.com/oklog/ulid/v2"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// expireNoticeInterval throttles expiration notices per subscription.
const expireNoticeInterval = 10 * 24 * time.Hour

// Verifier re-validates a stored IAP receipt with its provider.
type Verifier interface {
	Verify(ctx context.Context, rawData string, receiptType receipt.Type) (*receipt.Receipt, error)
}

// StripeClient fetches the current state of a Stripe subscription. Stripe
// receipts are refreshed from the API rather than by re-submitting a payload.
type StripeClient interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// ExpirationNotifier emails a user that their subscription has lapsed.
type ExpirationNotifier interface {
	SendExpirationNotice(ctx context.Context, userID string) error
}

// Counts reports the outcome of one renewal batch.
type Counts struct {
	Success int
	Fail    int
}

// Renewer re-checks stored subscriptions against their providers and
// reconciles the results. Individual check failures are isolated: they flag
// the row and count as failures, the batch keeps going.
type Renewer struct {
	store      Store
	reconciler *Reconciler
	verifier   Verifier
	stripe     StripeClient
	notifier   ExpirationNotifier
	aesKey     string
	logger     *zap.Logger
}

func NewRenewer(store Store, reconciler *Reconciler, verifier Verifier, stripe StripeClient,
	notifier ExpirationNotifier, aesKey string, logger *zap.Logger) *Renewer {
	return &Renewer{
		store:      store,
		reconciler: reconciler,
		verifier:   verifier,
		stripe:     stripe,
		notifier:   notifier,
		aesKey:     aesKey,
		logger:     logger,
	}
}

// RenewAll re-checks every subscription.
func (r *Renewer) RenewAll(ctx context.Context) (Counts, error) {
	subs, err := r.store.ListAll(ctx)
	if err != nil {
		return Counts{}, err
	}
	return r.renewEach(ctx, "all", subs), nil
}

// RenewUser re-checks every subscription belonging to one user.
func (r *Renewer) RenewUser(ctx context.Context, userID string) (Counts, error) {
	subs, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return Counts{}, err
	}
	return r.renewEach(ctx, "user", subs), nil
}

// RenewFailed re-checks only subscriptions flagged by a previous failed check.
func (r *Renewer) RenewFailed(ctx context.Context) (Counts, error) {
	subs, err := r.store.ListFailed(ctx)
	if err != nil {
		return Counts{}, err
	}
	return r.renewEach(ctx, "failed", subs), nil
}

// RenewRange re-checks subscriptions expiring between startDaysAgo days in the
// past and endDaysLater days in the future, plus all currently-failed rows.
// This is the strategy the daily job runs.
func (r *Renewer) RenewRange(ctx context.Context, startDaysAgo, endDaysLater int) (Counts, error) {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -startDaysAgo)
	end := now.AddDate(0, 0, endDaysLater)
	subs, err := r.store.ListExpiringInRange(ctx, start, end)
	if err != nil {
		return Counts{}, err
	}
	return r.renewEach(ctx, "range", subs), nil
}

func (r *Renewer) renewEach(ctx context.Context, strategy string, subs []subscription.Subscription) Counts {
	runLog := r.logger.With(
		zap.String("runId", ulid.Make().String()),
		zap.String("strategy", strategy),
	)
	metrics.RenewalBatches.WithLabelValues(strategy).Inc()
	runLog.Info("starting renewal batch", zap.Int("subscriptions", len(subs)))

	var counts Counts
	for i := range subs {
		if err := r.renewOne(ctx, runLog, &subs[i]); err != nil {
			counts.Fail++
			metrics.RenewalChecks.WithLabelValues("fail").Inc()
			runLog.Error("renewal check failed",
				zap.String("receiptId", subs[i].ReceiptID),
				zap.String("receiptType", string(subs[i].ReceiptType)),
				zap.Error(err))
			continue
		}
		counts.Success++
		metrics.RenewalChecks.WithLabelValues("success").Inc()
	}

	runLog.Info("renewal batch complete",
		zap.Int("success", counts.Success), zap.Int("fail", counts.Fail))
	return counts
}

// renewOne re-checks a single subscription. A provider answer that is a
// definitive business outcome (expired token, terminal payment failure) counts
// as a successful check: the provider answered, there is nothing to retry.
func (r *Renewer) renewOne(ctx context.Context, log *zap.Logger, sub *subscription.Subscription) error {
	rcpt, err := r.currentReceipt(ctx, sub)
	if err != nil {
		if xerrors.IsAcceptable(err) {
			log.Info("renewal check got a terminal provider answer",
				zap.String("receiptId", sub.ReceiptID), zap.Int("code", xerrors.CodeOf(err)))
			r.maybeNotifyExpired(ctx, log, sub)
			return nil
		}
		r.reconciler.MarkFailed(ctx, sub.ReceiptID)
		return err
	}

	refreshed, err := r.reconciler.Refresh(ctx, rcpt)
	if err != nil {
		// The flag covers the whole check: a row that verified but failed to
		// reconcile must still land in the failed retry set.
		r.reconciler.MarkFailed(ctx, sub.ReceiptID)
		return err
	}
	r.maybeNotifyExpired(ctx, log, refreshed)
	return nil
}

func (r *Renewer) currentReceipt(ctx context.Context, sub *subscription.Subscription) (*receipt.Receipt, error) {
	if sub.ReceiptType == receipt.TypeStripe {
		stripeSub, err := r.stripe.GetSubscription(ctx, sub.ReceiptID)
		if err != nil {
			return nil, err
		}
		return receiptsvc.FromStripe(stripeSub), nil
	}
	raw, err := secure.Decrypt(sub.ReceiptDataEncrypted, r.aesKey)
	if err != nil {
		return nil, xerrors.WrapCode(err, 8, xerrors.SeverityFatal, "decrypting stored receipt payload")
	}
	return r.verifier.Verify(ctx, raw, sub.ReceiptType)
}

// maybeNotifyExpired emails the owner of a lapsed, uncancelled subscription,
// at most once per notice interval. Failures are logged only.
func (r *Renewer) maybeNotifyExpired(ctx context.Context, log *zap.Logger, sub *subscription.Subscription) {
	if r.notifier == nil {
		return
	}
	if sub.Active(time.Now()) || sub.CancellationDate != nil {
		return
	}
	if sub.LastExpireEmailDate != nil && time.Since(*sub.LastExpireEmailDate) < expireNoticeInterval {
		return
	}
	if err := r.notifier.SendExpirationNotice(ctx, sub.UserID); err != nil {
		log.Warn("could not send expiration notice",
			zap.String("userId", sub.UserID), zap.Error(err))
		return
	}
	if _, err := r.store.StampExpireEmail(ctx, sub.ReceiptID); err != nil {
		log.Warn("could not stamp expiration notice date",
			zap.String("receiptId", sub.ReceiptID), zap.Error(err))
	}
}
