package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vpn-service/internal/domain/receipt"
	"vpn-service/internal/domain/subscription"
	xerrors "vpn-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `user_id, plan_type, receipt_id, receipt_data, receipt_type,
	expiration_date, cancellation_date, in_trial, renew_enabled, failed_last_check,
	last_expire_email_date, updated`

type SubscriptionRepository struct {
	db Querier
}

func NewSubscriptionRepository(db Querier) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := row.Scan(
		&sub.UserID, &sub.PlanType, &sub.ReceiptID, &sub.ReceiptDataEncrypted, &sub.ReceiptType,
		&sub.ExpirationDate, &sub.CancellationDate, &sub.InTrial, &sub.RenewEnabled,
		&sub.FailedLastCheck, &sub.LastExpireEmailDate, &sub.Updated,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]subscription.Subscription, error) {
	defer rows.Close()
	var subs []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading subscription rows: %w", err)
	}
	return subs, nil
}

// FindByReceipt looks up the subscription keyed by (receipt_id, receipt_type).
func (r *SubscriptionRepository) FindByReceipt(ctx context.Context, receiptID string, receiptType receipt.Type) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE receipt_id = $1 AND receipt_type = $2
		LIMIT 1
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, receiptID, receiptType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding subscription by receipt: %w", err)
	}
	return sub, nil
}

// FindByUserAndReceiptID returns a subscription only if it belongs to the user.
func (r *SubscriptionRepository) FindByUserAndReceiptID(ctx context.Context, userID, receiptID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND receipt_id = $2
		LIMIT 1
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID, receiptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding subscription for user: %w", err)
	}
	return sub, nil
}

// Upsert inserts the subscription or, when (receipt_id, receipt_type) already
// exists, overwrites every mutable field and refreshes updated.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	query := `
		INSERT INTO subscriptions (user_id, plan_type, receipt_id, receipt_data, receipt_type,
			expiration_date, cancellation_date, in_trial, renew_enabled, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (receipt_id, receipt_type) DO UPDATE SET
			user_id = $1,
			plan_type = $2,
			receipt_data = $4,
			expiration_date = $6,
			cancellation_date = $7,
			in_trial = $8,
			renew_enabled = $9,
			updated = now()
		RETURNING ` + subscriptionColumns
	stored, err := scanSubscription(r.db.QueryRow(ctx, query,
		sub.UserID, sub.PlanType, sub.ReceiptID, sub.ReceiptDataEncrypted, sub.ReceiptType,
		sub.ExpirationDate, sub.CancellationDate, sub.InTrial, sub.RenewEnabled,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrDataIntegrity, 8, xerrors.SeverityFatal,
			"creating/updating subscription wrote no row")
	}
	if err != nil {
		return nil, xerrors.WrapCode(err, 8, xerrors.SeverityFatal, "creating/updating subscription")
	}
	return stored, nil
}

// UpdateWithReceipt overwrites the receipt-derived fields of the subscription
// identified by receipt id and clears the failed-check flag.
func (r *SubscriptionRepository) UpdateWithReceipt(ctx context.Context, receiptID, encryptedData string,
	receiptType receipt.Type, expiration time.Time, cancellation *time.Time, inTrial, renewEnabled bool) (*subscription.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET receipt_data = $1,
			expiration_date = $2,
			cancellation_date = $3,
			receipt_type = $4,
			in_trial = $5,
			renew_enabled = $6,
			failed_last_check = false,
			updated = now()
		WHERE receipt_id = $7
		RETURNING ` + subscriptionColumns
	stored, err := scanSubscription(r.db.QueryRow(ctx, query,
		encryptedData, expiration, cancellation, receiptType, inTrial, renewEnabled, receiptID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrDataIntegrity, 26, xerrors.SeverityFatal,
			"no subscription updated for receipt "+receiptID)
	}
	if err != nil {
		return nil, xerrors.WrapCode(err, 8, xerrors.SeverityFatal, "updating subscription with receipt")
	}
	return stored, nil
}

// SetFailed flips the failed-check flag on the subscription.
func (r *SubscriptionRepository) SetFailed(ctx context.Context, receiptID string, failed bool) (*subscription.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET failed_last_check = $1, updated = now()
		WHERE receipt_id = $2
		RETURNING ` + subscriptionColumns
	stored, err := scanSubscription(r.db.QueryRow(ctx, query, failed, receiptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrDataIntegrity, 26, xerrors.SeverityFatal,
			"no subscription found to mark failed: "+receiptID)
	}
	if err != nil {
		return nil, fmt.Errorf("marking subscription failed: %w", err)
	}
	return stored, nil
}

// StampExpireEmail records that an expiration notice was sent.
func (r *SubscriptionRepository) StampExpireEmail(ctx context.Context, receiptID string) (*subscription.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET last_expire_email_date = now()
		WHERE receipt_id = $1
		RETURNING ` + subscriptionColumns
	stored, err := scanSubscription(r.db.QueryRow(ctx, query, receiptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.WrapCode(xerrors.ErrDataIntegrity, 26, xerrors.SeverityFatal,
			"no subscription found to stamp expire email: "+receiptID)
	}
	if err != nil {
		return nil, fmt.Errorf("stamping expire email date: %w", err)
	}
	return stored, nil
}

// ListAll returns every subscription.
func (r *SubscriptionRepository) ListAll(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := r.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListByUser returns every subscription belonging to one user.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions for user: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListActiveByUser returns the user's unexpired subscriptions.
func (r *SubscriptionRepository) ListActiveByUser(ctx context.Context, userID string) ([]subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND expiration_date > now()
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing active subscriptions for user: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListFailed returns every subscription flagged by a failed renewal check.
func (r *SubscriptionRepository) ListFailed(ctx context.Context) ([]subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE failed_last_check = true`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing failed subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListExpiringInRange returns subscriptions whose expiration falls inside
// (start, end), plus every currently-failed subscription regardless of window.
func (r *SubscriptionRepository) ListExpiringInRange(ctx context.Context, start, end time.Time) ([]subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE ($1 < expiration_date AND expiration_date < $2)
			OR failed_last_check = true
	`
	rows, err := r.db.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions in expiration range: %w", err)
	}
	return collectSubscriptions(rows)
}
