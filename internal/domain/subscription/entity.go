package subscription

import (
	"time"

	"vpn-service/internal/domain/receipt"
)

// Subscription is the persisted reconciliation of a receipt, keyed by
// (receipt_id, receipt_type). ExpirationDate includes the grace-period offset
// added at write time; user-facing dates subtract it back out.
type Subscription struct {
	UserID      string
	PlanType    receipt.PlanType
	ReceiptID   string
	ReceiptType receipt.Type

	// ReceiptDataEncrypted is the AES-encrypted raw provider payload.
	ReceiptDataEncrypted string

	ExpirationDate   time.Time
	CancellationDate *time.Time

	InTrial         bool
	RenewEnabled    bool
	FailedLastCheck bool

	LastExpireEmailDate *time.Time
	Updated             time.Time
}

// DisplayedExpiration returns the expiration shown to users: the stored date
// minus the grace period that was added when the row was written.
func (s *Subscription) DisplayedExpiration(gracePeriodDays int) time.Time {
	return s.ExpirationDate.AddDate(0, 0, -gracePeriodDays)
}

// Active reports whether the subscription has not yet lapsed.
func (s *Subscription) Active(now time.Time) bool {
	return s.ExpirationDate.After(now)
}
