package receipt

// Type identifies the provider a receipt was verified against.
type Type string

const (
	TypeIOS     Type = "ios"
	TypeAndroid Type = "android"
	TypeStripe  Type = "stripe"
)

// PlanType is the internal plan identifier a provider product maps to.
type PlanType string

const (
	PlanIOSMonthly     PlanType = "ios-monthly"
	PlanIOSAnnual      PlanType = "ios-annual"
	PlanAndroidMonthly PlanType = "android-monthly"
	PlanAndroidAnnual  PlanType = "android-annual"
	PlanAllMonthly     PlanType = "all-monthly"
	PlanAllAnnual      PlanType = "all-annual"
)

// Receipt is the canonical, provider-agnostic result of verifying a purchase.
// It is ephemeral: reconciliation persists it onto a Subscription row.
type Receipt struct {
	Type     Type
	ID       string // original_transaction_id, orderId, or Stripe subscription id
	PlanType PlanType

	ExpireDateMs int64
	CancelDateMs *int64

	InTrial      bool
	RenewEnabled bool

	// Data is the raw provider payload, stored encrypted at rest so renewal
	// checks can re-submit it to the provider.
	Data string

	// ExpirationIntentCancelled is set when the provider signalled explicit
	// non-renewal intent.
	ExpirationIntentCancelled bool
}
