package subscription

import (
	"time"

	"vpn-service/internal/domain/receipt"
)

// Plan describes a purchasable plan for presentation and entitlement checks.
type Plan struct {
	IsAll       bool
	Name        string
	Description string
}

// Catalog maps every internal plan type to its presentation metadata.
var Catalog = map[receipt.PlanType]Plan{
	receipt.PlanAllAnnual: {
		IsAll:       true,
		Name:        "Pro Plan - Annual",
		Description: "Unlimited VPN for Windows, Mac, iOS, and Android, with a maximum of five (5) devices connected simultaneously.",
	},
	receipt.PlanAllMonthly: {
		IsAll:       true,
		Name:        "Pro Plan - Monthly",
		Description: "Unlimited VPN for Windows, Mac, iOS, and Android, with a maximum of five (5) devices connected simultaneously.",
	},
	receipt.PlanIOSAnnual: {
		Name:        "iOS Plan - Annual",
		Description: "Unlimited VPN for iPad and iPhone, with a maximum of three (3) devices connected simultaneously.",
	},
	receipt.PlanIOSMonthly: {
		Name:        "iOS Plan - Monthly",
		Description: "Unlimited VPN for iPad and iPhone, with a maximum of three (3) devices connected simultaneously.",
	},
	receipt.PlanAndroidAnnual: {
		Name:        "Android Plan - Annual",
		Description: "Unlimited VPN for Android tablets and phones, with a maximum of three (3) devices connected simultaneously.",
	},
	receipt.PlanAndroidMonthly: {
		Name:        "Android Plan - Monthly",
		Description: "Unlimited VPN for Android tablets and phones, with a maximum of three (3) devices connected simultaneously.",
	},
}

// Summary is the filtered, user-facing view of a subscription.
type Summary struct {
	PlanType        receipt.PlanType `json:"plan_type"`
	PlanName        string           `json:"plan_name"`
	PlanIsAll       bool             `json:"plan_is_all"`
	ReceiptID       string           `json:"receipt_id"`
	ExpirationDate  time.Time        `json:"expiration_date"`
	CancellationSet bool             `json:"cancelled"`
	InTrial         bool             `json:"in_trial"`
	RenewEnabled    bool             `json:"renew_enabled"`
}

// Summarize builds the user-facing view, subtracting the grace period from the
// stored expiration.
func (s *Subscription) Summarize(gracePeriodDays int) Summary {
	plan := Catalog[s.PlanType]
	return Summary{
		PlanType:        s.PlanType,
		PlanName:        plan.Name,
		PlanIsAll:       plan.IsAll,
		ReceiptID:       s.ReceiptID,
		ExpirationDate:  s.DisplayedExpiration(gracePeriodDays),
		CancellationSet: s.CancellationDate != nil,
		InTrial:         s.InTrial,
		RenewEnabled:    s.RenewEnabled,
	}
}
