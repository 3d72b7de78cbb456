package receipt

import (
	"encoding/json"
	"strings"

	"vpn-service/internal/domain/receipt"

	"github.com/stripe/stripe-go/v76"
)

// FromStripe converts a Stripe subscription into a canonical receipt. Plan
// ids carry currency suffixes ("all-annual-GBP"), so match on prefix, annual
// before monthly.
func FromStripe(sub *stripe.Subscription) *receipt.Receipt {
	planID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Plan != nil {
		planID = sub.Items.Data[0].Plan.ID
	}
	planType := receipt.PlanType("invalid")
	switch {
	case strings.HasPrefix(planID, "all-annual"):
		planType = receipt.PlanAllAnnual
	case strings.HasPrefix(planID, "all-monthly"):
		planType = receipt.PlanAllMonthly
	}

	inTrial := sub.Status == stripe.SubscriptionStatusTrialing
	expireMs := sub.CurrentPeriodEnd * 1000
	if inTrial {
		expireMs = sub.TrialEnd * 1000
	}

	cancelled := sub.CanceledAt != 0
	var cancelMs *int64
	if cancelled {
		ms := sub.CanceledAt * 1000
		cancelMs = &ms
	}

	raw, _ := json.Marshal(sub)
	return &receipt.Receipt{
		Type:                      receipt.TypeStripe,
		ID:                        sub.ID,
		PlanType:                  planType,
		ExpireDateMs:              expireMs,
		CancelDateMs:              cancelMs,
		InTrial:                   inTrial,
		RenewEnabled:              !cancelled,
		Data:                      string(raw),
		ExpirationIntentCancelled: cancelled,
	}
}
