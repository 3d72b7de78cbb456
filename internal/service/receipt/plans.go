package receipt

import "vpn-service/internal/domain/receipt"

// Store product identifiers map to internal plan types. Unrecognized products
// are a permanent verification failure.
var iosProductToPlan = map[string]receipt.PlanType{
	"LockdownProAnnualLTO":       receipt.PlanAllAnnual,
	"TunnelsiOSUnlimitedMonthly": receipt.PlanIOSMonthly,
	"TunnelsiOSUnlimited":        receipt.PlanIOSAnnual,
	"UnlimitedTunnels":           receipt.PlanAllMonthly,
	"AnnualUnlimitedTunnels":     receipt.PlanAllAnnual,
	"LockdowniOSVpnMonthly":      receipt.PlanIOSMonthly,
	"LockdowniOSVpnAnnual":       receipt.PlanIOSAnnual,
	"LockdowniOSVpnMonthlyPro":   receipt.PlanAllMonthly,
	"LockdowniOSVpnAnnualPro":    receipt.PlanAllAnnual,
}

var androidProductToPlan = map[string]receipt.PlanType{
	"paid_sub":               receipt.PlanAndroidMonthly,
	"paid_sub_annual":        receipt.PlanAndroidAnnual,
	"unlimitedtunnels":       receipt.PlanAllMonthly,
	"androidtunnels":         receipt.PlanAndroidMonthly,
	"androidtunnelsannual":   receipt.PlanAndroidAnnual,
	"unlimitedtunnelsannual": receipt.PlanAllAnnual,
}
