package partner

// Partner is a revenue-share counterpart. Campaign codes on users attribute
// subscriptions back to the partner for reporting.
type Partner struct {
	ID              int64
	Title           string
	Code            string
	PercentageShare float64
}

// CampaignReport is a point-in-time count of attributed subscriptions.
type CampaignReport struct {
	Code                string
	ActiveSubscriptions int
	TotalSubscriptions  int
	PercentageShare     float64
}
