package user

// User is an account holder. Shadow users created at IAP purchase time carry
// only a certificate-backed ID and an email confirmation code; email and
// password arrive later, if ever.
type User struct {
	ID string

	// Email is the HMAC-SHA512 hash used for lookups; EmailEncrypted is the
	// reversible ciphertext kept for outbound mail.
	Email          string
	EmailEncrypted string
	EmailConfirmed bool

	EmailConfirmCode string
	PasswordHash     string

	PartnerCampaign *string
	ReferredBy      *string
	ReferralCode    string
}
