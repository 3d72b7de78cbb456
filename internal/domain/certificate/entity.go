package certificate

// Certificate is a pre-generated client identity. Certificates are minted in
// bulk by the PKI pipeline and claimed one at a time; the claimed user_id
// becomes the internal account id.
type Certificate struct {
	Serial   string
	SourceID string
	UserID   string
	Revoked  bool
	Assigned bool

	// P12Encrypted is the AES-encrypted PKCS#12 bundle.
	P12Encrypted string
}
