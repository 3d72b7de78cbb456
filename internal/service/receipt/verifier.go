package receipt

import (
	"context"
	"net/http"
	"time"

	"vpn-service/internal/domain/receipt"
	xerrors "vpn-service/internal/pkg/errors"

	"go.uber.org/zap"
)

const (
	appleProdURL     = "https://buy.itunes.apple.com/verifyReceipt"
	appleSandboxURL  = "https://sandbox.itunes.apple.com/verifyReceipt"
	googleOAuthURL   = "https://accounts.google.com/o/oauth2/token"
	googleAPIBaseURL = "https://www.googleapis.com/androidpublisher/v3"
)

// Retry caps. Provider status codes (503, retryable Apple statuses) get three
// retries; connection-level failures get ten.
const (
	maxStatusRetries    = 3
	maxTransportRetries = 10
)

// Receipt identifiers the stores hand out for test purchases. Only usable in
// test and development environments.
const (
	testIOSReceiptID     = "1000000386259702"
	testAndroidReceiptID = "GPA.3330-7836-8005-98670"
)

// Config carries the provider credentials the verifier needs.
type Config struct {
	// Environment is the deployment tier: "production", "development" or "test".
	Environment string

	IOSSharedSecret string
	// IOSSandbox forces the Apple sandbox endpoint regardless of environment.
	IOSSandbox bool

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRefreshToken string
	GooglePackageName  string
	// GoogleLicenseKey is the base64 DER public key Play signs purchase data with.
	GoogleLicenseKey string
}

// Verifier normalizes raw store receipts into canonical receipts by calling
// the provider and applying its retry/error policy.
type Verifier struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	// Endpoint overrides for tests.
	appleProdURL     string
	appleSandboxURL  string
	googleOAuthURL   string
	googleAPIBaseURL string
}

func NewVerifier(cfg Config, logger *zap.Logger) *Verifier {
	return &Verifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,

		appleProdURL:     appleProdURL,
		appleSandboxURL:  appleSandboxURL,
		googleOAuthURL:   googleOAuthURL,
		googleAPIBaseURL: googleAPIBaseURL,
	}
}

// Verify validates a raw IAP receipt with its provider and returns the
// canonical receipt. Terminal provider rejections come back with fatal
// severity; definitive business outcomes (declined payment, expired purchase
// token) with acceptable severity.
func (v *Verifier) Verify(ctx context.Context, rawData string, receiptType receipt.Type) (*receipt.Receipt, error) {
	if rawData == "" {
		return nil, xerrors.Newf(5, xerrors.SeverityFatal, "missing receipt for %s request", receiptType)
	}

	var (
		rcpt *receipt.Receipt
		err  error
	)
	switch receiptType {
	case receipt.TypeIOS:
		rcpt, err = v.verifyApple(ctx, rawData)
	case receipt.TypeAndroid:
		rcpt, err = v.verifyGoogle(ctx, rawData)
	default:
		return nil, xerrors.Newf(5, xerrors.SeverityFatal, "invalid IAP receipt type: %s", receiptType)
	}
	if err != nil {
		return nil, err
	}
	if err := v.guardTestReceipt(rcpt.ID); err != nil {
		return nil, err
	}
	return rcpt, nil
}

func (v *Verifier) guardTestReceipt(id string) error {
	if v.cfg.Environment == "test" || v.cfg.Environment == "development" {
		return nil
	}
	if id == testIOSReceiptID || id == testAndroidReceiptID {
		return xerrors.New(57, xerrors.SeverityFatal, "test receipts are not allowed outside test environments")
	}
	return nil
}
