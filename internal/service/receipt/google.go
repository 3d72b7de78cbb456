package receipt

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"vpn-service/internal/domain/receipt"
	xerrors "vpn-service/internal/pkg/errors"
	"vpn-service/internal/pkg/metrics"

	"go.uber.org/zap"
)

// androidEnvelope is the client-side purchase envelope, base64 encoded by the
// app before upload. INAPP_PURCHASE_DATA is itself a JSON string signed by
// Play.
type androidEnvelope struct {
	ResponseCode *int   `json:"RESPONSE_CODE"`
	PurchaseData string `json:"INAPP_PURCHASE_DATA"`
	Signature    string `json:"INAPP_DATA_SIGNATURE"`
}

type androidPurchaseData struct {
	OrderID       string `json:"orderId"`
	PackageName   string `json:"packageName"`
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
}

type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Play API subscription resource. Millisecond timestamps arrive as strings.
type googleSubscriptionPurchase struct {
	StartTimeMillis            string `json:"startTimeMillis"`
	ExpiryTimeMillis           string `json:"expiryTimeMillis"`
	UserCancellationTimeMillis string `json:"userCancellationTimeMillis"`
	AutoRenewing               *bool  `json:"autoRenewing"`
	PaymentState               *int   `json:"paymentState"`
	CancelReason               *int   `json:"cancelReason"`
	OrderID                    string `json:"orderId"`
}

func (v *Verifier) verifyGoogle(ctx context.Context, rawData string) (*receipt.Receipt, error) {
	decoded, err := base64.StdEncoding.DecodeString(rawData)
	if err != nil {
		return nil, xerrors.WrapCode(err, 65, xerrors.SeverityFatal, "Android receipt is not valid base64")
	}
	var envelope androidEnvelope
	if err := json.Unmarshal(decoded, &envelope); err != nil {
		return nil, xerrors.WrapCode(err, 65, xerrors.SeverityFatal, "Android receipt envelope is not valid JSON")
	}
	if envelope.ResponseCode == nil || *envelope.ResponseCode != 0 {
		return nil, xerrors.New(64, xerrors.SeverityFatal, "Android purchase response code is not OK")
	}
	if envelope.PurchaseData == "" {
		return nil, xerrors.New(66, xerrors.SeverityFatal, "Android receipt missing INAPP_PURCHASE_DATA")
	}
	if envelope.Signature == "" {
		return nil, xerrors.New(66, xerrors.SeverityFatal, "Android receipt missing INAPP_DATA_SIGNATURE")
	}
	if err := verifyPlaySignature(v.cfg.GoogleLicenseKey, envelope.PurchaseData, envelope.Signature); err != nil {
		return nil, xerrors.WrapCode(err, 63, xerrors.SeverityFatal, "Android purchase data signature is invalid")
	}

	var purchase androidPurchaseData
	if err := json.Unmarshal([]byte(envelope.PurchaseData), &purchase); err != nil {
		return nil, xerrors.WrapCode(err, 66, xerrors.SeverityFatal, "Android purchase data is not valid JSON")
	}
	if purchase.OrderID == "" {
		return nil, xerrors.New(66, xerrors.SeverityFatal, "Android purchase data missing orderId")
	}
	if purchase.PurchaseToken == "" {
		return nil, xerrors.New(66, xerrors.SeverityFatal, "Android purchase data missing purchaseToken")
	}
	if purchase.PackageName != v.cfg.GooglePackageName {
		return nil, xerrors.Newf(66, xerrors.SeverityFatal,
			"Android purchase package name mismatch: %s", purchase.PackageName)
	}
	planType, ok := androidProductToPlan[purchase.ProductID]
	if !ok {
		return nil, xerrors.Newf(68, xerrors.SeverityFatal, "unrecognized Android product id: %s", purchase.ProductID)
	}

	accessToken, err := v.googleAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := v.fetchPlaySubscription(ctx, accessToken, purchase.ProductID, purchase.PurchaseToken)
	if err != nil {
		return nil, err
	}

	// paymentState 0 means payment pending. The purchase still counts until
	// Play expires it, so only log.
	if sub.PaymentState != nil && *sub.PaymentState == 0 {
		v.logger.Info("Android subscription payment is pending", zap.String("orderId", purchase.OrderID))
	}

	if sub.StartTimeMillis == "" {
		return nil, xerrors.New(66, xerrors.SeverityFatal, "Play subscription missing startTimeMillis")
	}
	expireMs, err := strconv.ParseInt(sub.ExpiryTimeMillis, 10, 64)
	if err != nil {
		return nil, xerrors.New(66, xerrors.SeverityFatal, "Play subscription missing expiryTimeMillis")
	}
	if sub.AutoRenewing == nil {
		return nil, xerrors.New(66, xerrors.SeverityFatal, "Play subscription missing autoRenewing")
	}
	if sub.OrderID == "" {
		return nil, xerrors.New(66, xerrors.SeverityFatal, "Play subscription missing orderId")
	}
	// Renewal orders append "..N" to the original order id. The stable prefix
	// must match the order the client claims to hold.
	if strings.Split(sub.OrderID, "..")[0] != purchase.OrderID {
		return nil, xerrors.Newf(69, xerrors.SeverityFatal,
			"Play order id %s does not match purchase order id %s", sub.OrderID, purchase.OrderID)
	}

	var cancelMs *int64
	if ms, err := strconv.ParseInt(sub.UserCancellationTimeMillis, 10, 64); err == nil {
		cancelMs = &ms
	}

	return &receipt.Receipt{
		Type:                      receipt.TypeAndroid,
		ID:                        purchase.OrderID,
		PlanType:                  planType,
		ExpireDateMs:              expireMs,
		CancelDateMs:              cancelMs,
		InTrial:                   sub.PaymentState != nil && *sub.PaymentState == 2,
		RenewEnabled:              *sub.AutoRenewing,
		Data:                      rawData,
		ExpirationIntentCancelled: sub.CancelReason != nil && *sub.CancelReason == 0,
	}, nil
}

// googleAccessToken exchanges the configured refresh token for a short-lived
// Play API access token.
func (v *Verifier) googleAccessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {v.cfg.GoogleClientID},
		"client_secret": {v.cfg.GoogleClientSecret},
		"refresh_token": {v.cfg.GoogleRefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.googleOAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", xerrors.WrapCode(err, 61, xerrors.SeverityFatal, "building Google token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", xerrors.WrapCode(err, 61, xerrors.SeverityFatal, "requesting Google access token")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", xerrors.WrapCode(err, 61, xerrors.SeverityFatal, "reading Google token response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Newf(61, xerrors.SeverityFatal, "Google token endpoint returned HTTP %d", resp.StatusCode)
	}
	var token googleTokenResponse
	if err := json.Unmarshal(body, &token); err != nil || token.AccessToken == "" {
		return "", xerrors.New(61, xerrors.SeverityFatal, "Google token response missing access_token")
	}
	return token.AccessToken, nil
}

func (v *Verifier) fetchPlaySubscription(ctx context.Context, accessToken, productID, purchaseToken string) (*googleSubscriptionPurchase, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s?access_token=%s",
		v.googleAPIBaseURL, v.cfg.GooglePackageName,
		url.PathEscape(productID), url.PathEscape(purchaseToken), url.QueryEscape(accessToken))

	retries := 0
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("building Play subscription request: %w", err)
		}
		resp, err := v.httpClient.Do(req)
		if err != nil {
			if retries < maxStatusRetries {
				retries++
				metrics.VerificationRetries.WithLabelValues("google").Inc()
				v.logger.Info("transport error talking to Play API, retrying",
					zap.Int("attempt", retries), zap.Error(err))
				continue
			}
			return nil, xerrors.WrapCode(err, 621, xerrors.SeverityFatal, "error fetching Play subscription")
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, xerrors.WrapCode(err, 621, xerrors.SeverityFatal, "reading Play subscription response")
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var sub googleSubscriptionPurchase
			if err := json.Unmarshal(body, &sub); err != nil {
				return nil, xerrors.WrapCode(err, 621, xerrors.SeverityFatal, "decoding Play subscription response")
			}
			return &sub, nil
		case resp.StatusCode == http.StatusServiceUnavailable:
			if retries < maxStatusRetries {
				retries++
				metrics.VerificationRetries.WithLabelValues("google").Inc()
				v.logger.Info("Play API unavailable, retrying", zap.Int("attempt", retries))
				continue
			}
			return nil, xerrors.Newf(621, xerrors.SeverityFatal, "Play API returned 503 after %d retries", retries)
		case resp.StatusCode == http.StatusGone:
			// The purchase token is permanently dead. Expected for long-expired
			// subscriptions swept up by renewal batches.
			return nil, xerrors.New(62, xerrors.SeverityAcceptable, "Play purchase token is no longer valid")
		default:
			return nil, xerrors.Newf(621, xerrors.SeverityFatal, "Play API returned HTTP %d", resp.StatusCode)
		}
	}
}

// verifyPlaySignature checks the RSA-SHA1 signature Play produced over the
// purchase data against the app's license key.
func verifyPlaySignature(licenseKey, signedData, signature string) error {
	der, err := base64.StdEncoding.DecodeString(licenseKey)
	if err != nil {
		return fmt.Errorf("decoding license key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("parsing license key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("license key is not an RSA public key")
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	digest := sha1.Sum([]byte(signedData))
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA1, digest[:], sig); err != nil {
		return fmt.Errorf("signature does not match purchase data: %w", err)
	}
	return nil
}
