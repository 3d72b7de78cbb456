package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"vpn-service/internal/domain/receipt"
	xerrors "vpn-service/internal/pkg/errors"
	"vpn-service/internal/pkg/metrics"

	"go.uber.org/zap"
)

// Apple encodes numeric receipt fields as JSON strings.
type appleReceiptInfo struct {
	ProductID             string `json:"product_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ExpiresDateMs         string `json:"expires_date_ms"`
	CancellationDateMs    string `json:"cancellation_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
}

type applePendingRenewal struct {
	AutoRenewStatus  string `json:"auto_renew_status"`
	ExpirationIntent string `json:"expiration_intent"`
}

type appleVerifyResponse struct {
	Status             int                   `json:"status"`
	IsRetryable        *bool                 `json:"is_retryable"`
	LatestReceiptInfo  []appleReceiptInfo    `json:"latest_receipt_info"`
	PendingRenewalInfo []applePendingRenewal `json:"pending_renewal_info"`
	LatestReceipt      string                `json:"latest_receipt"`
}

type appleAction int

const (
	appleAccept appleAction = iota
	appleSandboxRetry
	appleRetry
	appleSoftFail
	appleHardFail
)

// decideApple maps an Apple verification status to the next step. 21007 means
// a sandbox receipt hit the production endpoint, which happens for every App
// Review purchase, so the receipt is re-submitted to sandbox once. 21010 with
// is_retryable=false is a definitive "no subscription here" answer, not an
// outage. The 21100-21199 band is internal data access errors that Apple
// marks retryable via is_retryable; absence of the flag in that band is
// treated as retryable.
func decideApple(status int, isRetryable *bool, sandbox bool) appleAction {
	switch {
	case status == 0:
		return appleAccept
	case status == 21007 && !sandbox:
		return appleSandboxRetry
	case status == 21010 && isRetryable != nil && !*isRetryable:
		return appleSoftFail
	case status >= 21100 && status <= 21199 && (isRetryable == nil || *isRetryable):
		return appleRetry
	default:
		return appleHardFail
	}
}

func (v *Verifier) verifyApple(ctx context.Context, rawData string) (*receipt.Receipt, error) {
	sandbox := v.cfg.IOSSandbox || v.cfg.Environment == "test"
	statusRetries := 0
	transportRetries := 0

	for {
		endpoint := v.appleProdURL
		if sandbox {
			endpoint = v.appleSandboxURL
		}
		body, err := json.Marshal(map[string]any{
			"receipt-data":             rawData,
			"password":                 v.cfg.IOSSharedSecret,
			"exclude-old-transactions": true,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding Apple verification request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building Apple verification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := v.httpClient.Do(req)
		if err != nil {
			if transportRetries < maxTransportRetries {
				transportRetries++
				metrics.VerificationRetries.WithLabelValues("apple").Inc()
				v.logger.Info("transport error talking to Apple, retrying",
					zap.Int("attempt", transportRetries), zap.Error(err))
				continue
			}
			return nil, xerrors.WrapCode(err, 10, xerrors.SeverityFatal, "error validating receipt with Apple")
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, xerrors.WrapCode(err, 10, xerrors.SeverityFatal, "reading Apple verification response")
		}

		// Apple intermittently answers 503 or a 302 redirect page during
		// maintenance windows.
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusFound {
			if statusRetries < maxStatusRetries {
				statusRetries++
				metrics.VerificationRetries.WithLabelValues("apple").Inc()
				v.logger.Info("Apple verification endpoint unavailable, retrying",
					zap.Int("httpStatus", resp.StatusCode), zap.Int("attempt", statusRetries))
				continue
			}
			return nil, xerrors.Newf(10, xerrors.SeverityFatal,
				"Apple returned HTTP %d after %d retries", resp.StatusCode, statusRetries)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, xerrors.Newf(10, xerrors.SeverityFatal,
				"unrecognized HTTP status %d from Apple", resp.StatusCode)
		}

		var parsed appleVerifyResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, xerrors.WrapCode(err, 10, xerrors.SeverityFatal, "decoding Apple verification response")
		}

		switch decideApple(parsed.Status, parsed.IsRetryable, sandbox) {
		case appleAccept:
			return appleToReceipt(&parsed)
		case appleSandboxRetry:
			v.logger.Info("sandbox receipt sent to production endpoint, re-submitting to sandbox",
				zap.String("receiptTail", tail(rawData, 8)))
			sandbox = true
			continue
		case appleRetry:
			if statusRetries < maxStatusRetries {
				statusRetries++
				metrics.VerificationRetries.WithLabelValues("apple").Inc()
				v.logger.Info("retryable Apple verification status, retrying",
					zap.Int("status", parsed.Status), zap.Int("attempt", statusRetries))
				continue
			}
			return nil, xerrors.Newf(10, xerrors.SeverityFatal,
				"Apple status %d persisted after %d retries", parsed.Status, statusRetries)
		case appleSoftFail:
			return nil, xerrors.Newf(995, xerrors.SeverityAcceptable,
				"Apple reported a terminal failure for this receipt, status %d", parsed.Status)
		default:
			return nil, xerrors.Newf(10, xerrors.SeverityFatal,
				"Apple receipt verification failed with status %d", parsed.Status)
		}
	}
}

// appleToReceipt extracts the canonical receipt from a status-0 response. The
// subscription entry with the greatest expiration wins; on a tie the earliest
// entry does.
func appleToReceipt(resp *appleVerifyResponse) (*receipt.Receipt, error) {
	if len(resp.LatestReceiptInfo) == 0 {
		return nil, xerrors.New(9, xerrors.SeverityFatal, "no subscription entries in iOS receipt")
	}

	latestIdx := 0
	latestMs := int64(0)
	for i, info := range resp.LatestReceiptInfo {
		if ms, err := strconv.ParseInt(info.ExpiresDateMs, 10, 64); err == nil && ms > latestMs {
			latestIdx, latestMs = i, ms
		}
	}
	info := resp.LatestReceiptInfo[latestIdx]

	if len(resp.PendingRenewalInfo) == 0 {
		return nil, xerrors.New(9, xerrors.SeverityFatal, "iOS receipt missing pending_renewal_info")
	}
	renewal := resp.PendingRenewalInfo[0]

	if info.OriginalTransactionID == "" {
		return nil, xerrors.New(9, xerrors.SeverityFatal, "iOS receipt missing original_transaction_id")
	}
	expireMs, err := strconv.ParseInt(info.ExpiresDateMs, 10, 64)
	if err != nil {
		return nil, xerrors.New(9, xerrors.SeverityFatal, "iOS receipt missing expires_date_ms")
	}
	if info.IsTrialPeriod == "" {
		return nil, xerrors.New(9, xerrors.SeverityFatal, "iOS receipt missing is_trial_period")
	}
	if renewal.AutoRenewStatus == "" {
		return nil, xerrors.New(9, xerrors.SeverityFatal, "iOS receipt missing auto_renew_status")
	}
	if resp.LatestReceipt == "" {
		return nil, xerrors.New(9, xerrors.SeverityFatal, "iOS receipt missing latest_receipt")
	}
	planType, ok := iosProductToPlan[info.ProductID]
	if !ok {
		return nil, xerrors.Newf(49, xerrors.SeverityFatal, "unrecognized iOS product id: %s", info.ProductID)
	}

	var cancelMs *int64
	if ms, err := strconv.ParseInt(info.CancellationDateMs, 10, 64); err == nil {
		cancelMs = &ms
	}

	return &receipt.Receipt{
		Type:                      receipt.TypeIOS,
		ID:                        info.OriginalTransactionID,
		PlanType:                  planType,
		ExpireDateMs:              expireMs,
		CancelDateMs:              cancelMs,
		InTrial:                   info.IsTrialPeriod == "true",
		RenewEnabled:              renewal.AutoRenewStatus == "1",
		Data:                      resp.LatestReceipt,
		ExpirationIntentCancelled: renewal.ExpirationIntent == "1",
	}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
