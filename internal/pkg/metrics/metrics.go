// Package metrics exposes prometheus counters for the subscription pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RenewalChecks counts per-subscription renewal outcomes, labelled
	// result=success|fail.
	RenewalChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_renewal_checks_total",
		Help: "Renewal check outcomes per subscription",
	}, []string{"result"})

	// VerificationRetries counts transient-provider retries during receipt
	// verification, labelled by provider.
	VerificationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipt_verification_retries_total",
		Help: "Retried receipt verification attempts per provider",
	}, []string{"provider"})

	// RenewalBatches counts completed batch runs per selection strategy.
	RenewalBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_renewal_batches_total",
		Help: "Completed renewal batch runs",
	}, []string{"strategy"})
)
