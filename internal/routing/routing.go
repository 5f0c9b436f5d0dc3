// Package routing selects a model and provider pair for a tenant tier,
// demoting an unhealthy primary to fallback position.
package routing

import gateway "github.com/tollgate-io/tollgate/internal"

// Provider names used by the routing policy. The orchestrator maps them to
// registered adapters.
const (
	ProviderPrimary  = "primary"
	ProviderFallback = "fallback"
)

// Route reasons.
const (
	ReasonPrimaryUnhealthy = "primary_unhealthy"
	ReasonCacheHit         = "cache_hit"
)

// HealthReader is the health tracker view the policy consumes.
type HealthReader interface {
	ErrorRate(provider string) float64
}

// Decision is the outcome of a routing choice.
type Decision struct {
	Model            string
	Provider         string
	Reason           string
	FallbackProvider string // "" when no fallback exists
}

// Policy chooses providers by tier and primary health.
type Policy struct {
	// ErrorRateThreshold above which the primary is considered unhealthy.
	ErrorRateThreshold float64
}

// NewPolicy returns a Policy with the given threshold; non-positive values
// use the default of 0.5.
func NewPolicy(threshold float64) *Policy {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Policy{ErrorRateThreshold: threshold}
}

// Choose is a pure function over (tier, health): pro tenants route to
// mock-2, everyone else to mock-1; the primary provider is demoted to
// fallback position when its windowed error rate exceeds the threshold.
func (p *Policy) Choose(tier string, health HealthReader) Decision {
	model := "mock-1"
	if tier == gateway.TierPro {
		model = "mock-2"
	}

	if health.ErrorRate(ProviderPrimary) > p.ErrorRateThreshold {
		return Decision{
			Model:            model,
			Provider:         ProviderFallback,
			Reason:           ReasonPrimaryUnhealthy,
			FallbackProvider: ProviderPrimary,
		}
	}

	return Decision{
		Model:            model,
		Provider:         ProviderPrimary,
		Reason:           "tier:" + tier,
		FallbackProvider: ProviderFallback,
	}
}
