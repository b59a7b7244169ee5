// Package pricing turns a completed job's token usage into a cost, using
// the per-model per-token rates carried on types.ModelConfig. It is a pure
// post-job computation: nothing in api/pkg/coordinator calls it, since cost
// accounting is a reporting concern, not a rate-limiting one.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/modelgate/modelgate/api/pkg/types"
)

// ErrNoPricing is returned when a model has no configured Pricing to cost
// usage against.
var ErrNoPricing = fmt.Errorf("pricing: model has no configured pricing")

// CalculateUsageCost computes the exact cost of one job's token usage
// against a model's per-token rates. decimal.Decimal avoids the rounding
// drift a float64 accumulates over millions of billed tokens.
func CalculateUsageCost(cfg types.ModelConfig, usage types.TokenUsage) (decimal.Decimal, error) {
	if cfg.Pricing == nil {
		return decimal.Zero, ErrNoPricing
	}

	input := decimal.NewFromFloat(cfg.Pricing.Input).Mul(decimal.NewFromInt(usage.Input))
	output := decimal.NewFromFloat(cfg.Pricing.Output).Mul(decimal.NewFromInt(usage.Output))
	cached := decimal.NewFromFloat(cfg.Pricing.Cached).Mul(decimal.NewFromInt(usage.Cached))

	return input.Add(output).Add(cached), nil
}
