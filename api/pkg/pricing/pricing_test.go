package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/api/pkg/types"
)

func TestCalculateUsageCost_SumsAllThreeTokenClasses(t *testing.T) {
	cfg := types.ModelConfig{
		Pricing: &types.Pricing{
			Input:  0.000000075,
			Output: 0.00000015,
			Cached: 0.00000002,
		},
	}

	cost, err := CalculateUsageCost(cfg, types.TokenUsage{Input: 1000, Output: 1000, Cached: 500})
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.NewFromFloat(0.000235)), "got %s", cost)
}

func TestCalculateUsageCost_ExactDecimalNoFloatDrift(t *testing.T) {
	cfg := types.ModelConfig{
		Pricing: &types.Pricing{Input: 0.0000001, Output: 0.0000002},
	}

	cost, err := CalculateUsageCost(cfg, types.TokenUsage{Input: 10_000_000, Output: 10_000_000})
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.NewFromFloat(1).Add(decimal.NewFromFloat(2))))
}

func TestCalculateUsageCost_NoPricingReturnsError(t *testing.T) {
	_, err := CalculateUsageCost(types.ModelConfig{}, types.TokenUsage{Input: 100})
	require.ErrorIs(t, err, ErrNoPricing)
}
