package sim_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/core"
	"github.com/newthinker/replay/internal/sim"
)

func TestFeeModel_KeyIsCaseInsensitive(t *testing.T) {
	fees := sim.NewFeeModel(config.FeesConfig{
		DefaultTakerRate: 0.002,
		Rules: []config.FeeRule{
			{Exchange: "binance", ProductType: "SPOT", FeeTier: "VIP1", TakerRate: 0.0004},
		},
	})

	rate := fees.TakerRate("BINANCE", core.ProductSpot, "vip1")
	assert.True(t, rate.Equal(decimal.NewFromFloat(0.0004)),
		"rule should match regardless of case, got %s", rate)
}

func TestFeeModel_NegativeRatesRejected(t *testing.T) {
	fees := sim.NewFeeModel(config.FeesConfig{
		DefaultTakerRate: -0.5,
		Rules: []config.FeeRule{
			{Exchange: "binance", ProductType: "spot", FeeTier: "standard", TakerRate: -0.01},
		},
	})

	// The negative rule is dropped and the negative default clamps to zero.
	rate := fees.TakerRate("BINANCE", core.ProductSpot, "standard")
	require.False(t, rate.IsNegative())
	assert.True(t, rate.IsZero(), "rate = %s", rate)

	fee := fees.Fee(decimal.NewFromInt(10_000), "BINANCE", core.ProductSpot, "standard")
	assert.True(t, fee.IsZero(), "fee = %s", fee)
}

func TestFeeModel_EmptyFeeTierUsesDefault(t *testing.T) {
	fees := sim.NewFeeModel(config.FeesConfig{
		DefaultTakerRate: 0.001,
		Rules: []config.FeeRule{
			{Exchange: "binance", ProductType: "spot", FeeTier: "vip1", TakerRate: 0.0004},
		},
	})

	rate := fees.TakerRate("BINANCE", core.ProductSpot, "")
	assert.True(t, rate.Equal(decimal.NewFromFloat(0.001)),
		"unknown tier falls back to the default, got %s", rate)
}
