package sim

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/config"
	"github.com/newthinker/replay/internal/core"
)

// FeeModel is the deterministic taker-fee table keyed by
// (exchange, product_type, fee_tier). Lookups fall back to the default rate;
// rates are never negative.
type FeeModel struct {
	defaultRate decimal.Decimal
	rates       map[string]decimal.Decimal
}

func NewFeeModel(cfg config.FeesConfig) *FeeModel {
	m := &FeeModel{
		defaultRate: decimal.NewFromFloat(cfg.DefaultTakerRate),
		rates:       make(map[string]decimal.Decimal, len(cfg.Rules)),
	}
	if m.defaultRate.IsNegative() {
		m.defaultRate = decimal.Zero
	}
	for _, rule := range cfg.Rules {
		rate := decimal.NewFromFloat(rule.TakerRate)
		if rate.IsNegative() {
			continue
		}
		m.rates[feeKey(rule.Exchange, core.ProductType(rule.ProductType), rule.FeeTier)] = rate
	}
	return m
}

// TakerRate returns the rate for the instrument, falling back to the default.
func (m *FeeModel) TakerRate(exchange string, product core.ProductType, feeTier string) decimal.Decimal {
	if rate, ok := m.rates[feeKey(exchange, product, feeTier)]; ok {
		return rate
	}
	return m.defaultRate
}

// Fee computes the fee on a notional amount. Always non-negative.
func (m *FeeModel) Fee(notional decimal.Decimal, exchange string, product core.ProductType, feeTier string) decimal.Decimal {
	fee := notional.Abs().Mul(m.TakerRate(exchange, product, feeTier))
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

func feeKey(exchange string, product core.ProductType, feeTier string) string {
	return strings.ToUpper(exchange) + "|" + strings.ToLower(string(product)) + "|" + strings.ToLower(feeTier)
}
