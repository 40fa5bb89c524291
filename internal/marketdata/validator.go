package marketdata

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/newthinker/replay/internal/core"
)

// Validator checks requested series against the catalog before any run state
// is created. Absence is surfaced as a fatal, actionable error; it is never
// patched with synthetic bars.
type Validator struct {
	store  Store
	logger *zap.Logger
}

// NewValidator creates a validator over the given store.
func NewValidator(store Store, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{store: store, logger: logger}
}

// Validate returns the availability verdict for the series and range, or an
// ErrDataUnavailable carrying suggestions for series that do have data.
func (v *Validator) Validate(ctx context.Context, s core.Series, r core.DateRange) (Availability, error) {
	if !r.Start.Before(r.End) {
		return Availability{}, core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("start %s is not before end %s", r.Start, r.End))
	}

	info, err := v.store.Info(ctx, s, r)
	if err != nil {
		return Availability{}, err
	}

	if info.RecordCount == 0 {
		suggestions, serr := v.suggestions(ctx, s)
		if serr != nil {
			v.logger.Warn("building availability suggestions failed", zap.Error(serr))
		}
		v.logger.Info("request rejected: no data",
			zap.String("exchange", s.Exchange),
			zap.String("symbol", s.Symbol),
			zap.String("timeframe", s.Timeframe),
			zap.String("product_type", string(s.ProductType)),
		)
		return Availability{}, core.ErrDataUnavailable.WithSuggestions(suggestions...)
	}

	return Availability{
		Available:   true,
		RecordCount: info.RecordCount,
		ActualRange: core.DateRange{Start: info.First, End: info.Last},
	}, nil
}

// suggestions enumerates alternate symbols, timeframes, and product types on
// the same exchange that hold data.
func (v *Validator) suggestions(ctx context.Context, s core.Series) ([]string, error) {
	alts, err := v.store.Alternates(ctx, s)
	if err != nil {
		return nil, err
	}

	const maxSuggestions = 8
	out := make([]string, 0, len(alts))
	for _, alt := range alts {
		if len(out) == maxSuggestions {
			break
		}
		switch {
		case alt.Symbol == s.Symbol && alt.Timeframe == s.Timeframe:
			out = append(out, fmt.Sprintf("set product_type=%s", alt.ProductType))
		case alt.Symbol == s.Symbol:
			out = append(out, fmt.Sprintf("use timeframe=%s with product_type=%s", alt.Timeframe, alt.ProductType))
		default:
			out = append(out, fmt.Sprintf("try symbol=%s (%s, %s)", alt.Symbol, alt.Timeframe, alt.ProductType))
		}
	}
	return out, nil
}
