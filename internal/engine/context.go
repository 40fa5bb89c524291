package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sort"

	"github.com/newthinker/replay/internal/core"
	"github.com/newthinker/replay/internal/report"
	"github.com/newthinker/replay/internal/sandbox"
	"github.com/newthinker/replay/internal/sim"
	"github.com/newthinker/replay/internal/tier"
)

// ExecutionContext is the per-run isolated state: an explicit seeded RNG,
// the run's simulator, and the float views the sandbox evaluates against.
// Nothing in here is ever shared across concurrent runs.
type ExecutionContext struct {
	rng      *rand.Rand
	sim      *sim.Simulator
	bars     []core.MarketBar
	segments []tier.Segment
	env      sandbox.Env

	tickBudget int64
	ticksUsed  int64
}

func newExecutionContext(seed int64, simulator *sim.Simulator, bars []core.MarketBar, segments []tier.Segment, tickBudget int64) *ExecutionContext {
	ec := &ExecutionContext{
		rng:        rand.New(rand.NewSource(seed)),
		sim:        simulator,
		bars:       orderBars(bars),
		segments:   segments,
		tickBudget: tickBudget,
	}
	ec.env = sandbox.Env{
		Opens:   make([]float64, len(ec.bars)),
		Highs:   make([]float64, len(ec.bars)),
		Lows:    make([]float64, len(ec.bars)),
		Closes:  make([]float64, len(ec.bars)),
		Volumes: make([]float64, len(ec.bars)),
	}
	for i, b := range ec.bars {
		ec.env.Opens[i], _ = b.Open.Float64()
		ec.env.Highs[i], _ = b.High.Float64()
		ec.env.Lows[i], _ = b.Low.Float64()
		ec.env.Closes[i], _ = b.Close.Float64()
		ec.env.Volumes[i], _ = b.Volume.Float64()
	}
	return ec
}

// orderBars enforces the stable total order (timestamp, then persisted row
// id) regardless of how storage returned the slice.
func orderBars(bars []core.MarketBar) []core.MarketBar {
	out := make([]core.MarketBar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].RowID < out[j].RowID
	})
	return out
}

// precisionAt returns the replay fidelity for bar index i.
func (ec *ExecutionContext) precisionAt(i int) core.DataPrecision {
	for _, seg := range ec.segments {
		if i >= seg.Start && i < seg.End {
			return seg.Precision
		}
	}
	return core.PrecisionKline
}

// ResultHash digests the full ordered trade ledger and the final metrics.
// Field order in the canonical struct is fixed, so identical runs always
// serialize to identical bytes.
func ResultHash(trades []core.Trade, metrics report.Metrics) string {
	canonical := struct {
		Trades  []core.Trade   `json:"trades"`
		Metrics report.Metrics `json:"metrics"`
	}{Trades: trades, Metrics: metrics}

	raw, err := json.Marshal(canonical)
	if err != nil {
		// Trade and Metrics marshal without error by construction.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
