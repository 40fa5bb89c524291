package tier

import (
	"math"

	"github.com/newthinker/replay/internal/core"
)

// Segment is one contiguous slice of the bar stream with an assigned replay
// fidelity. Indexes are half-open [Start, End) into the ordered bar slice.
type Segment struct {
	Start      int
	End        int
	Precision  core.DataPrecision
	Volatility float64
}

// PartitionHybrid splits the bar stream into fixed-size segments and assigns
// sub-bar precision to segments whose realized volatility exceeds the
// configured threshold. Calm segments replay candle-only; the threshold is a
// tunable, not a constant.
func PartitionHybrid(bars []core.MarketBar, segmentBars int, volThreshold float64) []Segment {
	if len(bars) == 0 {
		return nil
	}
	if segmentBars <= 0 {
		segmentBars = len(bars)
	}

	var segments []Segment
	for start := 0; start < len(bars); start += segmentBars {
		end := start + segmentBars
		if end > len(bars) {
			end = len(bars)
		}
		vol := RealizedVolatility(bars[start:end])
		precision := core.PrecisionKline
		if vol > volThreshold {
			precision = core.PrecisionTickReal
		}
		segments = append(segments, Segment{
			Start:      start,
			End:        end,
			Precision:  precision,
			Volatility: vol,
		})
	}
	return segments
}

// UniformSegments assigns the same precision to the entire stream; used for
// the KLINE and TICK_REAL tiers where no classification happens.
func UniformSegments(n int, precision core.DataPrecision) []Segment {
	if n == 0 {
		return nil
	}
	return []Segment{{Start: 0, End: n, Precision: precision}}
}

// RealizedVolatility is the square root of the summed squared per-bar log
// returns over the segment.
func RealizedVolatility(bars []core.MarketBar) float64 {
	if len(bars) < 2 {
		return 0
	}
	var sumSq float64
	for i := 1; i < len(bars); i++ {
		prev, _ := bars[i-1].Close.Float64()
		cur, _ := bars[i].Close.Float64()
		if prev <= 0 || cur <= 0 {
			continue
		}
		r := math.Log(cur / prev)
		sumSq += r * r
	}
	return math.Sqrt(sumSq)
}
