// Package label resolves realized outcomes for past inferences with a
// forward-looking bottom-event rule and writes them back to the inference
// log, exactly once per row.
package label

import (
	"time"

	"github.com/quantpond/driftline/internal/domain"
)

// Params are the bottom-event rule knobs: look L bars past the reference
// close, require a drawdown of at least D, then a rebound of at least R off
// the low.
type Params struct {
	Lookahead int     // L
	Drawdown  float64 // D, fraction
	Rebound   float64 // R, fraction
}

// Outcome is one labeling verdict.
type Outcome int

const (
	// OutcomeDeferred means the forward window is not observable yet.
	OutcomeDeferred Outcome = iota
	// OutcomeNegative resolves the row to 0.
	OutcomeNegative
	// OutcomePositive resolves the row to 1.
	OutcomePositive
)

// Label returns the Outcome's 0/1 value. Only valid for resolved outcomes.
func (o Outcome) Label() int {
	if o == OutcomePositive {
		return 1
	}
	return 0
}

// BottomEvent evaluates the rule for one inference against an ascending
// candle window.
//
// The reference bar is the first whose close_time (seconds) is at or past the
// inference time; p0 is its close. Over the next L bars the price must draw
// down to at least p0*(1−D) and then rebound at least R off that low. Both
// comparisons are boundary inclusive: a drawdown of exactly −D and a rebound
// of exactly R each satisfy their condition.
func BottomEvent(candles []domain.Candle, createdAt time.Time, p Params) Outcome {
	createdTS := createdAt.Unix()

	idx := -1
	for i, c := range candles {
		if c.CloseTime/1000 >= createdTS {
			idx = i
			break
		}
	}
	if idx < 0 {
		return OutcomeDeferred
	}
	p0 := candles[idx].Close
	if p0 == 0 {
		return OutcomeDeferred
	}

	end := idx + p.Lookahead
	if end > len(candles)-1 {
		end = len(candles) - 1
	}
	if end <= idx {
		return OutcomeDeferred
	}

	window := candles[idx+1 : end+1]
	minIdx := 0
	lMin := window[0].Low
	for i, c := range window[1:] {
		if c.Low < lMin {
			lMin = c.Low
			minIdx = i + 1
		}
	}

	if (lMin-p0)/p0 > -p.Drawdown {
		return OutcomeNegative
	}

	hMax := window[minIdx].High
	for _, c := range window[minIdx:] {
		if c.High > hMax {
			hMax = c.High
		}
	}
	if (hMax-lMin)/lMin >= p.Rebound {
		return OutcomePositive
	}
	return OutcomeNegative
}
