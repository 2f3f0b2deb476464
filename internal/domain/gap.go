package domain

import (
	"fmt"
	"time"
)

// Gap segment lifecycle. Transitions are one-way: open→partial→recovered,
// open→recovered, or any non-terminal state →merged.
const (
	GapOpen      = "open"
	GapPartial   = "partial"
	GapRecovered = "recovered"
	GapMerged    = "merged"
)

// GapSegment is a contiguous span of missing bars for one (symbol, interval),
// inclusive at both ends on bar boundaries.
type GapSegment struct {
	ID            int64      `json:"id" db:"id"`
	Symbol        string     `json:"symbol" db:"symbol"`
	Interval      string     `json:"interval" db:"interval"`
	FromOpenTime  int64      `json:"from_open_time" db:"from_open_time"`
	ToOpenTime    int64      `json:"to_open_time" db:"to_open_time"`
	MissingBars   int64      `json:"missing_bars" db:"missing_bars"`
	RemainingBars int64      `json:"remaining_bars" db:"remaining_bars"`
	RecoveredBars int64      `json:"recovered_bars" db:"recovered_bars"`
	Status        string     `json:"status" db:"status"`
	Merged        bool       `json:"merged" db:"merged"`
	DetectedAt    time.Time  `json:"detected_at" db:"detected_at"`
	RecoveredAt   *time.Time `json:"recovered_at,omitempty" db:"recovered_at"`
}

// NewGapSegment builds an open segment spanning [from, to] with the bar
// arithmetic the detector uses.
func NewGapSegment(symbol, interval string, from, to, intervalMS int64) GapSegment {
	missing := ExpectedBars(from, to, intervalMS)
	return GapSegment{
		Symbol:        symbol,
		Interval:      interval,
		FromOpenTime:  from,
		ToOpenTime:    to,
		MissingBars:   missing,
		RemainingBars: missing,
		Status:        GapOpen,
		DetectedAt:    time.Now().UTC(),
	}
}

// Contains reports whether openTime falls inside the segment span.
func (g GapSegment) Contains(openTime int64) bool {
	return openTime >= g.FromOpenTime && openTime <= g.ToOpenTime
}

// Overlaps reports whether [from, to] intersects the segment span.
func (g GapSegment) Overlaps(from, to int64) bool {
	return !(to < g.FromOpenTime || from > g.ToOpenTime)
}

// ValidGapTransition enforces the one-way lifecycle.
func ValidGapTransition(from, to string) bool {
	switch from {
	case GapOpen:
		return to == GapPartial || to == GapRecovered || to == GapMerged
	case GapPartial:
		return to == GapRecovered || to == GapMerged
	default:
		return false
	}
}

// CheckGapTransition returns an error describing a forbidden transition.
func CheckGapTransition(from, to string) error {
	if !ValidGapTransition(from, to) {
		return fmt.Errorf("forbidden gap transition %s→%s", from, to)
	}
	return nil
}
