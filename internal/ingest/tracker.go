package ingest

import (
	"sync"

	"github.com/quantpond/driftline/internal/domain"
)

// ObservationKind classifies what a newly closed bar means for the frontier.
type ObservationKind int

const (
	// ObsAdvance moves the frontier forward by exactly one interval.
	ObsAdvance ObservationKind = iota
	// ObsDuplicate repeats the frontier bar; the upsert absorbs it.
	ObsDuplicate
	// ObsNewGap moves the frontier forward past missing bars.
	ObsNewGap
	// ObsLateFill arrives behind the frontier and may repair a tracked gap.
	ObsLateFill
)

// Observation is the tracker's verdict on one closed bar.
type Observation struct {
	Kind ObservationKind
	// Gap is the freshly detected segment for ObsNewGap, ready to persist.
	Gap *domain.GapSegment
}

// LateFillAction tells the caller which persistence path a late fill needs.
type LateFillAction int

const (
	// LateNoMatch means no tracked segment contains the bar.
	LateNoMatch LateFillAction = iota
	// LateDecrement means the matched segment shrank by one remaining bar.
	LateDecrement
	// LateRecovered means the matched segment has no remaining bars left.
	LateRecovered
	// LateSplit means the matched segment split into two remainders.
	LateSplit
)

// LateFillResult carries the tracker's in-memory adjustment so the caller can
// mirror it into the gap store.
type LateFillResult struct {
	Action    LateFillAction
	SegmentID int64
	// Remaining and Recovered are the matched segment's counters after a
	// decrement.
	Remaining int64
	Recovered int64
	// Left and Right are the split remainders for LateSplit.
	Left  domain.GapSegment
	Right domain.GapSegment
}

// Tracker owns the ingestor's in-memory gap state: the closed-bar frontier
// and the mirror of live gap segments. All mutation goes through its methods;
// other tasks only see copies.
type Tracker struct {
	mu         sync.Mutex
	symbol     string
	interval   string
	intervalMS int64

	frontier int64 // last closed open_time, 0 = unset
	segments []domain.GapSegment
	hydrated bool
}

// NewTracker creates a tracker for one (symbol, interval).
func NewTracker(symbol, interval string, intervalMS int64) *Tracker {
	return &Tracker{
		symbol:     symbol,
		interval:   interval,
		intervalMS: intervalMS,
	}
}

// Hydrate loads persisted open segments exactly once; later calls are no-ops
// so a reconnect cannot double-track segments.
func (t *Tracker) Hydrate(segments []domain.GapSegment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hydrated {
		return
	}
	t.segments = append(t.segments, segments...)
	t.hydrated = true
}

// ObserveClosed advances the frontier for a closed bar at openTime and
// reports whether the step exposed a gap or landed behind the frontier.
// The frontier never moves backwards.
func (t *Tracker) ObserveClosed(openTime int64) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.frontier == 0:
		t.frontier = openTime
		return Observation{Kind: ObsAdvance}
	case openTime == t.frontier:
		return Observation{Kind: ObsDuplicate}
	case openTime < t.frontier:
		return Observation{Kind: ObsLateFill}
	}

	delta := openTime - t.frontier
	t.frontier = openTime
	if delta <= t.intervalMS {
		return Observation{Kind: ObsAdvance}
	}

	gap := domain.NewGapSegment(t.symbol, t.interval,
		t.frontier-delta+t.intervalMS, openTime-t.intervalMS, t.intervalMS)
	t.segments = append(t.segments, gap)
	return Observation{Kind: ObsNewGap, Gap: &gap}
}

// Track records the persisted id on the most recently detected segment.
func (t *Tracker) Track(seg domain.GapSegment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.segments {
		if t.segments[i].FromOpenTime == seg.FromOpenTime && t.segments[i].ID == 0 {
			t.segments[i].ID = seg.ID
			return
		}
	}
	t.segments = append(t.segments, seg)
}

// ApplyLateFill consumes one bar from the first segment containing openTime.
// An interior bar with missing bars left on both sides splits the segment;
// the split remainders share the decremented remaining count proportionally
// to their span lengths. A bar on the segment edge only decrements.
func (t *Tracker) ApplyLateFill(openTime int64) LateFillResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i := range t.segments {
		if t.segments[i].Contains(openTime) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return LateFillResult{Action: LateNoMatch}
	}
	seg := t.segments[idx]

	remaining := seg.RemainingBars - 1
	if remaining < 0 {
		remaining = 0
	}
	recovered := seg.MissingBars - remaining

	interior := openTime > seg.FromOpenTime && openTime < seg.ToOpenTime
	if interior && remaining > 0 {
		left := t.sideSegment(seg, seg.FromOpenTime, openTime-t.intervalMS)
		right := t.sideSegment(seg, openTime+t.intervalMS, seg.ToOpenTime)
		if left.MissingBars > 0 && right.MissingBars > 0 {
			apportion(remaining, &left, &right)
			t.segments = append(t.segments[:idx], t.segments[idx+1:]...)
			t.segments = append(t.segments, left, right)
			return LateFillResult{
				Action:    LateSplit,
				SegmentID: seg.ID,
				Left:      left,
				Right:     right,
			}
		}
	}

	if remaining == 0 {
		t.segments = append(t.segments[:idx], t.segments[idx+1:]...)
		return LateFillResult{
			Action:    LateRecovered,
			SegmentID: seg.ID,
			Recovered: seg.MissingBars,
		}
	}

	t.segments[idx].RemainingBars = remaining
	t.segments[idx].RecoveredBars = recovered
	t.segments[idx].Status = domain.GapPartial
	return LateFillResult{
		Action:    LateDecrement,
		SegmentID: seg.ID,
		Remaining: remaining,
		Recovered: recovered,
	}
}

// sideSegment builds one split remainder over [from, to], inheriting the
// parent's detection time so MTTR stays anchored to the original gap.
func (t *Tracker) sideSegment(parent domain.GapSegment, from, to int64) domain.GapSegment {
	seg := domain.NewGapSegment(parent.Symbol, parent.Interval, from, to, t.intervalMS)
	seg.DetectedAt = parent.DetectedAt
	return seg
}

// apportion distributes the consumed segment's remaining count over the two
// split sides proportionally to their span lengths.
func apportion(remaining int64, left, right *domain.GapSegment) {
	total := left.MissingBars + right.MissingBars
	leftShare := remaining * left.MissingBars / total
	rightShare := remaining - leftShare

	if leftShare > left.MissingBars {
		leftShare = left.MissingBars
	}
	if rightShare > right.MissingBars {
		rightShare = right.MissingBars
	}

	left.RemainingBars = leftShare
	left.RecoveredBars = left.MissingBars - leftShare
	right.RemainingBars = rightShare
	right.RecoveredBars = right.MissingBars - rightShare

	if left.RecoveredBars > 0 {
		left.Status = domain.GapPartial
	}
	if right.RecoveredBars > 0 {
		right.Status = domain.GapPartial
	}
}

// Remove drops a segment from the mirror, typically after backfill marked it
// recovered in the store.
func (t *Tracker) Remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.segments {
		if t.segments[i].ID == id {
			t.segments = append(t.segments[:i], t.segments[i+1:]...)
			return
		}
	}
}

// UpdateRemaining mirrors a partial recovery made by the backfill worker.
func (t *Tracker) UpdateRemaining(id, remaining, recovered int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.segments {
		if t.segments[i].ID == id {
			t.segments[i].RemainingBars = remaining
			t.segments[i].RecoveredBars = recovered
			t.segments[i].Status = domain.GapPartial
			return
		}
	}
}

// Snapshot returns a copy of the tracked segments.
func (t *Tracker) Snapshot() []domain.GapSegment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.GapSegment, len(t.segments))
	copy(out, t.segments)
	return out
}

// OpenCount returns how many segments are currently tracked.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segments)
}

// Frontier returns the last closed open_time, 0 when no bar was seen yet.
func (t *Tracker) Frontier() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frontier
}
