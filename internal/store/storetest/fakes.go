// Package storetest provides in-memory store implementations for unit tests
// that exercise pipeline logic without a database.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

// Candles is an in-memory CandleStore with the production upsert semantics.
type Candles struct {
	mu          sync.Mutex
	rows        map[string]domain.Candle
	failUpserts bool

	// BulkCalls counts BulkUpsert invocations.
	BulkCalls int
}

// NewCandles creates an empty candle store.
func NewCandles() *Candles {
	return &Candles{rows: make(map[string]domain.Candle)}
}

func candleKey(symbol, interval string, openTime int64) string {
	return fmt.Sprintf("%s|%s|%d", symbol, interval, openTime)
}

// Seed loads candles bypassing upsert merge semantics.
func (s *Candles) Seed(candles ...domain.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candles {
		s.rows[candleKey(c.Symbol, c.Interval, c.OpenTime)] = c
	}
}

// SetFail makes every subsequent write return ErrUnavailable. Safe to flip
// while a writer goroutine is flushing.
func (s *Candles) SetFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpserts = fail
}

// UpsertOne applies the merge contract: widen high/low, replace the rest.
func (s *Candles) UpsertOne(_ context.Context, c domain.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpserts {
		return store.ErrUnavailable
	}
	s.merge(c)
	return nil
}

// BulkUpsert applies the merge contract to a batch.
func (s *Candles) BulkUpsert(_ context.Context, candles []domain.Candle, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpserts {
		return store.ErrUnavailable
	}
	s.BulkCalls++
	for _, c := range candles {
		if source != "" {
			c.IngestionSource = source
		}
		s.merge(c)
	}
	return nil
}

func (s *Candles) merge(c domain.Candle) {
	key := candleKey(c.Symbol, c.Interval, c.OpenTime)
	old, ok := s.rows[key]
	if !ok {
		c.UpdatedAt = time.Now().UTC()
		s.rows[key] = c
		return
	}
	if old.High > c.High {
		c.High = old.High
	}
	if old.Low < c.Low {
		c.Low = old.Low
	}
	c.Open = old.Open
	c.IsClosed = old.IsClosed || c.IsClosed
	if c.IngestionSource == "" {
		c.IngestionSource = old.IngestionSource
	}
	c.UpdatedAt = time.Now().UTC()
	s.rows[key] = c
}

// FetchRecent returns closed bars newest first.
func (s *Candles) FetchRecent(_ context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	all := s.sorted(symbol, interval, 0, 1<<62)
	var closed []domain.Candle
	for _, c := range all {
		if c.IsClosed {
			closed = append(closed, c)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].OpenTime > closed[j].OpenTime })
	if len(closed) > limit {
		closed = closed[:limit]
	}
	return closed, nil
}

// FetchRange returns bars in [from, to] oldest first.
func (s *Candles) FetchRange(_ context.Context, symbol, interval string, from, to int64) ([]domain.Candle, error) {
	return s.sorted(symbol, interval, from, to), nil
}

// CountRange counts bars in [from, to].
func (s *Candles) CountRange(_ context.Context, symbol, interval string, from, to int64) (int64, error) {
	return int64(len(s.sorted(symbol, interval, from, to))), nil
}

// NearestIntervalMS derives the interval from the two newest bars at or
// before around.
func (s *Candles) NearestIntervalMS(_ context.Context, symbol, interval string, around int64) (int64, error) {
	all := s.sorted(symbol, interval, 0, around)
	if len(all) < 2 {
		return 0, store.ErrNotFound
	}
	return all[len(all)-1].OpenTime - all[len(all)-2].OpenTime, nil
}

// Get fetches one stored candle for assertions.
func (s *Candles) Get(symbol, interval string, openTime int64) (domain.Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[candleKey(symbol, interval, openTime)]
	return c, ok
}

func (s *Candles) sorted(symbol, interval string, from, to int64) []domain.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Candle
	for _, c := range s.rows {
		if c.Symbol == symbol && c.Interval == interval && c.OpenTime >= from && c.OpenTime <= to {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}

// Gaps is an in-memory GapStore.
type Gaps struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.GapSegment
}

// NewGaps creates an empty gap store.
func NewGaps() *Gaps {
	return &Gaps{nextID: 1, rows: make(map[int64]domain.GapSegment)}
}

// InsertDetected records an open segment.
func (s *Gaps) InsertDetected(_ context.Context, g domain.GapSegment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		live := row.Status == domain.GapOpen || row.Status == domain.GapPartial
		if live && row.Symbol == g.Symbol && row.Interval == g.Interval && row.FromOpenTime == g.FromOpenTime {
			return id, nil
		}
	}
	g.ID = s.nextID
	s.nextID++
	s.rows[g.ID] = g
	return g.ID, nil
}

// InsertMerging folds overlapping live segments into the widened span. The
// fake does not recount candles; missing bars come from the caller.
func (s *Gaps) InsertMerging(_ context.Context, g domain.GapSegment) (domain.GapSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	minFrom, maxTo := g.FromOpenTime, g.ToOpenTime
	var absorbed bool
	now := time.Now().UTC()
	for id, row := range s.rows {
		live := row.Status == domain.GapOpen || row.Status == domain.GapPartial
		if !live || row.Symbol != g.Symbol || row.Interval != g.Interval || !row.Overlaps(g.FromOpenTime, g.ToOpenTime) {
			continue
		}
		absorbed = true
		if row.FromOpenTime < minFrom {
			minFrom = row.FromOpenTime
		}
		if row.ToOpenTime > maxTo {
			maxTo = row.ToOpenTime
		}
		row.Status = domain.GapMerged
		row.Merged = true
		row.RecoveredAt = &now
		s.rows[id] = row
	}

	g.FromOpenTime, g.ToOpenTime = minFrom, maxTo
	g.Merged = absorbed
	g.ID = s.nextID
	s.nextID++
	s.rows[g.ID] = g
	return g, nil
}

// OpenSegments returns live segments oldest detection first.
func (s *Gaps) OpenSegments(_ context.Context, symbol, interval string) ([]domain.GapSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.GapSegment
	for _, row := range s.rows {
		live := row.Status == domain.GapOpen || row.Status == domain.GapPartial
		if live && row.Symbol == symbol && row.Interval == interval {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// OverlappingOpen returns live segments intersecting [from, to].
func (s *Gaps) OverlappingOpen(_ context.Context, symbol, interval string, from, to int64) ([]domain.GapSegment, error) {
	all, _ := s.OpenSegments(nil, symbol, interval)
	var out []domain.GapSegment
	for _, g := range all {
		if g.Overlaps(from, to) {
			out = append(out, g)
		}
	}
	return out, nil
}

// UpdateProgress persists a partial recovery.
func (s *Gaps) UpdateProgress(_ context.Context, id int64, remaining, recovered int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || (row.Status != domain.GapOpen && row.Status != domain.GapPartial) {
		return store.ErrInvariant
	}
	if remaining < row.RemainingBars {
		row.RemainingBars = remaining
	}
	if recovered > row.RecoveredBars {
		row.RecoveredBars = recovered
	}
	row.Status = domain.GapPartial
	s.rows[id] = row
	return nil
}

// MarkRecovered terminates a segment.
func (s *Gaps) MarkRecovered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || (row.Status != domain.GapOpen && row.Status != domain.GapPartial) {
		return store.ErrInvariant
	}
	now := time.Now().UTC()
	row.Status = domain.GapRecovered
	row.RemainingBars = 0
	row.RecoveredBars = row.MissingBars
	row.RecoveredAt = &now
	s.rows[id] = row
	return nil
}

// ReplaceSplit retires a segment and inserts its two remainders.
func (s *Gaps) ReplaceSplit(_ context.Context, oldID int64, left, right domain.GapSegment) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[oldID]
	if !ok || (row.Status != domain.GapOpen && row.Status != domain.GapPartial) {
		return 0, 0, store.ErrInvariant
	}
	now := time.Now().UTC()
	row.Status = domain.GapMerged
	row.Merged = true
	row.RecoveredAt = &now
	s.rows[oldID] = row

	left.ID = s.nextID
	s.nextID++
	right.ID = s.nextID
	s.nextID++
	s.rows[left.ID] = left
	s.rows[right.ID] = right
	return left.ID, right.ID, nil
}

// Get fetches one stored segment for assertions.
func (s *Gaps) Get(id int64) (domain.GapSegment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	return row, ok
}

// Inferences is an in-memory InferenceLog enforcing label immutability.
type Inferences struct {
	mu   sync.Mutex
	rows map[string]domain.InferenceRecord
}

// NewInferences creates an empty inference log.
func NewInferences() *Inferences {
	return &Inferences{rows: make(map[string]domain.InferenceRecord)}
}

// Append writes one record.
func (s *Inferences) Append(_ context.Context, rec domain.InferenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[rec.ID]; exists {
		return store.ErrDuplicate
	}
	s.rows[rec.ID] = rec
	return nil
}

// Candidates returns unlabeled records older than minAge, oldest first.
func (s *Inferences) Candidates(_ context.Context, minAge time.Duration, limit int) ([]domain.InferenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-minAge)
	var out []domain.InferenceRecord
	for _, r := range s.rows {
		if r.RealizedLabel == nil && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetLabel writes the realized label once.
func (s *Inferences) SetLabel(_ context.Context, id string, label int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.RealizedLabel != nil {
		return false, nil
	}
	r.RealizedLabel = &label
	s.rows[id] = r
	return true, nil
}

// RecentLabeled returns labeled records created inside the window, newest
// first.
func (s *Inferences) RecentLabeled(_ context.Context, modelName string, window time.Duration, limit int) ([]domain.InferenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var out []domain.InferenceRecord
	for _, r := range s.rows {
		if r.RealizedLabel != nil && r.ModelName == modelName && r.CreatedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get fetches one record for assertions.
func (s *Inferences) Get(id string) (domain.InferenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	return r, ok
}

// Registry is an in-memory ModelRegistry.
type Registry struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]domain.ModelRow
	History map[int64][]json.RawMessage
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nextID: 1, rows: make(map[int64]domain.ModelRow), History: make(map[int64][]json.RawMessage)}
}

// Register inserts a row, resolving duplicates to the existing id.
func (s *Registry) Register(_ context.Context, row domain.ModelRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.rows {
		if existing.Name == row.Name && existing.Version == row.Version && existing.ModelType == row.ModelType {
			return id, nil
		}
	}
	row.ID = s.nextID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.nextID++
	s.rows[row.ID] = row
	return row.ID, nil
}

// FetchByID loads one row.
func (s *Registry) FetchByID(_ context.Context, id int64) (domain.ModelRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return domain.ModelRow{}, store.ErrNotFound
	}
	return row, nil
}

// FetchLatest returns rows for (name, modelType) newest first.
func (s *Registry) FetchLatest(_ context.Context, name, modelType string, limit int) ([]domain.ModelRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ModelRow
	for _, row := range s.rows {
		if row.Name == name && row.ModelType == modelType && row.Status != domain.ModelDeleted {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchProduction returns the production row for (name, modelType).
func (s *Registry) FetchProduction(_ context.Context, name, modelType string) (domain.ModelRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.Name == name && row.ModelType == modelType && row.Status == domain.ModelProduction {
			return row, nil
		}
	}
	return domain.ModelRow{}, store.ErrNotFound
}

// Promote moves a staging row to production.
func (s *Registry) Promote(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if row.Status == domain.ModelProduction {
		return store.ErrInvariant
	}
	now := time.Now().UTC()
	row.Status = domain.ModelProduction
	row.PromotedAt = &now
	s.rows[id] = row
	return nil
}

// DemoteOthers returns other production rows to staging.
func (s *Registry) DemoteOthers(_ context.Context, name, modelType string, keepID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if id != keepID && row.Name == name && row.ModelType == modelType && row.Status == domain.ModelProduction {
			row.Status = domain.ModelStaging
			s.rows[id] = row
		}
	}
	return nil
}

// Activate forces a row to production.
func (s *Registry) Activate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	row.Status = domain.ModelProduction
	row.PromotedAt = &now
	s.rows[id] = row
	return nil
}

// AppendMetrics appends to history and refreshes current metrics.
func (s *Registry) AppendMetrics(_ context.Context, id int64, metrics json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	s.History[id] = append(s.History[id], metrics)
	row.Metrics = metrics
	s.rows[id] = row
	return nil
}

// SoftDelete marks a row deleted.
func (s *Registry) SoftDelete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = domain.ModelDeleted
	s.rows[id] = row
	return nil
}

// ProductionCount counts production rows for (name, modelType), for the
// promotion-uniqueness invariant.
func (s *Registry) ProductionCount(name, modelType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.Name == name && row.ModelType == modelType && row.Status == domain.ModelProduction {
			n++
		}
	}
	return n
}

// Features is an in-memory FeatureStore.
type Features struct {
	// FailUpserts makes every snapshot write return ErrUnavailable.
	FailUpserts bool

	mu     sync.Mutex
	nextID int64
	rows   map[string]domain.FeatureSnapshot
}

// NewFeatures creates an empty feature store.
func NewFeatures() *Features {
	return &Features{nextID: 1, rows: make(map[string]domain.FeatureSnapshot)}
}

func snapshotKey(symbol, interval string, openTime int64) string {
	return fmt.Sprintf("%s|%s|%d", symbol, interval, openTime)
}

// UpsertSnapshot writes the meta row and all values.
func (s *Features) UpsertSnapshot(_ context.Context, snap domain.FeatureSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpserts {
		return 0, store.ErrUnavailable
	}
	key := snapshotKey(snap.Symbol, snap.Interval, snap.OpenTime)
	if existing, ok := s.rows[key]; ok {
		for name, v := range snap.Features {
			if existing.Features == nil {
				existing.Features = make(map[string]*float64)
			}
			existing.Features[name] = v
		}
		existing.CloseTime = snap.CloseTime
		s.rows[key] = existing
		return existing.ID, nil
	}
	snap.ID = s.nextID
	s.nextID++
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	s.rows[key] = snap
	return snap.ID, nil
}

// LatestSnapshots returns the newest n snapshots, newest first.
func (s *Features) LatestSnapshots(_ context.Context, symbol, interval string, n int) ([]domain.FeatureSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FeatureSnapshot
	for _, snap := range s.rows {
		if snap.Symbol == symbol && snap.Interval == interval {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime > out[j].OpenTime })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// LatestOpenTime returns the newest snapshot open_time.
func (s *Features) LatestOpenTime(_ context.Context, symbol, interval string) (int64, error) {
	snaps, _ := s.LatestSnapshots(nil, symbol, interval, 1)
	if len(snaps) == 0 {
		return 0, store.ErrNotFound
	}
	return snaps[0].OpenTime, nil
}

// FeatureSeries returns one feature's series oldest first over the newest n
// snapshots.
func (s *Features) FeatureSeries(_ context.Context, symbol, interval, feature string, n int) ([]store.FeaturePoint, error) {
	snaps, _ := s.LatestSnapshots(nil, symbol, interval, n)
	// snaps are newest first; series is oldest first.
	var out []store.FeaturePoint
	for i := len(snaps) - 1; i >= 0; i-- {
		v, ok := snaps[i].Features[feature]
		if !ok {
			continue
		}
		out = append(out, store.FeaturePoint{OpenTime: snaps[i].OpenTime, Value: v})
	}
	return out, nil
}

// Sentiments is an in-memory SentimentStore.
type Sentiments struct {
	mu   sync.Mutex
	rows map[string]domain.SentimentTick
}

// NewSentiments creates an empty sentiment store.
func NewSentiments() *Sentiments {
	return &Sentiments{rows: make(map[string]domain.SentimentTick)}
}

func tickKey(t domain.SentimentTick) string {
	return fmt.Sprintf("%s|%d|%s", t.Symbol, t.TS, t.Provider)
}

// Upsert writes a tick keeping newer non-null fields.
func (s *Sentiments) Upsert(_ context.Context, t domain.SentimentTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tickKey(t)
	if old, ok := s.rows[key]; ok {
		if t.Count == nil {
			t.Count = old.Count
		}
		if t.ScoreRaw == nil {
			t.ScoreRaw = old.ScoreRaw
		}
		if t.ScoreNorm == nil {
			t.ScoreNorm = old.ScoreNorm
		}
		if t.Meta == nil {
			t.Meta = old.Meta
		}
	}
	s.rows[key] = t
	return nil
}

// UpsertBatch writes several ticks.
func (s *Sentiments) UpsertBatch(ctx context.Context, ticks []domain.SentimentTick) error {
	for _, t := range ticks {
		if err := s.Upsert(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// FetchRange returns ticks with ts in [from, to], oldest first.
func (s *Sentiments) FetchRange(_ context.Context, symbol string, from, to int64) ([]domain.SentimentTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SentimentTick
	for _, t := range s.rows {
		if t.Symbol == symbol && t.TS >= from && t.TS <= to {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out, nil
}

// Jobs is an in-memory JobStore recording audit rows.
type Jobs struct {
	mu            sync.Mutex
	JobRows       []domain.TrainingJob
	RetrainEvents []string
	Promotions    []string
}

// NewJobs creates an empty job store.
func NewJobs() *Jobs {
	return &Jobs{}
}

// CreateJob opens a running job row.
func (s *Jobs) CreateJob(_ context.Context, job domain.TrainingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.JobRows = append(s.JobRows, job)
	return nil
}

// FinishJob terminates a job.
func (s *Jobs) FinishJob(_ context.Context, id, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.JobRows {
		if s.JobRows[i].ID == id {
			now := time.Now().UTC()
			s.JobRows[i].Status = status
			s.JobRows[i].Reason = reason
			s.JobRows[i].FinishedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

// RecordRetrainEvent audits one trigger decision.
func (s *Jobs) RecordRetrainEvent(_ context.Context, trigger, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RetrainEvents = append(s.RetrainEvents, trigger+": "+detail)
	return nil
}

// RecordPromotion audits one promotion attempt.
func (s *Jobs) RecordPromotion(_ context.Context, modelID int64, promoted bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Promotions = append(s.Promotions, fmt.Sprintf("%d promoted=%t %s", modelID, promoted, reason))
	return nil
}

// Locker is an in-memory AdvisoryLocker.
type Locker struct {
	mu   sync.Mutex
	held map[int64]bool

	// Deny makes every TryLock fail, simulating a competing holder.
	Deny bool
}

// NewLocker creates an unheld locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[int64]bool)}
}

// TryLock attempts the lock without blocking.
func (l *Locker) TryLock(_ context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Deny || l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

// Unlock releases a held lock.
func (l *Locker) Unlock(_ context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[key] {
		return store.ErrInvariant
	}
	delete(l.held, key)
	return nil
}

// Interface guards.
var (
	_ store.CandleStore    = (*Candles)(nil)
	_ store.GapStore       = (*Gaps)(nil)
	_ store.InferenceLog   = (*Inferences)(nil)
	_ store.ModelRegistry  = (*Registry)(nil)
	_ store.FeatureStore   = (*Features)(nil)
	_ store.SentimentStore = (*Sentiments)(nil)
	_ store.JobStore       = (*Jobs)(nil)
	_ store.AdvisoryLocker = (*Locker)(nil)
)
