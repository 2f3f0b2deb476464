package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

func TestInsertDetectedReturnsNewID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGapStore(db, 5*time.Second)

	g := domain.NewGapSegment("BTCUSDT", "1m", 180_000, 240_000, 60_000)

	mock.ExpectQuery(`INSERT INTO gap_segments`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := repo.InsertDetected(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDetectedResolvesLiveDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGapStore(db, 5*time.Second)

	g := domain.NewGapSegment("BTCUSDT", "1m", 180_000, 240_000, 60_000)

	// ON CONFLICT DO NOTHING yields no row; the existing live segment is
	// resolved by a follow-up lookup.
	mock.ExpectQuery(`INSERT INTO gap_segments`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM gap_segments`).
		WithArgs("BTCUSDT", "1m", int64(180_000)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	id, err := repo.InsertDetected(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressRefusesTerminalSegments(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGapStore(db, 5*time.Second)

	mock.ExpectExec(`UPDATE gap_segments`).
		WithArgs(int64(9), int64(4), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateProgress(context.Background(), 9, 4, 2)
	assert.ErrorIs(t, err, store.ErrInvariant, "recovered/merged rows must not move")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRecoveredStampsTerminalState(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGapStore(db, 5*time.Second)

	mock.ExpectExec(`SET status = 'recovered'`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkRecovered(context.Background(), 9))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMergingAbsorbsOverlaps(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGapStore(db, 5*time.Second)

	gapCols := []string{"id", "symbol", "interval", "from_open_time", "to_open_time",
		"missing_bars", "remaining_bars", "recovered_bars", "status", "merged",
		"detected_at", "recovered_at"}
	detected := time.Now().UTC()

	mock.ExpectBegin()
	// One live overlap [120000, 240000] with missing=3 (interval derivable: 60000).
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("BTCUSDT", "1m", int64(180_000), int64(300_000)).
		WillReturnRows(sqlmock.NewRows(gapCols).
			AddRow(int64(4), "BTCUSDT", "1m", int64(120_000), int64(240_000),
				int64(3), int64(3), int64(0), "open", false, detected, nil))
	// Merged span [120000, 300000]: expected 4 bars, 1 present → missing 3.
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ohlcv_candles`).
		WithArgs("BTCUSDT", "1m", int64(120_000), int64(300_000)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectExec(`SET status = 'merged'`).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO gap_segments`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	g := domain.GapSegment{
		Symbol: "BTCUSDT", Interval: "1m",
		FromOpenTime: 180_000, ToOpenTime: 300_000,
		MissingBars: 3, RemainingBars: 3,
		Status: domain.GapOpen, DetectedAt: detected,
	}
	merged, err := repo.InsertMerging(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, int64(11), merged.ID)
	assert.Equal(t, int64(120_000), merged.FromOpenTime)
	assert.Equal(t, int64(300_000), merged.ToOpenTime)
	assert.Equal(t, int64(3), merged.MissingBars, "expected − present")
	assert.Equal(t, int64(3), merged.RemainingBars)
	assert.True(t, merged.Merged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMergingNoOverlapInsertsDirectly(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGapStore(db, 5*time.Second)

	gapCols := []string{"id", "symbol", "interval", "from_open_time", "to_open_time",
		"missing_bars", "remaining_bars", "recovered_bars", "status", "merged",
		"detected_at", "recovered_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(gapCols))
	mock.ExpectQuery(`INSERT INTO gap_segments`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectCommit()

	g := domain.NewGapSegment("BTCUSDT", "1m", 180_000, 240_000, 60_000)
	inserted, err := repo.InsertMerging(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, int64(21), inserted.ID)
	assert.Equal(t, int64(2), inserted.MissingBars)
	assert.False(t, inserted.Merged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceSplitRetiresAndInsertsHalves(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGapStore(db, 5*time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'merged'`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO gap_segments`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(6)))
	mock.ExpectQuery(`INSERT INTO gap_segments`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	left := domain.NewGapSegment("BTCUSDT", "1m", 180_000, 240_000, 60_000)
	right := domain.NewGapSegment("BTCUSDT", "1m", 360_000, 480_000, 60_000)
	leftID, rightID, err := repo.ReplaceSplit(context.Background(), 5, left, right)
	require.NoError(t, err)
	assert.Equal(t, int64(6), leftID)
	assert.Equal(t, int64(7), rightID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
