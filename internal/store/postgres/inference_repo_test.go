package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
)

func TestSetLabelWritesAtMostOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewInferenceLog(db, 5*time.Second)

	mock.ExpectExec(`SET realized_label`).
		WithArgs("abc-123", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET realized_label`).
		WithArgs("abc-123", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	wrote, err := repo.SetLabel(context.Background(), "abc-123", 1)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = repo.SetLabel(context.Background(), "abc-123", 0)
	require.NoError(t, err)
	assert.False(t, wrote, "labels are never overwritten")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandidatesFiltersUnlabeledPastHorizon(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewInferenceLog(db, 5*time.Second)

	cols := []string{"id", "created_at", "probability", "decision", "threshold",
		"model_name", "model_version", "symbol", "interval", "extra", "realized_label"}
	mock.ExpectQuery(`realized_label IS NULL`).
		WithArgs(float64(900), 100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("id-1", time.Now().UTC(), 0.73, 1, 0.5,
				"bottom_lr", "v1", "BTCUSDT", "1m", []byte(`{"target":"bottom"}`), nil))

	recs, err := repo.Candidates(context.Background(), 900*time.Second, 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "bottom", recs[0].Target())
	assert.Nil(t, recs[0].RealizedLabel)
	assert.Equal(t, domain.DecisionLong, recs[0].Decision)
	assert.NoError(t, mock.ExpectationsWereMet())
}
