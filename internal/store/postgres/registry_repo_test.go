package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpond/driftline/internal/domain"
	"github.com/quantpond/driftline/internal/store"
)

func TestRegisterResolvesDuplicateToExistingID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewModelRegistry(db, 5*time.Second)

	mock.ExpectQuery(`INSERT INTO model_registry`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM model_registry`).
		WithArgs("bottom_lr", "1724500000000-a1b2c3", "logreg").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := repo.Register(context.Background(), domain.ModelRow{
		Name:         "bottom_lr",
		Version:      "1724500000000-a1b2c3",
		ModelType:    "logreg",
		ArtifactPath: "/var/lib/driftline/models/bottom_lr.json",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteRefusesCurrentProduction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewModelRegistry(db, 5*time.Second)

	mock.ExpectExec(`SET status = 'production'`).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Promote(context.Background(), 4)
	assert.ErrorIs(t, err, store.ErrInvariant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteRefusesProductionRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewModelRegistry(db, 5*time.Second)

	mock.ExpectExec(`SET status = 'deleted'`).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SoftDelete(context.Background(), 4)
	assert.ErrorIs(t, err, store.ErrInvariant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMetricsWritesHistoryAndRefreshesRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewModelRegistry(db, 5*time.Second)

	metrics := json.RawMessage(`{"auc":0.61,"brier":0.21}`)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO model_metrics_history`).
		WithArgs(int64(4), []byte(metrics)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE model_registry SET metrics`).
		WithArgs(int64(4), []byte(metrics)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.AppendMetrics(context.Background(), 4, metrics))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchLatestRoundTripsMetrics(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewModelRegistry(db, 5*time.Second)

	cols := []string{"id", "name", "version", "model_type", "status",
		"artifact_path", "metrics", "created_at", "promoted_at"}
	created := time.Now().UTC()
	mock.ExpectQuery(`ORDER BY created_at DESC`).
		WithArgs("bottom_lr", "logreg", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(2), "bottom_lr", "v2", "logreg", "staging",
				"/models/v2.json", []byte(`{"auc":0.6}`), created, nil).
			AddRow(int64(1), "bottom_lr", "v1", "logreg", "production",
				"/models/v1.json", []byte(`{"auc":0.58}`), created.Add(-time.Hour), created))

	rows, err := repo.FetchLatest(context.Background(), "bottom_lr", "logreg", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	auc, ok := rows[0].MetricFloat("auc")
	require.True(t, ok)
	assert.InDelta(t, 0.6, auc, 1e-9)
	assert.Nil(t, rows[0].PromotedAt)
	require.NotNil(t, rows[1].PromotedAt)
	assert.Equal(t, domain.ModelProduction, rows[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
