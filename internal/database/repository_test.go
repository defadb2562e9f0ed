package database

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/models"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "postgres"), zap.NewNop()), mock
}

func sampleRun() *models.Run {
	return &models.Run{
		ID:          "7f1c1a52-9a53-4b9e-8c55-0b8c1df1b5c1",
		Digest:      "d1",
		StartedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:    1500 * time.Millisecond,
		RecordCount: 2,
		Clusters: []models.EntityCluster{{
			ID:        "C-1",
			SourceIDs: []string{"GLEIF", "TED"},
			MatchType: models.MatchTypeExact,
			Members: []models.ClusterMember{
				{Index: 0, Key: "HUAWEI", Record: models.EntityRecord{SourceID: "TED", ExternalID: "T1", RawName: "Huawei Co"}},
				{Index: 1, Key: "HUAWEI", Record: models.EntityRecord{SourceID: "GLEIF", ExternalID: "L1", RawName: "Huawei Ltd"}},
			},
		}},
		Assessments: []models.RiskAssessment{{
			ClusterID:      "C-1",
			WeightedScore:  12.5,
			CompositeScore: 12.5,
			Category:       models.RiskCategoryLow,
			Reasons:        []string{"cross_source_breadth: score 25.0 x weight 0.15 = 3.75"},
		}},
	}
}

func TestSaveRun(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		run := sampleRun()
		records := run.Clusters[0].Records()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_records")).
			WithArgs("TED/T1", "TED", "T1", "Huawei Co", []byte("{}"), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_records")).
			WithArgs("GLEIF/L1", "GLEIF", "L1", "Huawei Ltd", []byte("{}"), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs")).
			WithArgs(run.ID, "d1", run.StartedAt, int64(1500), int64(2), int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assessments")).
			WithArgs(run.ID, "C-1", 12.5, 12.5, "LOW", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.SaveRun(context.Background(), run, records))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RollsBackOnFailure", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		run := sampleRun()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs")).
			WillReturnError(errors.New("duplicate key value violates unique constraint"))
		mock.ExpectRollback()

		err := repo.SaveRun(context.Background(), run, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert run")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSaveRunKeepsFirstDuplicate(t *testing.T) {
	repo, mock := newMockRepository(t)
	run := sampleRun()
	run.Assessments = nil
	batch := []models.EntityRecord{
		{SourceID: "GLEIF", ExternalID: "LEI001", RawName: "Huawei Technologies Co Ltd"},
		{SourceID: "GLEIF", ExternalID: "LEI001", RawName: "Huawei Tech Investment"},
		{SourceID: "BIS", RawName: "Hikvision", Attributes: models.Attributes{models.AttrCountryCode: "CN"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_records")).
		WithArgs("GLEIF/LEI001", "GLEIF", "LEI001", "Huawei Technologies Co Ltd", []byte("{}"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entity_records")).
		WithArgs("BIS/#Hikvision", "BIS", "", "Hikvision", []byte(`{"country_code":"CN"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveRun(context.Background(), run, batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		run := sampleRun()
		payload, err := json.Marshal(run)
		require.NoError(t, err)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM runs WHERE id = $1")).
			WithArgs(run.ID).
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

		got, err := repo.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.Digest, got.Digest)
		assert.Equal(t, run.Duration, got.Duration)
		require.Len(t, got.Clusters, 1)
		assert.Equal(t, "TED/T1", got.Clusters[0].Members[0].Record.Identity())
	})

	t.Run("NotFound", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM runs")).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}))

		_, err := repo.GetRun(context.Background(), "missing")
		assert.ErrorIs(t, err, apperrors.ErrRunNotFound)
	})
}

func TestListRecords(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT source_id, external_id, raw_name, attributes")).
		WillReturnRows(sqlmock.NewRows([]string{"source_id", "external_id", "raw_name", "attributes"}).
			AddRow("GLEIF", "L1", "Huawei Ltd", []byte(`{"contract_value":"1000"}`)).
			AddRow("TED", "", "ZTE SA", []byte(`{}`)))

	records, err := repo.ListRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	v, ok := records[0].AttrFloat(models.AttrContractValue)
	assert.True(t, ok)
	assert.Equal(t, 1000.0, v)
	assert.Equal(t, "TED/#ZTE SA", records[1].Identity())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
