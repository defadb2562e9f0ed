package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/apperrors"
	"github.com/aegisshield/entity-correlation/internal/models"
)

const (
	upsertRecordQuery = `
		INSERT INTO entity_records (identity, source_id, external_id, raw_name, attributes, updated_at)
		VALUES (:identity, :source_id, :external_id, :raw_name, :attributes, :updated_at)
		ON CONFLICT (identity) DO UPDATE SET
			raw_name = EXCLUDED.raw_name,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at`

	insertRunQuery = `
		INSERT INTO runs (id, digest, started_at, duration_ms, record_count, cluster_count, stats, payload)
		VALUES (:id, :digest, :started_at, :duration_ms, :record_count, :cluster_count, :stats, :payload)`

	insertAssessmentQuery = `
		INSERT INTO assessments (run_id, cluster_id, weighted_score, composite_score, category, reasons, dimension_scores)
		VALUES (:run_id, :cluster_id, :weighted_score, :composite_score, :category, :reasons, :dimension_scores)`

	listRecordsQuery = `
		SELECT source_id, external_id, raw_name, attributes
		FROM entity_records
		ORDER BY source_id, external_id, identity`

	getRunQuery = `SELECT payload FROM runs WHERE id = $1`
)

type recordRow struct {
	Identity   string    `db:"identity"`
	SourceID   string    `db:"source_id"`
	ExternalID string    `db:"external_id"`
	RawName    string    `db:"raw_name"`
	Attributes []byte    `db:"attributes"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type runRow struct {
	ID           string    `db:"id"`
	Digest       string    `db:"digest"`
	StartedAt    time.Time `db:"started_at"`
	DurationMS   int64     `db:"duration_ms"`
	RecordCount  int       `db:"record_count"`
	ClusterCount int       `db:"cluster_count"`
	Stats        []byte    `db:"stats"`
	Payload      []byte    `db:"payload"`
}

type assessmentRow struct {
	RunID           string         `db:"run_id"`
	ClusterID       string         `db:"cluster_id"`
	WeightedScore   float64        `db:"weighted_score"`
	CompositeScore  float64        `db:"composite_score"`
	Category        string         `db:"category"`
	Reasons         pq.StringArray `db:"reasons"`
	DimensionScores []byte         `db:"dimension_scores"`
}

// Repository persists entity records and correlation runs
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *sqlx.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.Named("database"),
	}
}

// Ping checks the connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveRun stores the run, its assessments and the records it was computed
// from in one transaction. When records repeat an identity the first one is
// stored, matching the record the resolver kept.
func (r *Repository) SaveRun(ctx context.Context, run *models.Run, records []models.EntityRecord) error {
	row, err := newRunRow(run)
	if err != nil {
		return err
	}
	assessments, err := newAssessmentRows(run)
	if err != nil {
		return err
	}

	records = r.firstByIdentity(records)
	err = r.transaction(ctx, func(tx *sqlx.Tx) error {
		if err := upsertRecords(ctx, tx, records, time.Now().UTC()); err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertRunQuery, row); err != nil {
			return errors.Wrap(err, "failed to insert run")
		}
		for _, a := range assessments {
			if _, err := tx.NamedExecContext(ctx, insertAssessmentQuery, a); err != nil {
				return errors.Wrapf(err, "failed to insert assessment for cluster %s", a.ClusterID)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to save run", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}

	r.logger.Debug("Run saved",
		zap.String("run_id", run.ID),
		zap.Int("records", len(records)),
		zap.Int("assessments", len(assessments)))
	return nil
}

// GetRun loads a stored run
func (r *Repository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var payload []byte
	if err := r.db.GetContext(ctx, &payload, getRunQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrRunNotFound
		}
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}

	var run models.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, errors.Wrapf(err, "failed to decode run %s", id)
	}
	return &run, nil
}

// ListRecords returns every stored record in a stable order
func (r *Repository) ListRecords(ctx context.Context) ([]models.EntityRecord, error) {
	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, listRecordsQuery); err != nil {
		return nil, errors.Wrap(err, "failed to list records")
	}

	records := make([]models.EntityRecord, 0, len(rows))
	for _, row := range rows {
		rec := models.EntityRecord{
			SourceID:   row.SourceID,
			ExternalID: row.ExternalID,
			RawName:    row.RawName,
		}
		if len(row.Attributes) > 0 {
			if err := json.Unmarshal(row.Attributes, &rec.Attributes); err != nil {
				return nil, errors.Wrapf(err, "failed to decode attributes of %s/%s", row.SourceID, row.ExternalID)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// transaction executes fn within a database transaction
func (r *Repository) transaction(ctx context.Context, fn func(*sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = errors.Wrap(tx.Commit(), "failed to commit transaction")
		}
	}()

	err = fn(tx)
	return err
}

func (r *Repository) firstByIdentity(records []models.EntityRecord) []models.EntityRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]models.EntityRecord, 0, len(records))
	for _, rec := range records {
		id := rec.Identity()
		if _, dup := seen[id]; dup {
			r.logger.Debug("Skipping repeated record identity", zap.String("identity", id))
			continue
		}
		seen[id] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func upsertRecords(ctx context.Context, tx *sqlx.Tx, records []models.EntityRecord, now time.Time) error {
	for _, rec := range records {
		attrs := rec.Attributes
		if attrs == nil {
			attrs = models.Attributes{}
		}
		encoded, err := json.Marshal(attrs)
		if err != nil {
			return errors.Wrap(err, "failed to encode attributes")
		}
		row := recordRow{
			Identity:   rec.Identity(),
			SourceID:   rec.SourceID,
			ExternalID: rec.ExternalID,
			RawName:    rec.RawName,
			Attributes: encoded,
			UpdatedAt:  now,
		}
		if _, err := tx.NamedExecContext(ctx, upsertRecordQuery, row); err != nil {
			return errors.Wrapf(err, "failed to upsert record %s", row.Identity)
		}
	}
	return nil
}

func newRunRow(run *models.Run) (runRow, error) {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return runRow{}, errors.Wrap(err, "failed to encode stats")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return runRow{}, errors.Wrap(err, "failed to encode run")
	}
	return runRow{
		ID:           run.ID,
		Digest:       run.Digest,
		StartedAt:    run.StartedAt,
		DurationMS:   run.Duration.Milliseconds(),
		RecordCount:  run.RecordCount,
		ClusterCount: len(run.Clusters),
		Stats:        stats,
		Payload:      payload,
	}, nil
}

func newAssessmentRows(run *models.Run) ([]assessmentRow, error) {
	rows := make([]assessmentRow, 0, len(run.Assessments))
	for _, a := range run.Assessments {
		reasons := a.Reasons
		if reasons == nil {
			reasons = []string{}
		}
		dims, err := json.Marshal(a.DimensionScores)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode dimension scores")
		}
		rows = append(rows, assessmentRow{
			RunID:           run.ID,
			ClusterID:       a.ClusterID,
			WeightedScore:   a.WeightedScore,
			CompositeScore:  a.CompositeScore,
			Category:        string(a.Category),
			Reasons:         pq.StringArray(reasons),
			DimensionScores: dims,
		})
	}
	return rows, nil
}
