package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/engine"
	"github.com/aegisshield/entity-correlation/internal/models"
)

// RerunTaskID identifies the stored-records re-run task
const RerunTaskID = "correlation_rerun"

// RecordSource lists stored records
type RecordSource interface {
	ListRecords(ctx context.Context) ([]models.EntityRecord, error)
}

// Processor runs one batch
type Processor interface {
	Process(ctx context.Context, req engine.Request) (*models.Run, error)
}

// RerunHandler re-resolves and re-scores every stored record, so policy
// changes and late-arriving sources are reflected in the assessments.
type RerunHandler struct {
	source    RecordSource
	processor Processor
	logger    *zap.Logger
}

// NewRerunHandler creates a new re-run handler
func NewRerunHandler(source RecordSource, processor Processor, logger *zap.Logger) *RerunHandler {
	return &RerunHandler{
		source:    source,
		processor: processor,
		logger:    logger,
	}
}

// Execute runs the engine over all stored records
func (h *RerunHandler) Execute(ctx context.Context) error {
	records, err := h.source.ListRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load stored records")
	}
	if len(records) == 0 {
		h.logger.Debug("No stored records to re-run")
		return nil
	}

	run, err := h.processor.Process(ctx, engine.Request{Records: records})
	if err != nil {
		return errors.Wrap(err, "re-run failed")
	}

	counts := run.CategoryCounts()
	h.logger.Info("Scheduled re-run completed",
		zap.String("run_id", run.ID),
		zap.Bool("cached", run.Cached),
		zap.Int("records", len(records)),
		zap.Int("clusters", len(run.Clusters)),
		zap.Int("critical", counts[models.RiskCategoryCritical]))
	return nil
}

// GetName returns the handler name
func (h *RerunHandler) GetName() string {
	return "Correlation Re-run"
}

// NewRerunTask wraps handler in a task on schedule
func NewRerunTask(schedule string, handler TaskHandler) *ScheduledTask {
	return &ScheduledTask{
		ID:       RerunTaskID,
		Name:     handler.GetName(),
		Schedule: schedule,
		Handler:  handler,
	}
}
