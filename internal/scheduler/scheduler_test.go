package scheduler

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/engine"
	"github.com/aegisshield/entity-correlation/internal/models"
)

type fakeSource struct {
	records []models.EntityRecord
	err     error
}

func (f *fakeSource) ListRecords(context.Context) ([]models.EntityRecord, error) {
	return f.records, f.err
}

type fakeProcessor struct {
	calls int
	last  engine.Request
	err   error
}

func (f *fakeProcessor) Process(_ context.Context, req engine.Request) (*models.Run, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.Run{ID: "rerun", RecordCount: len(req.Records)}, nil
}

func TestRerunHandler(t *testing.T) {
	t.Run("ProcessesStoredRecords", func(t *testing.T) {
		source := &fakeSource{records: []models.EntityRecord{
			{SourceID: "TED", ExternalID: "T1", RawName: "Huawei Co Ltd"},
			{SourceID: "GLEIF", ExternalID: "L1", RawName: "Huawei Limited"},
		}}
		proc := &fakeProcessor{}
		h := NewRerunHandler(source, proc, zap.NewNop())

		require.NoError(t, h.Execute(context.Background()))
		assert.Equal(t, 1, proc.calls)
		assert.Len(t, proc.last.Records, 2)
	})

	t.Run("NoRecords", func(t *testing.T) {
		proc := &fakeProcessor{}
		h := NewRerunHandler(&fakeSource{}, proc, zap.NewNop())
		require.NoError(t, h.Execute(context.Background()))
		assert.Equal(t, 0, proc.calls)
	})

	t.Run("Errors", func(t *testing.T) {
		h := NewRerunHandler(&fakeSource{err: errors.New("connection reset")}, &fakeProcessor{}, zap.NewNop())
		assert.Error(t, h.Execute(context.Background()))

		h = NewRerunHandler(&fakeSource{records: []models.EntityRecord{{SourceID: "TED", RawName: "ZTE"}}},
			&fakeProcessor{err: errors.New("boom")}, zap.NewNop())
		err := h.Execute(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "re-run failed")
	})
}

func TestScheduler(t *testing.T) {
	t.Run("AddTask", func(t *testing.T) {
		s := NewScheduler(zap.NewNop())
		h := NewRerunHandler(&fakeSource{}, &fakeProcessor{}, zap.NewNop())

		require.NoError(t, s.AddTask(NewRerunTask("0 */15 * * * *", h)))
		assert.Error(t, s.AddTask(NewRerunTask("0 */15 * * * *", h)), "duplicate id")

		tasks := s.Tasks()
		require.Len(t, tasks, 1)
		assert.Equal(t, RerunTaskID, tasks[0].ID)
		assert.Equal(t, "Correlation Re-run", tasks[0].Name)
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		s := NewScheduler(zap.NewNop())
		h := NewRerunHandler(&fakeSource{}, &fakeProcessor{}, zap.NewNop())
		assert.Error(t, s.AddTask(NewRerunTask("every five minutes", h)))
		assert.Empty(t, s.Tasks())
	})

	t.Run("ExecuteTaskCounts", func(t *testing.T) {
		s := NewScheduler(zap.NewNop())
		proc := &fakeProcessor{err: errors.New("boom")}
		task := NewRerunTask("@every 1h", NewRerunHandler(&fakeSource{records: []models.EntityRecord{{SourceID: "A", RawName: "ZTE"}}}, proc, zap.NewNop()))
		require.NoError(t, s.AddTask(task))

		s.executeTask(task)
		s.executeTask(task)

		snapshot := s.Tasks()[0]
		assert.Equal(t, int64(2), snapshot.RunCount)
		assert.Equal(t, int64(2), snapshot.ErrorCount)
		assert.False(t, snapshot.LastRun.IsZero())
	})

	t.Run("StartStop", func(t *testing.T) {
		s := NewScheduler(zap.NewNop())
		s.Start()
		s.Stop()
	})
}
