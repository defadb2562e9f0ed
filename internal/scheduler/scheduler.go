package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultTaskTimeout bounds a single task execution
const DefaultTaskTimeout = 30 * time.Minute

// Scheduler manages periodic tasks
type Scheduler struct {
	logger     *zap.Logger
	cron       *cron.Cron
	tasks      map[string]*ScheduledTask
	tasksMutex sync.RWMutex
	timeout    time.Duration
}

// ScheduledTask represents a scheduled task
type ScheduledTask struct {
	ID          string
	Name        string
	Schedule    string
	Handler     TaskHandler
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	ErrorCount  int64
	cronEntryID cron.EntryID
}

// TaskHandler defines the interface for scheduled task handlers
type TaskHandler interface {
	Execute(ctx context.Context) error
	GetName() string
}

// NewScheduler creates a scheduler evaluating cron specs with seconds in UTC
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tasks:   make(map[string]*ScheduledTask),
		timeout: DefaultTaskTimeout,
	}
}

// AddTask registers and schedules a task
func (s *Scheduler) AddTask(task *ScheduledTask) error {
	s.tasksMutex.Lock()
	defer s.tasksMutex.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
	}
	task.cronEntryID = entryID
	s.tasks[task.ID] = task

	s.logger.Debug("Task scheduled",
		zap.String("task_id", task.ID),
		zap.String("task_name", task.Name),
		zap.String("schedule", task.Schedule))
	return nil
}

// Start starts the cron loop
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("scheduled_tasks", len(s.Tasks())))
}

// Stop stops the cron loop and waits for running tasks
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// Tasks returns a snapshot of all tasks with their next run time
func (s *Scheduler) Tasks() []ScheduledTask {
	s.tasksMutex.RLock()
	defer s.tasksMutex.RUnlock()

	tasks := make([]ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		snapshot := *task
		snapshot.NextRun = s.cron.Entry(task.cronEntryID).Next
		tasks = append(tasks, snapshot)
	}
	return tasks
}

// executeTask executes a scheduled task
func (s *Scheduler) executeTask(task *ScheduledTask) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	startTime := time.Now()
	s.tasksMutex.Lock()
	task.LastRun = startTime
	task.RunCount++
	s.tasksMutex.Unlock()

	s.logger.Debug("Executing scheduled task",
		zap.String("task_id", task.ID),
		zap.String("task_name", task.Name))

	if err := task.Handler.Execute(ctx); err != nil {
		s.tasksMutex.Lock()
		task.ErrorCount++
		s.tasksMutex.Unlock()
		s.logger.Error("Scheduled task failed",
			zap.String("task_id", task.ID),
			zap.String("task_name", task.Name),
			zap.Duration("execution_time", time.Since(startTime)),
			zap.Error(err))
		return
	}

	s.logger.Debug("Scheduled task completed",
		zap.String("task_id", task.ID),
		zap.String("task_name", task.Name),
		zap.Duration("execution_time", time.Since(startTime)))
}
