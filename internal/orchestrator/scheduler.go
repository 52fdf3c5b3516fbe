package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"qtune/internal/logger"
)

// TaskType represents the type of scheduled task
type TaskType string

const (
	TaskTypeSLASync          TaskType = "sla_sync"
	TaskTypeRateLimitCleanup TaskType = "rate_limit_cleanup"
)

// Task represents a scheduled task
type Task struct {
	ID          string        `json:"id"`
	Type        TaskType      `json:"type"`
	Schedule    string        `json:"schedule"`
	Timeout     time.Duration `json:"timeout"`
	LastRunTime time.Time     `json:"last_run_time"`
	NextRunTime time.Time     `json:"next_run_time"`
	Status      TaskStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`
	Runs        int64         `json:"runs"`
	Skipped     int64         `json:"skipped"`

	entryID cron.EntryID
	running bool
}

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskHandler defines the interface for task handlers
type TaskHandler interface {
	Handle(ctx context.Context) error
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context) error

// Handle calls f(ctx)
func (f HandlerFunc) Handle(ctx context.Context) error { return f(ctx) }

// Scheduler manages task scheduling. 同一任务上一次尚未结束时跳过本次触发
type Scheduler struct {
	cron     *cron.Cron
	tasks    map[TaskType]*Task
	handlers map[TaskType]TaskHandler
	mu       sync.RWMutex
	log      logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a new scheduler; specs use the seconds field
func NewScheduler(log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		tasks:    make(map[TaskType]*Task),
		handlers: make(map[TaskType]TaskHandler),
		log:      log,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a handler for a task type
func (s *Scheduler) RegisterHandler(taskType TaskType, handler TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = handler
}

// AddTask schedules a registered task type; timeout <= 0 means no per-run timeout
func (s *Scheduler) AddTask(taskType TaskType, schedule string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handlers[taskType]; !exists {
		return fmt.Errorf("no handler registered for task type: %s", taskType)
	}
	if _, exists := s.tasks[taskType]; exists {
		return fmt.Errorf("task already scheduled: %s", taskType)
	}

	task := &Task{
		ID:       fmt.Sprintf("%s_%d", taskType, time.Now().UnixNano()),
		Type:     taskType,
		Schedule: schedule,
		Timeout:  timeout,
		Status:   TaskStatusPending,
	}

	id, err := s.cron.AddFunc(schedule, func() { s.Trigger(taskType) })
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	task.entryID = id
	s.tasks[taskType] = task
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started", "tasks", len(s.tasks))
}

// Stop stops the cron, cancels running tasks and waits for them
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// Trigger runs a task now unless the previous run is still in progress.
// 返回 false 表示被跳过
func (s *Scheduler) Trigger(taskType TaskType) bool {
	s.mu.Lock()
	task, ok := s.tasks[taskType]
	handler := s.handlers[taskType]
	if !ok || handler == nil {
		s.mu.Unlock()
		return false
	}
	if task.running {
		task.Skipped++
		s.mu.Unlock()
		s.log.Warn("Skipping task, previous run still in progress", "task", taskType)
		return false
	}
	task.running = true
	task.Status = TaskStatusRunning
	task.LastRunTime = time.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.runTask(task, handler)
	return true
}

// runTask executes a task
func (s *Scheduler) runTask(task *Task, handler TaskHandler) {
	ctx := s.baseCtx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return handler.Handle(ctx)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	task.running = false
	task.Runs++
	if entry := s.cron.Entry(task.entryID); entry.Valid() {
		task.NextRunTime = entry.Next
	}
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err.Error()
		s.log.Error("Scheduled task failed", "task", task.Type, "duration", time.Since(start), "error", err)
		return
	}
	task.Status = TaskStatusCompleted
	task.Error = ""
	s.log.Debug("Scheduled task completed", "task", task.Type, "duration", time.Since(start))
}

// GetTask gets a task by type
func (s *Scheduler) GetTask(taskType TaskType) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskType]
	if !exists {
		return Task{}, fmt.Errorf("task not found: %s", taskType)
	}
	return *task, nil
}

// ListTasks lists all tasks
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Type < tasks[j].Type })
	return tasks
}
