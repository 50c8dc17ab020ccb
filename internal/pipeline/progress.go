package pipeline

import (
	"sync"
	"time"

	"github.com/timeweave/timeweave/internal/models"
)

// ProgressReporter receives phase-boundary updates from the orchestrator.
type ProgressReporter interface {
	UpdateProgress(taskID string, percent int, counts map[string]int, message string)
}

// TaskState is the lifecycle state of a tracked pipeline run.
type TaskState string

const (
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// TaskStatus is the caller-visible view of one run.
type TaskStatus struct {
	TaskID    string                 `json:"task_id"`
	State     TaskState              `json:"state"`
	Percent   int                    `json:"percent"`
	Message   string                 `json:"message"`
	Counts    map[string]int         `json:"counts,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Result    *models.PipelineResult `json:"result,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// TaskRegistry tracks run progress in memory and implements
// ProgressReporter. Entries are pruned after a retention window.
type TaskRegistry struct {
	mu        sync.RWMutex
	tasks     map[string]*TaskStatus
	retention time.Duration
}

// NewTaskRegistry creates a registry with the given retention for finished
// tasks.
func NewTaskRegistry(retention time.Duration) *TaskRegistry {
	if retention <= 0 {
		retention = time.Hour
	}
	return &TaskRegistry{
		tasks:     make(map[string]*TaskStatus),
		retention: retention,
	}
}

// Begin registers a new running task.
func (r *TaskRegistry) Begin(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskID] = &TaskStatus{
		TaskID:    taskID,
		State:     TaskRunning,
		UpdatedAt: time.Now(),
	}
}

// UpdateProgress records a phase boundary.
func (r *TaskRegistry) UpdateProgress(taskID string, percent int, counts map[string]int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return
	}
	task.Percent = percent
	task.Counts = counts
	task.Message = message
	task.UpdatedAt = time.Now()
}

// Complete marks a task done and attaches its result.
func (r *TaskRegistry) Complete(taskID string, result *models.PipelineResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return
	}
	task.State = TaskDone
	task.Percent = 100
	task.Result = result
	task.UpdatedAt = time.Now()
	r.pruneLocked()
}

// Fail marks a task failed.
func (r *TaskRegistry) Fail(taskID string, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return
	}
	task.State = TaskFailed
	task.Error = errMsg
	task.UpdatedAt = time.Now()
	r.pruneLocked()
}

// Get returns a copy of a task's status.
func (r *TaskRegistry) Get(taskID string) (TaskStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return TaskStatus{}, false
	}
	return *task, true
}

func (r *TaskRegistry) pruneLocked() {
	cutoff := time.Now().Add(-r.retention)
	for id, task := range r.tasks {
		if task.State != TaskRunning && task.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
		}
	}
}
