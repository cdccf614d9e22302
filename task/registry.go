package task

import (
	"errors"
	"sort"
	"sync"
	"time"

	"vocalscribe/pipeline"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrExists          = errors.New("task already exists")
	ErrAlreadyTerminal = errors.New("task already finished")
)

// Registry maps task ids to their current state. Implementations must allow
// concurrent readers alongside the single writer of each task.
type Registry interface {
	Create(id string) (Task, error)
	Get(id string) (Task, bool)
	Complete(id string, result *pipeline.Result) error
	Fail(id string, message string) error
	List() []Task
}

// MemoryRegistry keeps tasks for the lifetime of the process.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tasks map[string]Task
	now   func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tasks: make(map[string]Task),
		now:   time.Now,
	}
}

func (r *MemoryRegistry) Create(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; ok {
		return Task{}, ErrExists
	}
	t := Task{
		ID:        id,
		Status:    StatusProcessing,
		CreatedAt: r.now().UTC(),
	}
	r.tasks[id] = t
	return t, nil
}

// Get returns a copy; callers never observe a half-applied transition.
func (r *MemoryRegistry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

func (r *MemoryRegistry) Complete(id string, result *pipeline.Result) error {
	return r.finish(id, func(t *Task) {
		t.Status = StatusCompleted
		t.Result = result
	})
}

func (r *MemoryRegistry) Fail(id string, message string) error {
	return r.finish(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = message
	})
}

// List returns all tasks, newest first.
func (r *MemoryRegistry) List() []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryRegistry) finish(id string, apply func(t *Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Terminal() {
		return ErrAlreadyTerminal
	}
	apply(&t)
	done := r.now().UTC()
	t.CompletedAt = &done
	r.tasks[id] = t
	return nil
}
