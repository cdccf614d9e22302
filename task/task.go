package task

import (
	"time"

	"github.com/lithammer/shortuuid/v4"

	"vocalscribe/pipeline"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Task struct {
	ID          string           `json:"task_id"`
	Status      Status           `json:"status"`
	Result      *pipeline.Result `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Terminal reports whether the task has finished, successfully or not.
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// NewID returns a fresh opaque task id.
func NewID() string {
	return shortuuid.New()
}
