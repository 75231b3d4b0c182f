package task

import (
	"math"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Task is a snapshot. Values handed out by the Registry are copies.
type Task struct {
	ID           string    `json:"id"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Progress     float64   `json:"progress"`
	CurrentStage string    `json:"currentStage,omitempty"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Update is one progress transition requested by the executor.
type Update struct {
	Status   Status
	Progress float64
	Stage    string
	Message  string
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
