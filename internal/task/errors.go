package task

import "errors"

var (
	ErrNotFound     = errors.New("task not found")
	ErrTaskActive   = errors.New("task is already running")
	ErrTaskFinished = errors.New("task already finished")
	ErrInvalidID    = errors.New("task id is required")
)
