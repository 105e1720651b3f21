package task

import (
	"errors"
	"fmt"
	"time"
)

type TaskStatus int

const (
	TaskStatusCreated TaskStatus = iota
	TaskStatusStaged
	TaskStatusRunning
	TaskStatusSucceeded
	TaskStatusFailed
)

var ErrInvalidTransition = errors.New("invalid task status transition")

var statusNames = map[TaskStatus]string{
	TaskStatusCreated:   "created",
	TaskStatusStaged:    "staged",
	TaskStatusRunning:   "running",
	TaskStatusSucceeded: "succeeded",
	TaskStatusFailed:    "failed",
}

func (s TaskStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// CanTransition 状态机: Created -> Staged -> Running -> Succeeded|Failed, 任何非终态都可以直接失败
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case TaskStatusStaged:
		return s == TaskStatusCreated
	case TaskStatusRunning:
		return s == TaskStatusStaged
	case TaskStatusSucceeded:
		return s == TaskStatusRunning
	case TaskStatusFailed:
		return true
	}
	return false
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(b []byte) error {
	for status, name := range statusNames {
		if name == string(b) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", b)
}

type Task interface {
	GetTaskID() string
	GetType() string
	GetStatus() TaskStatus
	SetStatus(status TaskStatus) error
	Stop() error
	GetResult() Record
}

// Record 是任务的快照, 也是结果台账里保存的内容
type Record struct {
	TaskID     string     `json:"task_id"`
	Type       string     `json:"type"`
	Filename   string     `json:"filename"`
	Status     TaskStatus `json:"status"`
	Message    string     `json:"message"`
	Progress   int        `json:"progress"`
	Size       int64      `json:"size"`
	Code       string     `json:"code,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}
