package run

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskFailed    = errors.New("task failed")
	ErrTaskCancelled = errors.New("task cancelled")
	ErrStreamClosed  = errors.New("update channel closed before task finished")
)

type TerminalInfo struct {
	IsTerminal bool
	Outcome    Status
	ReasonCode string
	Reason     string
}

type TaskError struct {
	TaskID     string
	Status     Status
	ReasonCode string
	Message    string
	Task       Task
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s %s: %s", e.TaskID, e.Status, e.Message)
}

func (e *TaskError) Unwrap() error {
	if e.Status == StatusCancelled {
		return ErrTaskCancelled
	}
	return ErrTaskFailed
}

func deriveTerminalInfo(status Status, errText string) TerminalInfo {
	switch status {
	case StatusCompleted:
		return TerminalInfo{
			IsTerminal: true,
			Outcome:    StatusCompleted,
			ReasonCode: "success",
			Reason:     "task completed",
		}
	case StatusCancelled:
		reason := strings.TrimSpace(errText)
		if reason == "" {
			reason = ErrTaskCancelled.Error()
		}
		return TerminalInfo{
			IsTerminal: true,
			Outcome:    StatusCancelled,
			ReasonCode: "cancelled",
			Reason:     reason,
		}
	case StatusFailed:
		code := classifyFailureCode(errText)
		reason := strings.TrimSpace(errText)
		if reason == "" {
			reason = ErrTaskFailed.Error()
		}
		return TerminalInfo{
			IsTerminal: true,
			Outcome:    StatusFailed,
			ReasonCode: code,
			Reason:     reason,
		}
	default:
		return TerminalInfo{
			IsTerminal: false,
			ReasonCode: "in_progress",
			Reason:     status.String(),
		}
	}
}

func classifyFailureCode(errText string) string {
	s := strings.ToLower(strings.TrimSpace(errText))
	switch {
	case s == "":
		return "backend_error"
	case strings.Contains(s, "deadline exceeded"), strings.Contains(s, "timeout"), strings.Contains(s, "timed out"):
		return "timeout"
	case strings.Contains(s, "out of memory"), strings.Contains(s, "oom"):
		return "out_of_memory"
	case strings.Contains(s, "invalid input"), strings.Contains(s, "validation"):
		return "invalid_input"
	default:
		return "backend_error"
	}
}

func terminalResult(t Task) (Task, error) {
	info := deriveTerminalInfo(t.Status, t.Error)
	if !info.IsTerminal || info.Outcome == StatusCompleted {
		return t, nil
	}
	return t, &TaskError{
		TaskID:     t.ID,
		Status:     info.Outcome,
		ReasonCode: info.ReasonCode,
		Message:    info.Reason,
		Task:       t,
	}
}
