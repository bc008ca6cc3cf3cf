package run

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the task lifecycle position. The API sends small integers today
// and reserves the lowercase names for a later migration, so both decode.
type Status int

const (
	StatusUnknown Status = iota
	StatusReceived
	StatusQueued
	StatusScheduled
	StatusPreparing
	StatusServing
	StatusSettingUp
	StatusRunning
	StatusUploading
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = [...]string{
	StatusUnknown:   "unknown",
	StatusReceived:  "received",
	StatusQueued:    "queued",
	StatusScheduled: "scheduled",
	StatusPreparing: "preparing",
	StatusServing:   "serving",
	StatusSettingUp: "setting_up",
	StatusRunning:   "running",
	StatusUploading: "uploading",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(name string) (Status, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "canceled" {
		return StatusCancelled, true
	}
	for i, n := range statusNames {
		if n == name {
			return Status(i), true
		}
	}
	return StatusUnknown, false
}

func (s *Status) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == "" {
		*s = StatusUnknown
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		if n, err := strconv.Atoi(name); err == nil {
			*s = Status(n)
			return nil
		}
		parsed, ok := ParseStatus(name)
		if !ok {
			return fmt.Errorf("unknown task status %q", name)
		}
		*s = parsed
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid task status %s", raw)
	}
	*s = Status(n)
	return nil
}

type Task struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Logs      json.RawMessage `json:"logs,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type RunParams struct {
	App     string         `json:"app"`
	Input   map[string]any `json:"input,omitempty"`
	Infra   string         `json:"infra,omitempty"`
	Variant string         `json:"variant,omitempty"`
	Webhook string         `json:"webhook,omitempty"`
}

type WaitMode string

const (
	WaitStream WaitMode = "stream"
	WaitPoll   WaitMode = "poll"
)

type RunOptions struct {
	Wait bool
	Mode WaitMode

	OnUpdate        func(Task)
	OnPartialUpdate func(task Task, fields []string)
	OnError         func(error)
}

type taskStatus struct {
	Status Status `json:"status"`
}
