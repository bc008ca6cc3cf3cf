package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"helixstream/internal/chat"
)

func builtinTools() map[string]chat.ToolHandler {
	return map[string]chat.ToolHandler{
		"echo":         echoTool,
		"current_time": currentTimeTool,
	}
}

func echoTool(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("echo: invalid arguments: %w", err)
		}
	}
	return in.Text, nil
}

func currentTimeTool(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("current_time: invalid arguments: %w", err)
		}
	}
	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return "", fmt.Errorf("current_time: %w", err)
		}
		loc = l
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}
