package chat

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	StatusBusy = "busy"
	StatusIdle = "idle"
)

const (
	InvocationLocal         = "local"
	InvocationAwaitingInput = "awaiting_input"
)

type WaitMode string

const (
	WaitNone   WaitMode = "none"
	WaitStream WaitMode = "stream"
	WaitPoll   WaitMode = "poll"
)

type Chat struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	AgentID   string    `json:"agent_id,omitempty"`
	Messages  []Message `json:"chat_messages,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Busy reports whether the agent is still generating. Any status other
// than busy counts as idle.
func (c Chat) Busy() bool {
	return c.Status == StatusBusy
}

type Message struct {
	ID              string           `json:"id"`
	ChatID          string           `json:"chat_id"`
	Role            string           `json:"role"`
	Content         json.RawMessage  `json:"content,omitempty"`
	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (m Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

type ToolInvocation struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Status   string       `json:"status"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (inv ToolInvocation) awaitingLocal() bool {
	return inv.Type == InvocationLocal && inv.Status == InvocationAwaitingInput
}

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type SendOptions struct {
	Agent       string
	Attachments []Attachment
	Wait WaitMode

	OnChat    func(Chat)
	OnMessage func(Message)
	OnError   func(error)
}

type SendResult struct {
	UserMessage      Message
	AssistantMessage Message
	ChatID           string
}

type agentInput struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
	Files  []string `json:"files,omitempty"`
}

type agentRunRequest struct {
	ChatID string     `json:"chat_id,omitempty"`
	Agent  string     `json:"agent,omitempty"`
	Input  agentInput `json:"input"`
}

type agentRunResponse struct {
	ChatID           string  `json:"chat_id,omitempty"`
	UserMessage      Message `json:"user_message"`
	AssistantMessage Message `json:"assistant_message"`
}

type chatStatus struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}
