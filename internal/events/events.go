package events

import "encoding/json"

const (
	TypeMessage     = "message"
	TypeChat        = "chats"
	TypeChatMessage = "chat_messages"
)

type Kind int

const (
	KindFull Kind = iota
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	default:
		return "full"
	}
}

type Message struct {
	Event string
	ID    string
	Data  []byte
}

func (m Message) IsDefault() bool {
	return m.Event == "" || m.Event == TypeMessage
}

func (m Message) Type() string {
	if m.IsDefault() {
		return TypeMessage
	}
	return m.Event
}

type Update struct {
	Kind   Kind
	Data   json.RawMessage
	Fields []string
}

func (u Update) Partial() bool {
	return u.Kind == KindPartial
}

func (u Update) Changed(field string) bool {
	if u.Kind != KindPartial {
		return true
	}
	for _, f := range u.Fields {
		if f == field {
			return true
		}
	}
	return false
}
