package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPayload = errors.New("empty update payload")
	ErrNotObject    = errors.New("update payload is not a JSON object")
)

// Decode parses a raw frame. A payload is partial iff it has a "data" object
// and a "fields" array; any other object is a full snapshot.
func Decode(raw []byte) (Update, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Update{}, ErrEmptyPayload
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return Update{}, errors.New("decode update: invalid JSON")
		}
		return Update{}, fmt.Errorf("decode update: %w: got %s", ErrNotObject, jsonKindName(trimmed[0]))
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	if data, fields, ok := partialEnvelope(envelope); ok {
		return Update{Kind: KindPartial, Data: data, Fields: fields}, nil
	}
	return Update{Kind: KindFull, Data: json.RawMessage(trimmed)}, nil
}

func DecodeInto[T any](u Update) (T, error) {
	var out T
	switch k := jsonKind(u.Data); k {
	case 0:
		return out, ErrEmptyPayload
	case '{':
	default:
		return out, fmt.Errorf("decode %s update: %w: got %s", u.Kind, ErrNotObject, jsonKindName(k))
	}
	if err := json.Unmarshal(u.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s update: %w", u.Kind, err)
	}
	return out, nil
}

func partialEnvelope(envelope map[string]json.RawMessage) (json.RawMessage, []string, bool) {
	data, ok := envelope["data"]
	if !ok || jsonKind(data) != '{' {
		return nil, nil, false
	}
	rawFields, ok := envelope["fields"]
	if !ok || jsonKind(rawFields) != '[' {
		return nil, nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawFields, &items); err != nil {
		return nil, nil, false
	}
	fields := make([]string, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err != nil {
			continue
		}
		fields = append(fields, name)
	}
	return data, normalizeFields(fields), true
}

func jsonKind(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func jsonKindName(b byte) string {
	switch b {
	case '[':
		return "array"
	case '"':
		return "string"
	case 'n':
		return "null"
	case 't', 'f':
		return "boolean"
	default:
		return "number"
	}
}

func normalizeFields(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
