package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"helixstream/internal/events"
	"helixstream/internal/stream"
	"helixstream/internal/transport"
)

const Name = "sse"

// Dialer opens text/event-stream connections. It remembers the last event
// id seen per path and replays it as Last-Event-ID on the next dial.
type Dialer struct {
	endpoint transport.Endpoint
	client   *http.Client

	mu     sync.Mutex
	lastID map[string]string
}

func New(endpoint transport.Endpoint, client *http.Client) *Dialer {
	if client == nil {
		client = &http.Client{}
	}
	return &Dialer{
		endpoint: endpoint,
		client:   client,
		lastID:   map[string]string{},
	}
}

func (d *Dialer) Dial(ctx context.Context, path string) (stream.Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint.URL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("sse %s: %w", path, err)
	}
	for k, v := range d.endpoint.Header() {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := d.lastEventID(path); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("sse %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("sse %s: unexpected content type %q", path, resp.Header.Get("Content-Type"))
	}
	return &Source{
		body: resp.Body,
		r:    bufio.NewReader(resp.Body),
		onID: func(id string) { d.setLastEventID(path, id) },
	}, nil
}

func (d *Dialer) lastEventID(path string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastID[path]
}

func (d *Dialer) setLastEventID(path, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastID[path] = id
}

type Source struct {
	body io.ReadCloser
	r    *bufio.Reader
	onID func(string)
}

func NewSource(r io.ReadCloser) *Source {
	return &Source{body: r, r: bufio.NewReader(r)}
}

func (s *Source) Recv() (events.Message, error) {
	var msg events.Message
	var data strings.Builder
	hasData := false
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return events.Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !hasData {
				msg = events.Message{}
				continue
			}
			msg.Data = []byte(data.String())
			if msg.ID != "" && s.onID != nil {
				s.onID(msg.ID)
			}
			return msg, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			msg.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				msg.ID = value
			}
		}
	}
}

func (s *Source) Close() error {
	return s.body.Close()
}
