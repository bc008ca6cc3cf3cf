package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"helixstream/internal/events"
	"helixstream/internal/stream"
	"helixstream/internal/transport"

	"github.com/gorilla/websocket"
)

const Name = "ws"

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

type Dialer struct {
	endpoint     transport.Endpoint
	dialer       *websocket.Dialer
	pingInterval time.Duration
	pongTimeout  time.Duration
}

type Option func(*Dialer)

func WithPingInterval(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.pingInterval = d
			dl.pongTimeout = 2 * d
		}
	}
}

func New(endpoint transport.Endpoint, opts ...Option) *Dialer {
	d := &Dialer{
		endpoint:     endpoint,
		dialer:       websocket.DefaultDialer,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, path string) (stream.Source, error) {
	u := wsURL(d.endpoint.URL(path))
	conn, resp, err := d.dialer.DialContext(ctx, u, d.endpoint.Header())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws %s: status %d: %w", path, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws %s: %w", path, err)
	}

	s := &Source{
		conn:        conn,
		done:        make(chan struct{}),
		pongTimeout: d.pongTimeout,
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	go s.pingLoop(d.pingInterval)
	return s, nil
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// Frame is the wire envelope for named events. Frames without an event
// name are delivered whole as the default event.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type subscribeRequest struct {
	Type  string `json:"type"`
	Event string `json:"event"`
}

type Source struct {
	conn        *websocket.Conn
	pongTimeout time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Source) Recv() (events.Message, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return events.Message{}, err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err == nil && f.Event != "" && len(f.Data) > 0 {
			return events.Message{Event: f.Event, ID: f.ID, Data: f.Data}, nil
		}
		return events.Message{Data: data}, nil
	}
}

func (s *Source) Subscribe(eventType string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(subscribeRequest{Type: "subscribe", Event: eventType})
}

func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Source) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var _ stream.EventSubscriber = (*Source)(nil)
