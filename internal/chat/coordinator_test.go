package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"helixstream/internal/api"
	"helixstream/internal/events"
	"helixstream/internal/stream"
)

type fakeSource struct {
	frames    chan events.Message
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan events.Message, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) Recv() (events.Message, error) {
	select {
	case <-s.closed:
		return events.Message{}, io.ErrClosedPipe
	default:
	}
	select {
	case m := <-s.frames:
		return m, nil
	case <-s.closed:
		return events.Message{}, io.ErrClosedPipe
	}
}

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) push(eventType string, v any) {
	raw, _ := json.Marshal(v)
	s.frames <- events.Message{Event: eventType, Data: raw}
}

type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *orderLog) add(step string) {
	l.mu.Lock()
	l.steps = append(l.steps, step)
	l.mu.Unlock()
}

func (l *orderLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprint(l.steps)
}

type fakeDialer struct {
	log   *orderLog
	mu    sync.Mutex
	paths []string
	next  func(n int) (stream.Source, error)
}

func (d *fakeDialer) Dial(_ context.Context, path string) (stream.Source, error) {
	d.mu.Lock()
	d.paths = append(d.paths, path)
	n := len(d.paths)
	d.mu.Unlock()
	if d.log != nil {
		d.log.add("dial " + path)
	}
	return d.next(n)
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.paths)
}

type fakeUploader struct {
	fail string
}

func (u *fakeUploader) UploadFile(_ context.Context, f api.File) (api.UploadedFile, error) {
	if f.Name == u.fail {
		return api.UploadedFile{}, errors.New("bucket unavailable")
	}
	data, _ := io.ReadAll(f.Reader)
	return api.UploadedFile{
		ID:          "file-" + f.Name,
		URI:         "https://cdn.example/" + f.Name,
		Filename:    f.Name,
		ContentType: f.ContentType,
		Size:        int64(len(data)),
	}, nil
}

func agentRunReply(log *orderLog, chatID string) func(method, path string, body any) (any, error) {
	return func(method, path string, body any) (any, error) {
		if method == "POST" && path == "/agents/run" {
			if log != nil {
				log.add("post")
			}
			return map[string]any{
				"user_message":      map[string]any{"id": "u1", "chat_id": chatID, "role": "user", "content": "hello"},
				"assistant_message": map[string]any{"id": "a1", "chat_id": chatID, "role": "assistant"},
			}, nil
		}
		return nil, nil
	}
}

func TestSendMessageNewChatArmsAfterPost(t *testing.T) {
	t.Parallel()

	order := &orderLog{}
	src := newFakeSource()
	src.push(events.TypeChat, Chat{ID: "c1", Status: StatusBusy})
	src.push(events.TypeChatMessage, awaitingMessage("inv1"))
	src.push(events.TypeChat, Chat{ID: "c1", Status: StatusIdle})
	dialer := &fakeDialer{log: order, next: func(int) (stream.Source, error) { return src, nil }}
	fapi := &fakeAPI{handle: agentRunReply(order, "c1")}

	var calls atomic.Int32
	c := NewCoordinator(fapi, nil, dialer, Config{Tools: map[string]ToolHandler{"echo": echoHandler(&calls)}})

	var chats atomic.Int32
	res, err := c.SendMessage(context.Background(), "hello", SendOptions{
		OnChat: func(Chat) { chats.Add(1) },
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ChatID != "c1" || c.ChatID() != "c1" || res.UserMessage.Text() != "hello" {
		t.Fatalf("unexpected result %#v", res)
	}
	if got := order.String(); got != "[post dial /chats/c1/stream]" {
		t.Fatalf("unexpected order %s", got)
	}
	if chats.Load() != 2 {
		t.Fatalf("expected 2 chat updates, got %d", chats.Load())
	}
	c.Dispatcher().Wait()
	if calls.Load() != 1 || len(reported(t, fapi, "inv1")) != 1 {
		t.Fatalf("expected tool to run and report once")
	}
	waitFor(t, func() bool { return src.closes.Load() == 1 })
}

func TestSendMessageExistingChatArmsBeforePost(t *testing.T) {
	t.Parallel()

	order := &orderLog{}
	src := newFakeSource()
	src.push(events.TypeChat, Chat{ID: "c1", Status: StatusIdle})
	dialer := &fakeDialer{log: order, next: func(int) (stream.Source, error) { return src, nil }}
	posted := make(chan struct{})
	fapi := &fakeAPI{handle: func(method, path string, body any) (any, error) {
		if path == "/agents/run" {
			// let the stale idle snapshot drain first
			for len(src.frames) > 0 {
				time.Sleep(2 * time.Millisecond)
			}
			time.Sleep(20 * time.Millisecond)
			defer close(posted)
		}
		return agentRunReply(order, "c1")(method, path, body)
	}}
	c := NewCoordinator(fapi, nil, dialer, Config{})
	c.Resume("c1")

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "again", SendOptions{})
		errc <- err
	}()

	<-posted
	select {
	case err := <-errc:
		t.Fatalf("wait ended on stale idle: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if got := order.String(); got != "[dial /chats/c1/stream post]" {
		t.Fatalf("unexpected order %s", got)
	}

	src.push(events.TypeChat, Chat{ID: "c1", Status: StatusBusy})
	src.push(events.TypeChat, Chat{ID: "c1", Status: StatusIdle})
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not end on idle")
	}

	calls := fapi.callsTo("POST", "/agents/run")
	if req, ok := calls[0].body.(agentRunRequest); !ok || req.ChatID != "c1" {
		t.Fatalf("expected existing chat id in request, got %#v", calls[0].body)
	}
}

func TestSendMessageUploadFailureSkipsPost(t *testing.T) {
	t.Parallel()

	fapi := &fakeAPI{handle: agentRunReply(nil, "c1")}
	c := NewCoordinator(fapi, &fakeUploader{fail: "b.pdf"}, nil, Config{Mode: WaitNone})

	_, err := c.SendMessage(context.Background(), "look", SendOptions{Attachments: []Attachment{
		{Name: "a.png", ContentType: "image/png", Data: []byte("png")},
		{Name: "b.pdf", ContentType: "application/pdf", Data: []byte("pdf")},
	}})
	var uerr *UploadError
	if !errors.As(err, &uerr) || uerr.Name != "b.pdf" {
		t.Fatalf("expected UploadError for b.pdf, got %v", err)
	}
	if len(fapi.callsTo("POST", "/agents/run")) != 0 {
		t.Fatalf("expected no message to be posted")
	}
}

func TestSendMessagePartitionsAttachments(t *testing.T) {
	t.Parallel()

	fapi := &fakeAPI{handle: agentRunReply(nil, "c1")}
	c := NewCoordinator(fapi, &fakeUploader{}, nil, Config{Mode: WaitNone, Agent: "acme/helper"})

	_, err := c.SendMessage(context.Background(), "look", SendOptions{Attachments: []Attachment{
		{Name: "a.png", ContentType: "image/png", Data: []byte("png")},
		{Name: "b.pdf", ContentType: "application/pdf", Data: []byte("pdf")},
		{Name: "c.JPG", ContentType: "Image/JPEG", Data: []byte("jpg")},
	}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	calls := fapi.callsTo("POST", "/agents/run")
	req := calls[0].body.(agentRunRequest)
	if fmt.Sprint(req.Input.Images) != "[https://cdn.example/a.png https://cdn.example/c.JPG]" {
		t.Fatalf("unexpected images %v", req.Input.Images)
	}
	if fmt.Sprint(req.Input.Files) != "[https://cdn.example/b.pdf]" {
		t.Fatalf("unexpected files %v", req.Input.Files)
	}
	if req.Agent != "acme/helper" || req.ChatID != "" {
		t.Fatalf("unexpected request %#v", req)
	}
}

func TestStopGenerationEndsWaitWithoutError(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.push(events.TypeChat, Chat{ID: "c1", Status: StatusBusy})
	dialer := &fakeDialer{next: func(int) (stream.Source, error) { return src, nil }}
	reply := agentRunReply(nil, "c1")
	fapi := &fakeAPI{handle: func(method, path string, body any) (any, error) {
		if path == "/chats/c1/stop" {
			return nil, errors.New("server unavailable")
		}
		return reply(method, path, body)
	}}
	c := NewCoordinator(fapi, nil, dialer, Config{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "write a novel", SendOptions{})
		errc <- err
	}()
	waitFor(t, func() bool { return len(src.frames) == 0 && c.active() != nil })

	if err := c.StopGeneration(context.Background()); err == nil {
		t.Fatalf("expected server error from stop")
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected graceful end, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not end after stop")
	}
	waitFor(t, func() bool { return src.closes.Load() == 1 })
	if c.ChatID() != "c1" {
		t.Fatalf("stop must keep the chat")
	}
}

func TestResetEndsWaitAndForgetsChat(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	dialer := &fakeDialer{next: func(int) (stream.Source, error) { return src, nil }}
	fapi := &fakeAPI{handle: agentRunReply(nil, "c1")}
	var calls atomic.Int32
	c := NewCoordinator(fapi, nil, dialer, Config{Tools: map[string]ToolHandler{"echo": echoHandler(&calls)}})

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "hi", SendOptions{})
		errc <- err
	}()
	src.push(events.TypeChatMessage, awaitingMessage("inv1"))
	waitFor(t, func() bool { return c.Dispatcher().Dispatched() == 1 })

	c.Reset()
	if err := <-errc; !errors.Is(err, ErrReset) {
		t.Fatalf("expected ErrReset, got %v", err)
	}
	if c.ChatID() != "" || c.Dispatcher().Dispatched() != 0 {
		t.Fatalf("expected fresh state after reset")
	}
	if err := c.StopGeneration(context.Background()); !errors.Is(err, ErrNoChat) {
		t.Fatalf("expected ErrNoChat, got %v", err)
	}
}

func TestSendMessageReturnsResultWhenStreamGivesUp(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{next: func(int) (stream.Source, error) { return nil, errors.New("refused") }}
	fapi := &fakeAPI{handle: agentRunReply(nil, "c1")}
	c := NewCoordinator(fapi, nil, dialer, Config{ReconnectDelay: 5 * time.Millisecond, MaxReconnects: 1})

	res, err := c.SendMessage(context.Background(), "hi", SendOptions{})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if res.AssistantMessage.ID != "a1" || res.ChatID != "c1" {
		t.Fatalf("expected POST result alongside error, got %#v", res)
	}
	if dialer.dials() != 2 {
		t.Fatalf("expected 2 dials, got %d", dialer.dials())
	}
}

func TestNewWaitReplacesPrevious(t *testing.T) {
	t.Parallel()

	var sources []*fakeSource
	var mu sync.Mutex
	dialer := &fakeDialer{next: func(int) (stream.Source, error) {
		mu.Lock()
		defer mu.Unlock()
		s := newFakeSource()
		sources = append(sources, s)
		return s, nil
	}}
	fapi := &fakeAPI{handle: agentRunReply(nil, "c1")}
	c := NewCoordinator(fapi, nil, dialer, Config{})
	c.Resume("c1")

	first := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "one", SendOptions{})
		first <- err
	}()
	waitFor(t, func() bool { return dialer.dials() == 1 })

	second := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "two", SendOptions{})
		second <- err
	}()
	if err := <-first; !errors.Is(err, ErrWaitReplaced) {
		t.Fatalf("expected ErrWaitReplaced, got %v", err)
	}
	waitFor(t, func() bool { return dialer.dials() == 2 })
	mu.Lock()
	old, current := sources[0], sources[1]
	mu.Unlock()
	waitFor(t, func() bool { return old.closes.Load() == 1 })

	current.push(events.TypeChat, Chat{ID: "c1", Status: StatusBusy})
	current.push(events.TypeChat, Chat{ID: "c1", Status: StatusIdle})
	if err := <-second; err != nil {
		t.Fatalf("second send: %v", err)
	}
}

func TestSendMessagePollModeFetchesOnStatusChange(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snapshots := []chatStatus{
		{Status: StatusBusy, UpdatedAt: base},
		{Status: StatusBusy, UpdatedAt: base},
		{Status: StatusBusy, UpdatedAt: base.Add(time.Second)},
		{Status: StatusIdle, UpdatedAt: base.Add(2 * time.Second)},
	}
	var polls atomic.Int32
	current := func() chatStatus {
		n := int(polls.Load()) - 1
		if n >= len(snapshots) {
			n = len(snapshots) - 1
		}
		return snapshots[n]
	}
	reply := agentRunReply(nil, "c1")
	fapi := &fakeAPI{handle: func(method, path string, body any) (any, error) {
		switch path {
		case "/chats/c1/status":
			polls.Add(1)
			return current(), nil
		case "/chats/c1":
			st := current()
			return Chat{ID: "c1", Status: st.Status, UpdatedAt: st.UpdatedAt, Messages: []Message{awaitingMessage("inv1")}}, nil
		}
		return reply(method, path, body)
	}}
	var calls atomic.Int32
	c := NewCoordinator(fapi, nil, nil, Config{
		Mode:         WaitPoll,
		PollInterval: 5 * time.Millisecond,
		Tools:        map[string]ToolHandler{"echo": echoHandler(&calls)},
	})

	var messages atomic.Int32
	if _, err := c.SendMessage(context.Background(), "hi", SendOptions{
		OnMessage: func(Message) { messages.Add(1) },
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := len(fapi.callsTo("GET", "/chats/c1")); n != 3 {
		t.Fatalf("expected 3 full fetches, got %d", n)
	}
	if messages.Load() != 3 {
		t.Fatalf("expected 3 message updates, got %d", messages.Load())
	}
	c.Dispatcher().Wait()
	if calls.Load() != 1 || len(reported(t, fapi, "inv1")) != 1 {
		t.Fatalf("expected one tool run across repeated snapshots, got %d", calls.Load())
	}
}

func TestSendMessageIgnoresNullAndForeignFrames(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.push(events.TypeChat, Chat{ID: "c1", Status: StatusBusy})
	src.frames <- events.Message{Event: events.TypeChat, Data: []byte(`null`)}
	src.push(events.TypeChat, Chat{ID: "c9", Status: StatusIdle})
	foreign := awaitingMessage("inv9")
	foreign.ChatID = "c9"
	src.push(events.TypeChatMessage, foreign)
	src.push(events.TypeChatMessage, Message{ID: "a1", ChatID: "c1", Role: "assistant"})
	dialer := &fakeDialer{next: func(int) (stream.Source, error) { return src, nil }}
	fapi := &fakeAPI{handle: agentRunReply(nil, "c1")}
	var calls atomic.Int32
	c := NewCoordinator(fapi, nil, dialer, Config{Tools: map[string]ToolHandler{"echo": echoHandler(&calls)}})

	var decodeErrs, foreignChats atomic.Int32
	sawOwn := make(chan struct{})
	var sawOnce sync.Once
	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "hello", SendOptions{
			OnChat: func(ch Chat) {
				if ch.ID != "c1" {
					foreignChats.Add(1)
				}
			},
			OnMessage: func(m Message) {
				if m.ID == "a1" {
					sawOnce.Do(func() { close(sawOwn) })
				}
			},
			OnError: func(err error) {
				if errors.Is(err, events.ErrNotObject) {
					decodeErrs.Add(1)
				}
			},
		})
		errc <- err
	}()

	select {
	case <-sawOwn:
	case <-time.After(2 * time.Second):
		t.Fatalf("own message never delivered")
	}
	select {
	case err := <-errc:
		t.Fatalf("wait ended before the chat went idle: %v", err)
	default:
	}
	if decodeErrs.Load() != 1 {
		t.Fatalf("expected the null frame reported as a decode error, got %d", decodeErrs.Load())
	}
	if foreignChats.Load() != 0 || c.Dispatcher().Dispatched() != 0 {
		t.Fatalf("frames for another chat must be ignored")
	}

	src.push(events.TypeChat, Chat{ID: "c1", Status: StatusIdle})
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not end on idle")
	}
	if calls.Load() != 0 {
		t.Fatalf("foreign tool call must not run")
	}
}
