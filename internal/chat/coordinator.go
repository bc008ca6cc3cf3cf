package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"helixstream/internal/events"
	"helixstream/internal/ledger"
	"helixstream/internal/logging"
	"helixstream/internal/mux"
	"helixstream/internal/poll"
	"helixstream/internal/stream"
)

var (
	ErrReset        = errors.New("chat reset")
	ErrNoChat       = errors.New("no active chat")
	ErrWaitReplaced = errors.New("chat wait replaced by a newer wait")
	ErrStreamClosed = errors.New("update channel closed before chat went idle")
)

type Journal interface {
	Append(ctx context.Context, e ledger.Entry) (int64, error)
	CreateUpload(ctx context.Context, rec ledger.UploadRecord) error
}

type Config struct {
	Agent          string
	Mode           WaitMode
	ReconnectDelay time.Duration
	MaxReconnects  int
	PollInterval   time.Duration
	PollMaxRetries int
	Tools          map[string]ToolHandler
	Journal        Journal
	Logger         *slog.Logger
}

type Coordinator struct {
	api        Requester
	uploader   Uploader
	dialer     stream.Dialer
	cfg        Config
	log        *slog.Logger
	dispatcher *Dispatcher
	updates    *mux.Multiplexer

	mu     sync.Mutex
	chatID string
	wait   *turnWait
}

func NewCoordinator(client Requester, uploader Uploader, dialer stream.Dialer, cfg Config) *Coordinator {
	if cfg.Mode == "" {
		cfg.Mode = WaitStream
	}
	c := &Coordinator{
		api:        client,
		uploader:   uploader,
		dialer:     dialer,
		cfg:        cfg,
		log:        logging.Or(cfg.Logger, logging.ComponentChat),
		dispatcher: NewDispatcher(client, cfg.Tools, cfg.Logger),
		updates:    mux.New(),
	}
	c.updates.On(events.TypeChat, c.onChat)
	c.updates.On(events.TypeChatMessage, c.onMessage)
	return c
}

func (c *Coordinator) Dispatcher() *Dispatcher {
	return c.dispatcher
}

func (c *Coordinator) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

func (c *Coordinator) Resume(chatID string) {
	c.Reset()
	c.mu.Lock()
	c.chatID = chatID
	c.mu.Unlock()
}

func chatPath(id string) string {
	return "/chats/" + url.PathEscape(id)
}

func StreamPath(chatID string) string {
	return chatPath(chatID) + "/stream"
}

type turnWait struct {
	chatID string
	opts   SendOptions
	done   chan struct{}
	once   sync.Once
	err    error

	posted  atomic.Bool
	sawBusy atomic.Bool

	mu       sync.Mutex
	teardown func()
	lastErr  error
}

func (w *turnWait) finish(err error) bool {
	won := false
	w.once.Do(func() {
		w.err = err
		won = true
		close(w.done)
	})
	return won
}

func (w *turnWait) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *turnWait) noteError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	if w.opts.OnError != nil && !w.finished() {
		w.opts.OnError(err)
	}
}

func (w *turnWait) closedError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, w.lastErr)
	}
	return ErrStreamClosed
}

// idleEnds reports whether a not-busy update may end this wait. A chat
// armed before the POST can report the previous turn's idle state first.
func (w *turnWait) idleEnds() bool {
	return w.posted.Load() || w.sawBusy.Load()
}

// SendMessage posts one user turn and, unless waiting is off, blocks until
// the chat goes idle. The POST result is returned even when the wait ends
// with an error.
func (c *Coordinator) SendMessage(ctx context.Context, text string, opts SendOptions) (SendResult, error) {
	chatID := c.ChatID()
	images, files, err := c.uploadAttachments(ctx, chatID, opts.Attachments)
	if err != nil {
		return SendResult{}, err
	}

	mode := opts.Wait
	if mode == "" {
		mode = c.cfg.Mode
	}
	var w *turnWait
	if mode != WaitNone && chatID != "" {
		w, err = c.startWait(chatID, mode, opts, false)
		if err != nil {
			return SendResult{}, err
		}
	}

	agent := opts.Agent
	if agent == "" {
		agent = c.cfg.Agent
	}
	req := agentRunRequest{
		ChatID: chatID,
		Agent:  agent,
		Input:  agentInput{Text: text, Images: images, Files: files},
	}
	var resp agentRunResponse
	if err := c.api.Do(ctx, http.MethodPost, "/agents/run", req, &resp); err != nil {
		if w != nil {
			c.endWait(w, err)
		}
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}

	result := SendResult{
		UserMessage:      resp.UserMessage,
		AssistantMessage: resp.AssistantMessage,
		ChatID:           firstNonEmpty(resp.ChatID, resp.UserMessage.ChatID, resp.AssistantMessage.ChatID, chatID),
	}
	c.mu.Lock()
	if c.chatID == "" {
		c.chatID = result.ChatID
	}
	c.mu.Unlock()
	c.log.Info("message sent", "chat_id", result.ChatID, "wait", string(mode))

	if mode == WaitNone {
		return result, nil
	}
	if w == nil {
		if result.ChatID == "" {
			return result, errors.New("send message: response has no chat id")
		}
		w, err = c.startWait(result.ChatID, mode, opts, true)
		if err != nil {
			return result, err
		}
	}
	w.posted.Store(true)
	return result, c.await(ctx, w)
}

func (c *Coordinator) await(ctx context.Context, w *turnWait) error {
	select {
	case <-w.done:
	case <-ctx.Done():
		c.endWait(w, ctx.Err())
	}
	return w.err
}

func (c *Coordinator) startWait(chatID string, mode WaitMode, opts SendOptions, posted bool) (*turnWait, error) {
	w := &turnWait{chatID: chatID, opts: opts, done: make(chan struct{})}
	w.posted.Store(posted)

	c.mu.Lock()
	prev := c.wait
	c.wait = w
	c.mu.Unlock()
	if prev != nil {
		c.endWait(prev, ErrWaitReplaced)
	}

	var err error
	switch mode {
	case WaitPoll:
		err = c.armPoll(w)
	case WaitStream:
		err = c.armStream(w)
	default:
		err = fmt.Errorf("unknown wait mode %q", mode)
	}
	if err != nil {
		c.endWait(w, err)
		return nil, err
	}
	return w, nil
}

func (c *Coordinator) armStream(w *turnWait) error {
	if c.dialer == nil {
		return errors.New("wait for chat: no stream dialer configured")
	}
	path := StreamPath(w.chatID)
	ch := stream.New(stream.FactoryFor(c.dialer, path), stream.Callbacks{
		OnError: w.noteError,
		OnStop: func() {
			if c.endWait(w, w.closedError()) {
				c.log.Warn("chat stream closed before idle", "chat_id", w.chatID)
			}
		},
	}, stream.Options{
		Name:           path,
		ReconnectDelay: c.cfg.ReconnectDelay,
		MaxReconnects:  c.cfg.MaxReconnects,
		Logger:         c.cfg.Logger,
	})
	c.updates.Attach(ch)
	w.mu.Lock()
	w.teardown = func() {
		c.updates.Detach()
		ch.Stop()
	}
	w.mu.Unlock()
	if w.finished() {
		w.teardown()
		return nil
	}
	return ch.Connect()
}

type chatPoll struct {
	chat    Chat
	changed bool
}

func (c *Coordinator) armPoll(w *turnWait) error {
	var last chatStatus
	p := poll.New(poll.Options[chatPoll]{
		Name:       chatPath(w.chatID) + "/status",
		Interval:   c.cfg.PollInterval,
		MaxRetries: c.cfg.PollMaxRetries,
		Logger:     c.cfg.Logger,
		Poll: func(ctx context.Context) (chatPoll, error) {
			var st chatStatus
			if err := c.api.Do(ctx, http.MethodGet, chatPath(w.chatID)+"/status", nil, &st); err != nil {
				return chatPoll{}, err
			}
			if st.Status == last.Status && st.UpdatedAt.Equal(last.UpdatedAt) {
				return chatPoll{}, nil
			}
			var full Chat
			if err := c.api.Do(ctx, http.MethodGet, chatPath(w.chatID), nil, &full); err != nil {
				return chatPoll{}, err
			}
			last = st
			return chatPoll{chat: full, changed: true}, nil
		},
		OnData: func(r chatPoll) {
			if r.changed {
				c.publishSnapshot(r.chat)
			}
		},
		OnError: w.noteError,
		OnStop: func() {
			if c.endWait(w, w.closedError()) {
				c.log.Warn("chat polling stopped before idle", "chat_id", w.chatID)
			}
		},
	})
	w.mu.Lock()
	w.teardown = p.Stop
	w.mu.Unlock()
	if w.finished() {
		p.Stop()
		return nil
	}
	return p.Start()
}

// publishSnapshot feeds a polled chat through the same listeners the
// stream uses, messages first so tool calls are seen before idle.
func (c *Coordinator) publishSnapshot(chat Chat) {
	for _, m := range chat.Messages {
		raw, err := json.Marshal(m)
		if err != nil {
			continue
		}
		c.updates.Publish(events.TypeChatMessage, events.Update{Kind: events.KindFull, Data: raw})
	}
	snapshot := chat
	snapshot.Messages = nil
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	c.updates.Publish(events.TypeChat, events.Update{Kind: events.KindFull, Data: raw})
}

func (c *Coordinator) endWait(w *turnWait, err error) bool {
	won := w.finish(err)
	c.mu.Lock()
	if c.wait == w {
		c.wait = nil
	}
	c.mu.Unlock()
	w.mu.Lock()
	teardown := w.teardown
	w.teardown = nil
	w.mu.Unlock()
	if teardown != nil {
		teardown()
	}
	return won
}

func (c *Coordinator) active() *turnWait {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wait
}

func (c *Coordinator) onChat(u events.Update) {
	w := c.active()
	if w == nil || w.finished() {
		return
	}
	chat, err := events.DecodeInto[Chat](u)
	if err != nil {
		c.log.Warn("dropping undecodable chat update", "chat_id", w.chatID, "error", err)
		return
	}
	if chat.ID != "" && chat.ID != w.chatID {
		c.log.Debug("ignoring update for another chat", "chat_id", w.chatID, "update_chat_id", chat.ID)
		return
	}
	c.record(ledger.ResourceChat, w.chatID, events.TypeChat, u)
	if w.opts.OnChat != nil {
		w.opts.OnChat(chat)
	}
	if chat.Busy() {
		w.sawBusy.Store(true)
		return
	}
	if !w.idleEnds() {
		c.log.Debug("ignoring idle from before the message was posted", "chat_id", w.chatID)
		return
	}
	if c.endWait(w, nil) {
		c.log.Info("chat idle", "chat_id", w.chatID)
	}
}

func (c *Coordinator) onMessage(u events.Update) {
	w := c.active()
	if w == nil || w.finished() {
		return
	}
	msg, err := events.DecodeInto[Message](u)
	if err != nil {
		c.log.Warn("dropping undecodable message update", "chat_id", w.chatID, "error", err)
		return
	}
	if msg.ChatID != "" && msg.ChatID != w.chatID {
		c.log.Debug("ignoring message for another chat", "chat_id", w.chatID, "update_chat_id", msg.ChatID)
		return
	}
	c.record(ledger.ResourceChatMessage, firstNonEmpty(msg.ID, w.chatID), events.TypeChatMessage, u)
	if w.opts.OnMessage != nil {
		w.opts.OnMessage(msg)
	}
	c.dispatcher.Handle(msg)
}

func (c *Coordinator) record(resource, id, eventType string, u events.Update) {
	if c.cfg.Journal == nil {
		return
	}
	if _, err := c.cfg.Journal.Append(context.Background(), ledger.EntryFromUpdate(resource, id, eventType, u)); err != nil {
		c.log.Debug("journal append failed", "resource", resource, "error", err)
	}
}

// StopGeneration ends the local wait without error and asks the server to
// stop generating. Local teardown happens even when the server call fails.
func (c *Coordinator) StopGeneration(ctx context.Context) error {
	if w := c.active(); w != nil {
		c.endWait(w, nil)
	}
	chatID := c.ChatID()
	if chatID == "" {
		return ErrNoChat
	}
	if err := c.api.Do(ctx, http.MethodPost, chatPath(chatID)+"/stop", nil, nil); err != nil {
		return fmt.Errorf("stop generation: %w", err)
	}
	c.log.Info("generation stop requested", "chat_id", chatID)
	return nil
}

func (c *Coordinator) Reset() {
	if w := c.active(); w != nil {
		c.endWait(w, ErrReset)
	}
	c.dispatcher.Reset()
	c.mu.Lock()
	c.chatID = ""
	c.mu.Unlock()
}

func (c *Coordinator) Get(ctx context.Context, chatID string) (Chat, error) {
	var out Chat
	if err := c.api.Do(ctx, http.MethodGet, chatPath(chatID), nil, &out); err != nil {
		return Chat{}, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	return out, nil
}

func (c *Coordinator) ApproveTool(ctx context.Context, invocationID string) error {
	path := "/tools/" + url.PathEscape(invocationID) + "/approve"
	if err := c.api.Do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("approve tool %s: %w", invocationID, err)
	}
	return nil
}

func (c *Coordinator) RejectTool(ctx context.Context, invocationID, reason string) error {
	path := "/tools/" + url.PathEscape(invocationID) + "/reject"
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	if err := c.api.Do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("reject tool %s: %w", invocationID, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
