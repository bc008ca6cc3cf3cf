package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"helixstream/internal/events"
	"helixstream/internal/ledger"
	"helixstream/internal/logging"
	"helixstream/internal/poll"
	"helixstream/internal/stream"
)

type Requester interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

type Journal interface {
	Append(ctx context.Context, e ledger.Entry) (int64, error)
}

type Config struct {
	Mode           WaitMode
	ReconnectDelay time.Duration
	MaxReconnects  int
	PollInterval   time.Duration
	PollMaxRetries int
	// StopLinger keeps the stream open briefly after settlement so a
	// trailing message is drained instead of cut off mid-flight.
	StopLinger time.Duration
	Journal    Journal
	Logger     *slog.Logger
}

type Coordinator struct {
	api    Requester
	dialer stream.Dialer
	cfg    Config
	log    *slog.Logger
}

func NewCoordinator(api Requester, dialer stream.Dialer, cfg Config) *Coordinator {
	if cfg.Mode == "" {
		cfg.Mode = WaitStream
	}
	return &Coordinator{
		api:    api,
		dialer: dialer,
		cfg:    cfg,
		log:    logging.Or(cfg.Logger, logging.ComponentRun),
	}
}

func taskPath(id string) string {
	return "/tasks/" + url.PathEscape(id)
}

func StreamPath(id string) string {
	return taskPath(id) + "/stream"
}

func (c *Coordinator) Get(ctx context.Context, id string) (Task, error) {
	var task Task
	if err := c.api.Do(ctx, http.MethodGet, taskPath(id), nil, &task); err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	if err := c.api.Do(ctx, http.MethodPost, taskPath(id)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	c.log.Info("task cancel requested", "task_id", id)
	return nil
}

// Run submits a task. Without opts.Wait it returns the submission snapshot;
// otherwise it blocks until the task is terminal, the update channel gives
// up, or ctx is done.
func (c *Coordinator) Run(ctx context.Context, params RunParams, opts RunOptions) (Task, error) {
	var task Task
	if err := c.api.Do(ctx, http.MethodPost, "/run", params, &task); err != nil {
		return Task{}, fmt.Errorf("submit task: %w", err)
	}
	c.log.Info("task submitted", "task_id", task.ID, "app", params.App, "status", task.Status.String())
	if !opts.Wait {
		return task, nil
	}
	if task.ID == "" {
		return task, errors.New("submit task: response has no task id")
	}
	if task.Status.Terminal() {
		return terminalResult(task)
	}

	mode := opts.Mode
	if mode == "" {
		mode = c.cfg.Mode
	}
	if mode == WaitPoll {
		return c.waitPoll(ctx, task, opts)
	}
	return c.waitStream(ctx, task, opts)
}

type settlement struct {
	once    sync.Once
	done    chan struct{}
	task    Task
	err     error
	mu      sync.Mutex
	lastErr error

	// deliver is held while user callbacks run and while the wait settles,
	// so no callback starts after Run has returned.
	deliver sync.Mutex
}

func newSettlement() *settlement {
	return &settlement{done: make(chan struct{})}
}

func (s *settlement) settle(task Task, err error) bool {
	won := false
	s.once.Do(func() {
		s.task = task
		s.err = err
		won = true
		close(s.done)
	})
	return won
}

func (s *settlement) resolve(task Task, err error) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	return s.settle(task, err)
}

func (s *settlement) reportError(onError func(error), err error) {
	s.noteError(err)
	if onError == nil {
		return
	}
	s.deliver.Lock()
	defer s.deliver.Unlock()
	if !s.settled() {
		onError(err)
	}
}

func (s *settlement) settled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *settlement) noteError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *settlement) closedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, s.lastErr)
	}
	return ErrStreamClosed
}

func (s *settlement) wait(ctx context.Context, teardown func()) (Task, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		if s.resolve(Task{}, ctx.Err()) {
			teardown()
		}
	}
	return s.task, s.err
}

func (c *Coordinator) observe(s *settlement, opts RunOptions, taskID string, u events.Update) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	if s.settled() {
		return false
	}
	task, err := events.DecodeInto[Task](u)
	if err != nil {
		c.log.Warn("dropping undecodable task update", "task_id", taskID, "error", err)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return false
	}
	if task.ID == "" {
		task.ID = taskID
	}
	c.record(taskID, u)

	switch {
	case u.Partial() && opts.OnPartialUpdate != nil:
		opts.OnPartialUpdate(task, u.Fields)
	case opts.OnUpdate != nil:
		opts.OnUpdate(task)
	case opts.OnPartialUpdate != nil:
		opts.OnPartialUpdate(task, nil)
	}

	if !task.Status.Terminal() {
		return false
	}
	result, resultErr := terminalResult(task)
	if !s.settle(result, resultErr) {
		return false
	}
	c.log.Info("task finished", "task_id", taskID, "status", task.Status.String())
	return true
}

func (c *Coordinator) record(taskID string, u events.Update) {
	if c.cfg.Journal == nil {
		return
	}
	entry := ledger.EntryFromUpdate(ledger.ResourceTask, taskID, events.TypeMessage, u)
	if _, err := c.cfg.Journal.Append(context.Background(), entry); err != nil {
		c.log.Debug("journal append failed", "task_id", taskID, "error", err)
	}
}

func (c *Coordinator) waitStream(ctx context.Context, task Task, opts RunOptions) (Task, error) {
	if c.dialer == nil {
		return task, errors.New("wait for task: no stream dialer configured")
	}
	s := newSettlement()
	path := StreamPath(task.ID)

	var ch *stream.Channel
	finish := func() {
		if c.cfg.StopLinger > 0 {
			ch.StopAfter(c.cfg.StopLinger)
			return
		}
		ch.Stop()
	}
	ch = stream.New(stream.FactoryFor(c.dialer, path), stream.Callbacks{
		OnData: func(data json.RawMessage) {
			if c.observe(s, opts, task.ID, events.Update{Kind: events.KindFull, Data: data}) {
				finish()
			}
		},
		OnPartialData: func(data json.RawMessage, fields []string) {
			u := events.Update{Kind: events.KindPartial, Data: data, Fields: fields}
			if c.observe(s, opts, task.ID, u) {
				finish()
			}
		},
		OnError: func(err error) {
			s.reportError(opts.OnError, err)
		},
		OnStop: func() {
			if s.resolve(Task{}, s.closedError()) {
				c.log.Warn("task stream closed before terminal status", "task_id", task.ID)
			}
		},
	}, stream.Options{
		Name:           path,
		ReconnectDelay: c.cfg.ReconnectDelay,
		MaxReconnects:  c.cfg.MaxReconnects,
		Logger:         c.cfg.Logger,
	})
	if err := ch.Connect(); err != nil {
		return task, fmt.Errorf("wait for task %s: %w", task.ID, err)
	}
	return s.wait(ctx, ch.Stop)
}

type pollResult struct {
	changed bool
	data    json.RawMessage
}

func (c *Coordinator) waitPoll(ctx context.Context, task Task, opts RunOptions) (Task, error) {
	s := newSettlement()
	last := task.Status

	var p *poll.Channel[pollResult]
	p = poll.New(poll.Options[pollResult]{
		Name:       taskPath(task.ID) + "/status",
		Interval:   c.cfg.PollInterval,
		MaxRetries: c.cfg.PollMaxRetries,
		Logger:     c.cfg.Logger,
		Poll: func(pctx context.Context) (pollResult, error) {
			var st taskStatus
			if err := c.api.Do(pctx, http.MethodGet, taskPath(task.ID)+"/status", nil, &st); err != nil {
				return pollResult{}, err
			}
			if st.Status == last {
				return pollResult{}, nil
			}
			var raw json.RawMessage
			if err := c.api.Do(pctx, http.MethodGet, taskPath(task.ID), nil, &raw); err != nil {
				return pollResult{}, err
			}
			last = st.Status
			return pollResult{changed: true, data: raw}, nil
		},
		OnData: func(r pollResult) {
			if !r.changed {
				return
			}
			if c.observe(s, opts, task.ID, events.Update{Kind: events.KindFull, Data: r.data}) {
				p.Stop()
			}
		},
		OnError: func(err error) {
			s.reportError(opts.OnError, err)
		},
		OnStop: func() {
			if s.resolve(Task{}, s.closedError()) {
				c.log.Warn("task polling stopped before terminal status", "task_id", task.ID)
			}
		},
	})
	if err := p.Start(); err != nil {
		return task, fmt.Errorf("poll task %s: %w", task.ID, err)
	}
	return s.wait(ctx, p.Stop)
}
