package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"helixstream/internal/events"
	"helixstream/internal/logging"

	"github.com/google/uuid"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultReconnectDelay = time.Second
	DefaultMaxReconnects  = 5
	// NoReconnects as Options.MaxReconnects stops the channel on the first
	// failure before contact. Zero selects DefaultMaxReconnects.
	NoReconnects = -1
)

type Callbacks struct {
	OnStart       func()
	OnData        func(data json.RawMessage)
	OnPartialData func(data json.RawMessage, fields []string)
	OnError       func(err error)
	OnStop        func()
}

type Options struct {
	Name             string
	ReconnectDelay   time.Duration
	MaxReconnects    int
	DisableReconnect bool
	Logger           *slog.Logger
}

type timerKind int

const (
	timerNone timerKind = iota
	timerReconnect
	timerDeferredStop
)

type listener struct {
	id uint64
	fn func(events.Update)
}

// Channel keeps one logical subscription alive across transport failures.
// Callbacks run on the channel's reader goroutine in delivery order and are
// never called with the channel lock held.
type Channel struct {
	id      string
	factory Factory
	cb      Callbacks
	opts    Options
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	gen       uint64
	source    Source
	budget    ReconnectBudget
	timer     *time.Timer
	timerKind timerKind
	timerSeq  uint64
	listeners map[string][]listener
	nextID    uint64
}

func New(factory Factory, cb Callbacks, opts Options) *Channel {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	switch {
	case opts.MaxReconnects == 0:
		opts.MaxReconnects = DefaultMaxReconnects
	case opts.MaxReconnects < 0:
		opts.MaxReconnects = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	log := logging.Or(opts.Logger, logging.ComponentStream).With("channel", id)
	if opts.Name != "" {
		log = log.With("path", opts.Name)
	}
	return &Channel{
		id:        id,
		factory:   factory,
		cb:        cb,
		opts:      opts,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		budget:    ReconnectBudget{Max: opts.MaxReconnects},
		listeners: map[string][]listener{},
	}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Connect() error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.open(gen)
	return nil
}

func (c *Channel) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateStopped
	c.gen++
	c.clearTimerLocked()
	src := c.source
	c.source = nil
	c.mu.Unlock()

	c.cancel()
	if src != nil {
		_ = src.Close()
	}
	close(c.done)
	c.log.Debug("event channel stopped", "from", prev.String())
	if c.cb.OnStop != nil {
		c.cb.OnStop()
	}
}

// StopAfter schedules Stop after d. Scheduling again replaces the pending
// stop; CancelDeferredStop withdraws it.
func (c *Channel) StopAfter(d time.Duration) {
	if d <= 0 {
		c.Stop()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	c.setTimerLocked(timerDeferredStop, d, c.Stop)
}

func (c *Channel) CancelDeferredStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timerKind == timerDeferredStop {
		c.clearTimerLocked()
	}
}

func (c *Channel) AddEventListener(eventType string, fn func(events.Update)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	fresh := len(c.listeners[eventType]) == 0
	c.listeners[eventType] = append(c.listeners[eventType], listener{id: id, fn: fn})
	var sub EventSubscriber
	if fresh && c.state == StateConnected && c.source != nil {
		sub, _ = c.source.(EventSubscriber)
	}
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Subscribe(eventType); err != nil {
			c.log.Warn("subscribe to event failed", "event", eventType, "error", err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeListener(eventType, id) })
	}
}

func (c *Channel) removeListener(eventType string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.listeners[eventType]
	for i, l := range set {
		if l.id != id {
			continue
		}
		set = append(set[:i:i], set[i+1:]...)
		break
	}
	if len(set) == 0 {
		delete(c.listeners, eventType)
		return
	}
	c.listeners[eventType] = set
}

func (c *Channel) open(gen uint64) {
	src, err := c.factory(c.ctx)
	if err == nil && src == nil {
		err = ErrNilSource
	}
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		_ = src.Close()
		return
	}
	c.state = StateConnected
	c.source = src
	c.budget.Connected()
	names := make([]string, 0, len(c.listeners))
	for name := range c.listeners {
		names = append(names, name)
	}
	c.mu.Unlock()
	c.log.Debug("event channel connected")

	if sub, ok := src.(EventSubscriber); ok {
		for _, name := range names {
			if err := sub.Subscribe(name); err != nil {
				c.log.Warn("subscribe to event failed", "event", name, "error", err)
			}
		}
	}
	if c.cb.OnStart != nil && c.live(gen) {
		c.cb.OnStart()
	}
	c.read(gen, src)
}

func (c *Channel) read(gen uint64, src Source) {
	for {
		msg, err := src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			c.fail(gen, err)
			return
		}
		if !c.live(gen) {
			return
		}
		c.dispatch(gen, msg)
	}
}

func (c *Channel) dispatch(gen uint64, msg events.Message) {
	u, err := events.Decode(msg.Data)
	if err != nil {
		c.log.Warn("dropping undecodable event", "event", msg.Type(), "error", err)
		if c.cb.OnError != nil {
			c.cb.OnError(fmt.Errorf("decode %s event: %w", msg.Type(), err))
		}
		return
	}
	if msg.IsDefault() {
		c.deliver(u)
	}
	for _, fn := range c.listenersFor(msg.Type()) {
		if !c.live(gen) {
			return
		}
		fn(u)
	}
}

func (c *Channel) deliver(u events.Update) {
	switch {
	case u.Partial() && c.cb.OnPartialData != nil:
		c.cb.OnPartialData(u.Data, u.Fields)
	case c.cb.OnData != nil:
		c.cb.OnData(u.Data)
	case c.cb.OnPartialData != nil:
		c.cb.OnPartialData(u.Data, nil)
	}
}

func (c *Channel) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	src := c.source
	c.source = nil
	c.mu.Unlock()

	if src != nil {
		_ = src.Close()
	}
	c.log.Warn("event transport error", "error", err)
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}

	c.mu.Lock()
	if c.gen != gen || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	if c.opts.DisableReconnect || c.timerKind == timerDeferredStop {
		c.mu.Unlock()
		c.Stop()
		return
	}
	attempt, ok := c.budget.Next()
	if !ok {
		c.mu.Unlock()
		c.log.Warn("reconnect budget exhausted", "attempts", attempt)
		c.Stop()
		return
	}
	c.state = StateReconnecting
	c.gen++
	next := c.gen
	c.setTimerLocked(timerReconnect, c.opts.ReconnectDelay, func() { c.reconnect(next) })
	c.mu.Unlock()
	c.log.Info("reconnect scheduled", "attempt", attempt, "delay", c.opts.ReconnectDelay)
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.open(gen)
}

func (c *Channel) live(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == StateConnected
}

func (c *Channel) listenersFor(eventType string) []func(events.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.listeners[eventType]
	out := make([]func(events.Update), 0, len(set))
	for _, l := range set {
		out = append(out, l.fn)
	}
	return out
}

func (c *Channel) setTimerLocked(kind timerKind, d time.Duration, fn func()) {
	c.clearTimerLocked()
	seq := c.timerSeq
	c.timerKind = kind
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		if c.timerSeq != seq {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.timerKind = timerNone
		c.timerSeq++
		c.mu.Unlock()
		fn()
	})
}

func (c *Channel) clearTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = nil
	c.timerKind = timerNone
	c.timerSeq++
}
