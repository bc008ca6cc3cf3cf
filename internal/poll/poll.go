package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"helixstream/internal/logging"
)

const (
	DefaultInterval   = 2 * time.Second
	DefaultMaxRetries = 5
)

var ErrStopped = errors.New("poll channel stopped")

type Options[T any] struct {
	Name       string
	Interval   time.Duration
	MaxRetries int
	Poll       func(ctx context.Context) (T, error)
	OnData     func(T)
	OnError    func(error)
	OnStop     func()
	Logger     *slog.Logger
}

type Channel[T any] struct {
	opts Options[T]
	log  *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	inFlight atomic.Bool

	mu       sync.Mutex
	started  bool
	stopped  bool
	failures int
}

func New[T any](opts Options[T]) *Channel[T] {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	log := logging.Or(opts.Logger, logging.ComponentPoll)
	if opts.Name != "" {
		log = log.With("path", opts.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel[T]{
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *Channel[T]) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.started = true
	go c.loop()
	return nil
}

func (c *Channel[T]) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	if c.opts.OnStop != nil {
		c.opts.OnStop()
	}
}

func (c *Channel[T]) Done() <-chan struct{} {
	return c.done
}

func (c *Channel[T]) loop() {
	c.tick()
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Channel[T]) tick() {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.log.Debug("poll still in flight, skipping tick")
		return
	}
	if c.ctx.Err() != nil {
		c.inFlight.Store(false)
		return
	}
	go func() {
		defer c.inFlight.Store(false)
		c.pollOnce()
	}()
}

func (c *Channel[T]) pollOnce() {
	v, err := c.opts.Poll(c.ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.failures++
		n := c.failures
		c.mu.Unlock()

		c.log.Warn("poll failed", "consecutive", n, "max", c.opts.MaxRetries, "error", err)
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		if n >= c.opts.MaxRetries {
			c.Stop()
		}
		return
	}
	c.failures = 0
	c.mu.Unlock()

	if c.opts.OnData != nil {
		c.opts.OnData(v)
	}
}
