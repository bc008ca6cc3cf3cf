package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"helixstream/internal/logging"
)

type Requester interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

// ToolHandler runs one local tool call. The returned string is sent back
// verbatim as the tool result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

const (
	ToolErrorNotAvailable    = "tool_not_available"
	ToolErrorExecutionFailed = "tool_execution_failed"
)

type toolResult struct {
	Result string `json:"result"`
}

type toolFailure struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func failureResult(code, message string) string {
	b, _ := json.Marshal(toolFailure{Error: code, Message: message})
	return string(b)
}

type InvocationSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewInvocationSet() *InvocationSet {
	return &InvocationSet{ids: map[string]struct{}{}}
}

func (s *InvocationSet) Claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *InvocationSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *InvocationSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = map[string]struct{}{}
}

// Dispatcher executes local tool invocations at most once each and reports
// exactly one result per claimed invocation.
type Dispatcher struct {
	api  Requester
	log  *slog.Logger
	seen *InvocationSet

	mu       sync.RWMutex
	handlers map[string]ToolHandler
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDispatcher(api Requester, handlers map[string]ToolHandler, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		api:      api,
		log:      logging.Or(logger, logging.ComponentTools),
		seen:     NewInvocationSet(),
		handlers: map[string]ToolHandler{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for name, h := range handlers {
		d.handlers[name] = h
	}
	return d
}

func (d *Dispatcher) Register(name string, h ToolHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, name)
		return
	}
	d.handlers[name] = h
}

func (d *Dispatcher) Tools() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) Handle(msg Message) int {
	started := 0
	for _, inv := range msg.ToolInvocations {
		if !inv.awaitingLocal() || inv.ID == "" {
			continue
		}
		if !d.seen.Claim(inv.ID) {
			d.log.Debug("skipping redelivered tool invocation", "invocation_id", inv.ID)
			continue
		}
		d.mu.RLock()
		h := d.handlers[inv.Function.Name]
		ctx := d.ctx
		d.mu.RUnlock()

		started++
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(ctx, inv, h)
		}()
	}
	return started
}

func (d *Dispatcher) run(ctx context.Context, inv ToolInvocation, h ToolHandler) {
	log := d.log.With("invocation_id", inv.ID, "tool", inv.Function.Name)
	if h == nil {
		log.Warn("no handler for local tool")
		d.report(ctx, inv.ID, failureResult(ToolErrorNotAvailable,
			fmt.Sprintf("tool %q is not available on this client", inv.Function.Name)))
		return
	}

	result, err := invoke(ctx, h, inv.Function.Arguments)
	if ctx.Err() != nil {
		log.Debug("dropping tool result after reset")
		return
	}
	if err != nil {
		log.Warn("tool handler failed", "error", err)
		result = failureResult(ToolErrorExecutionFailed, err.Error())
	}
	d.report(ctx, inv.ID, result)
}

func invoke(ctx context.Context, h ToolHandler, args json.RawMessage) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

func (d *Dispatcher) report(ctx context.Context, invocationID, result string) {
	path := "/tools/" + url.PathEscape(invocationID)
	if err := d.api.Do(ctx, http.MethodPost, path, toolResult{Result: result}, nil); err != nil {
		d.log.Warn("report tool result failed", "invocation_id", invocationID, "error", err)
		return
	}
	d.log.Debug("tool result reported", "invocation_id", invocationID)
}

func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.cancel()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()
	d.seen.Clear()
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Dispatched() int {
	return d.seen.Len()
}
