package mux

import (
	"sort"
	"sync"

	"helixstream/internal/events"
)

type Listener func(events.Update)

type Source interface {
	AddEventListener(eventType string, fn func(events.Update)) func()
}

type entry struct {
	id uint64
	fn Listener
}

type Multiplexer struct {
	mu     sync.RWMutex
	subs   map[string][]entry
	nextID uint64
	source Source
	wired  map[string]func()
}

func New() *Multiplexer {
	return &Multiplexer{
		subs:  map[string][]entry{},
		wired: map[string]func(){},
	}
}

func (m *Multiplexer) On(eventType string, fn Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[eventType] = append(m.subs[eventType], entry{id: id, fn: fn})
	src := m.source
	_, wired := m.wired[eventType]
	m.mu.Unlock()

	if src != nil && !wired {
		m.wire(src, eventType)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			set := m.subs[eventType]
			for i, e := range set {
				if e.id == id {
					set = append(set[:i:i], set[i+1:]...)
					break
				}
			}
			if len(set) == 0 {
				delete(m.subs, eventType)
				return
			}
			m.subs[eventType] = set
		})
	}
}

func (m *Multiplexer) Publish(eventType string, u events.Update) int {
	m.mu.RLock()
	set := m.subs[eventType]
	fns := make([]Listener, 0, len(set))
	for _, e := range set {
		fns = append(fns, e.fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
	return len(fns)
}

func (m *Multiplexer) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subs))
	for t := range m.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Attach wires every current and future event type onto src. Attaching a
// new source detaches the previous one.
func (m *Multiplexer) Attach(src Source) {
	m.Detach()
	m.mu.Lock()
	m.source = src
	m.mu.Unlock()
	for _, t := range m.Types() {
		m.wire(src, t)
	}
}

func (m *Multiplexer) Detach() {
	m.mu.Lock()
	wired := m.wired
	m.wired = map[string]func(){}
	m.source = nil
	m.mu.Unlock()
	for _, unsubscribe := range wired {
		unsubscribe()
	}
}

func (m *Multiplexer) wire(src Source, eventType string) {
	m.mu.Lock()
	if m.source != src {
		m.mu.Unlock()
		return
	}
	if _, ok := m.wired[eventType]; ok {
		m.mu.Unlock()
		return
	}
	m.wired[eventType] = func() {}
	m.mu.Unlock()

	unsubscribe := src.AddEventListener(eventType, func(u events.Update) {
		m.Publish(eventType, u)
	})

	m.mu.Lock()
	if m.source != src {
		m.mu.Unlock()
		unsubscribe()
		return
	}
	m.wired[eventType] = unsubscribe
	m.mu.Unlock()
}
