package stream

// ReconnectBudget limits reconnect attempts until the first successful
// connection. Once a connection has been made, attempts are unbounded.
type ReconnectBudget struct {
	Max int

	attempts  int
	contacted bool
}

func (b *ReconnectBudget) Connected() {
	b.contacted = true
	b.attempts = 0
}

func (b *ReconnectBudget) Next() (int, bool) {
	if !b.contacted && b.attempts >= b.Max {
		return b.attempts, false
	}
	b.attempts++
	return b.attempts, true
}

func (b *ReconnectBudget) Attempts() int {
	return b.attempts
}

func (b *ReconnectBudget) Contacted() bool {
	return b.contacted
}
