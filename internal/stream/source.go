package stream

import (
	"context"
	"errors"

	"helixstream/internal/events"
)

var (
	ErrStopped     = errors.New("event channel stopped")
	ErrNilSource   = errors.New("event source factory returned no source")
	ErrStreamEnded = errors.New("event stream ended")
)

// Source is one live transport connection. Recv blocks until the next frame
// and returns an error once the connection is unusable; Close unblocks it.
type Source interface {
	Recv() (events.Message, error)
	Close() error
}

type EventSubscriber interface {
	Subscribe(eventType string) error
}

type Dialer interface {
	Dial(ctx context.Context, path string) (Source, error)
}

type DialerFunc func(ctx context.Context, path string) (Source, error)

func (f DialerFunc) Dial(ctx context.Context, path string) (Source, error) {
	return f(ctx, path)
}

type Factory func(ctx context.Context) (Source, error)

func FactoryFor(d Dialer, path string) Factory {
	return func(ctx context.Context) (Source, error) {
		return d.Dial(ctx, path)
	}
}
