package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRecoversBeforeMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var errs atomic.Int32
	firstData := make(chan int32, 1)
	c := New(Options[int32]{
		Interval:   5 * time.Millisecond,
		MaxRetries: 5,
		Poll: func(context.Context) (int32, error) {
			n := calls.Add(1)
			if n <= 3 {
				return 0, errors.New("temporarily unavailable")
			}
			return n, nil
		},
		OnData: func(n int32) {
			select {
			case firstData <- n:
			default:
			}
		},
		OnError: func(error) { errs.Add(1) },
	})
	defer c.Stop()
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case n := <-firstData:
		if n != 4 {
			t.Fatalf("expected first data on call 4, got call %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no data delivered")
	}
	if errs.Load() != 3 {
		t.Fatalf("expected 3 errors, got %d", errs.Load())
	}
	select {
	case <-c.Done():
		t.Fatalf("channel should still be active")
	default:
	}
}

func TestStopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls, errs, stops atomic.Int32
	c := New(Options[string]{
		Interval:   time.Millisecond,
		MaxRetries: 3,
		Poll: func(context.Context) (string, error) {
			calls.Add(1)
			return "", errors.New("boom")
		},
		OnError: func(error) { errs.Add(1) },
		OnStop:  func() { stops.Add(1) },
	})
	_ = c.Start()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("channel did not stop")
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 3 || errs.Load() != 3 {
		t.Fatalf("expected 3 polls and 3 errors, got %d/%d", calls.Load(), errs.Load())
	}
	c.Stop()
	if stops.Load() != 1 {
		t.Fatalf("expected one OnStop, got %d", stops.Load())
	}
	if err := c.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestSkipsTickWhilePollInFlight(t *testing.T) {
	t.Parallel()

	var active, maxActive, calls atomic.Int32
	c := New(Options[int]{
		Interval: time.Millisecond,
		Poll: func(context.Context) (int, error) {
			calls.Add(1)
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
			return 0, nil
		},
	})
	_ = c.Start()
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	if maxActive.Load() != 1 {
		t.Fatalf("expected at most one poll in flight, saw %d", maxActive.Load())
	}
	if calls.Load() > 5 {
		t.Fatalf("ticks during an in-flight poll should be skipped, got %d calls", calls.Load())
	}
}

func TestDropsResultAfterStop(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	var data atomic.Int32
	c := New(Options[int]{
		Interval: time.Hour,
		Poll: func(context.Context) (int, error) {
			once.Do(func() { close(entered) })
			<-release
			return 1, nil
		},
		OnData: func(int) { data.Add(1) },
	})
	_ = c.Start()
	<-entered
	c.Stop()
	close(release)
	time.Sleep(20 * time.Millisecond)
	if data.Load() != 0 {
		t.Fatalf("result delivered after stop")
	}
}
