package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type endpoint struct {
	base string
}

func (e endpoint) URL(path string) string { return e.base + path }

func (e endpoint) Header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	return h
}

func TestSourceParsesFrames(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		": keepalive",
		"retry: 1000",
		"",
		"data: {\"id\":\"t1\",",
		"data: \"status\":7}",
		"",
		"event: chats",
		"id: 42",
		"data:{\"status\":\"busy\"}",
		"",
		"event: ignored-without-data",
		"",
		"data: {\"n\":3}\r",
		"\r",
	}, "\n") + "\n"
	src := NewSource(io.NopCloser(strings.NewReader(raw)))

	first, err := src.Recv()
	if err != nil {
		t.Fatalf("recv 1: %v", err)
	}
	if first.Event != "" || string(first.Data) != "{\"id\":\"t1\",\n\"status\":7}" {
		t.Fatalf("unexpected first frame: %#v", first)
	}

	second, err := src.Recv()
	if err != nil {
		t.Fatalf("recv 2: %v", err)
	}
	if second.Event != "chats" || second.ID != "42" || string(second.Data) != `{"status":"busy"}` {
		t.Fatalf("unexpected second frame: %#v", second)
	}

	third, err := src.Recv()
	if err != nil {
		t.Fatalf("recv 3: %v", err)
	}
	if third.Event != "" || string(third.Data) != `{"n":3}` {
		t.Fatalf("event type should reset after an empty block: %#v", third)
	}

	if _, err := src.Recv(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestDialerStreamsAndReplaysLastEventID(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var lastIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mu.Lock()
		lastIDs = append(lastIDs, r.Header.Get("Last-Event-ID"))
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		fmt.Fprint(w, "id: 7\ndata: {\"status\":9}\n\n")
	}))
	defer srv.Close()

	d := New(endpoint{base: srv.URL}, nil)
	for i := 0; i < 2; i++ {
		src, err := d.Dial(context.Background(), "/tasks/t1/stream")
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		msg, err := src.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(msg.Data) != `{"status":9}` {
			t.Fatalf("unexpected data: %s", msg.Data)
		}
		_ = src.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lastIDs) != 2 || lastIDs[0] != "" || lastIDs[1] != "7" {
		t.Fatalf("unexpected Last-Event-ID headers: %q", lastIDs)
	}
}

func TestDialerRejectsNonStreamResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := New(endpoint{base: srv.URL}, nil)
	if _, err := d.Dial(context.Background(), "/missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
	if _, err := d.Dial(context.Background(), "/json"); err == nil {
		t.Fatalf("expected content type error")
	}
}
