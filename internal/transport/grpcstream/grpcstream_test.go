package grpcstream

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"helixstream/internal/rpc/codec"
	"helixstream/internal/rpc/updates"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

type fakeUpdatesServer struct {
	mu       sync.Mutex
	requests []*updates.StreamRequest
	auth     []string
}

func (s *fakeUpdatesServer) StreamUpdates(req *updates.StreamRequest, st updates.UpdatesStreamServer) error {
	md, _ := metadata.FromIncomingContext(st.Context())
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.auth = append(s.auth, md.Get("authorization")...)
	s.mu.Unlock()

	frames := []*updates.UpdateFrame{
		{ID: "1", Data: json.RawMessage(`{"id":"t1","status":7}`)},
		{Event: "chats", ID: "2", Data: json.RawMessage(`{"status":"idle"}`)},
	}
	for _, f := range frames {
		if err := st.Send(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeUpdatesServer) Health(context.Context, *updates.HealthRequest) (*updates.HealthResponse, error) {
	return &updates.HealthResponse{OK: true}, nil
}

func startServer(t *testing.T, impl updates.UpdatesServer) *Dialer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(codec.JSONCodec{}))
	updates.RegisterUpdatesServer(srv, impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	d := New("passthrough:///bufnet",
		WithHeader(h),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDialStreamsFrames(t *testing.T) {
	impl := &fakeUpdatesServer{}
	d := startServer(t, impl)

	src, err := d.Dial(context.Background(), "/tasks/t1/stream")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer src.Close()

	first, err := src.Recv()
	if err != nil {
		t.Fatalf("recv 1: %v", err)
	}
	if first.Event != "" || string(first.Data) != `{"id":"t1","status":7}` {
		t.Fatalf("unexpected first frame: %#v", first)
	}
	second, err := src.Recv()
	if err != nil {
		t.Fatalf("recv 2: %v", err)
	}
	if second.Event != "chats" || second.ID != "2" {
		t.Fatalf("unexpected second frame: %#v", second)
	}
	if _, err := src.Recv(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}

	impl.mu.Lock()
	defer impl.mu.Unlock()
	if len(impl.requests) != 1 || impl.requests[0].Path != "/tasks/t1/stream" {
		t.Fatalf("unexpected requests: %#v", impl.requests)
	}
	if len(impl.auth) != 1 || impl.auth[0] != "Bearer secret" {
		t.Fatalf("expected auth metadata, got %v", impl.auth)
	}
}

func TestDialResumesFromLastEventID(t *testing.T) {
	impl := &fakeUpdatesServer{}
	d := startServer(t, impl)

	for i := 0; i < 2; i++ {
		src, err := d.Dial(context.Background(), "/chats/c1/stream")
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		for {
			if _, err := src.Recv(); err != nil {
				break
			}
		}
		_ = src.Close()
	}

	impl.mu.Lock()
	defer impl.mu.Unlock()
	if len(impl.requests) != 2 || impl.requests[1].LastEventID != "2" {
		t.Fatalf("expected second dial to resume from id 2, got %#v", impl.requests)
	}
}

func TestHealth(t *testing.T) {
	d := startServer(t, &fakeUpdatesServer{})
	if err := d.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
