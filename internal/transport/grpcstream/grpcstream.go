package grpcstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"helixstream/internal/events"
	"helixstream/internal/rpc/codec"
	"helixstream/internal/rpc/updates"
	"helixstream/internal/stream"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const Name = "grpc"

type Dialer struct {
	addr     string
	md       metadata.MD
	dialOpts []grpc.DialOption

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client updates.UpdatesClient
	lastID map[string]string
}

type Option func(*Dialer)

func WithHeader(h http.Header) Option {
	return func(d *Dialer) {
		for k, v := range h {
			d.md.Append(strings.ToLower(k), v...)
		}
	}
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(d *Dialer) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

func New(addr string, opts ...Option) *Dialer {
	d := &Dialer{
		addr:   addr,
		md:     metadata.MD{},
		lastID: map[string]string{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, path string) (stream.Source, error) {
	client, err := d.getClient()
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	sctx = metadata.NewOutgoingContext(sctx, d.md.Copy())
	st, err := client.StreamUpdates(sctx, &updates.StreamRequest{Path: path, LastEventID: d.lastEventID(path)})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("grpc %s: %w", path, err)
	}
	return &source{
		stream: st,
		cancel: cancel,
		onID:   func(id string) { d.setLastEventID(path, id) },
	}, nil
}

func (d *Dialer) Health(ctx context.Context) error {
	client, err := d.getClient()
	if err != nil {
		return err
	}
	res, err := client.Health(metadata.NewOutgoingContext(ctx, d.md.Copy()), &updates.HealthRequest{})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("update service unhealthy: %s", res.Message)
	}
	return nil
}

func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.client = nil
	return err
}

func (d *Dialer) getClient() (updates.UpdatesClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec.JSONCodec{})),
	}, d.dialOpts...)
	conn, err := grpc.NewClient(d.addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", d.addr, err)
	}
	d.conn = conn
	d.client = updates.NewUpdatesClient(conn)
	return d.client, nil
}

func (d *Dialer) lastEventID(path string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastID[path]
}

func (d *Dialer) setLastEventID(path, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastID[path] = id
}

type source struct {
	stream updates.UpdatesStreamClient
	cancel context.CancelFunc
	onID   func(string)
}

func (s *source) Recv() (events.Message, error) {
	f, err := s.stream.Recv()
	if err == io.EOF {
		return events.Message{}, io.EOF
	}
	if err != nil {
		return events.Message{}, err
	}
	if f.ID != "" {
		s.onID(f.ID)
	}
	return events.Message{Event: f.Event, ID: f.ID, Data: f.Data}, nil
}

func (s *source) Close() error {
	s.cancel()
	return nil
}
