package updates

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestMethodConstants(t *testing.T) {
	t.Parallel()

	if MethodStreamUpdates != "/helixstream.updates.Updates/StreamUpdates" {
		t.Fatalf("unexpected MethodStreamUpdates: %q", MethodStreamUpdates)
	}
	if MethodHealth != "/helixstream.updates.Updates/Health" {
		t.Fatalf("unexpected MethodHealth: %q", MethodHealth)
	}
}

func TestStreamServerSendForwardsFrame(t *testing.T) {
	t.Parallel()

	stream := &fakeServerStream{}
	s := &updatesStreamServer{ServerStream: stream}
	f := &UpdateFrame{Event: "chats", Data: json.RawMessage(`{}`)}
	if err := s.Send(f); err != nil {
		t.Fatalf("send: %v", err)
	}
	if stream.lastSent != f {
		t.Fatalf("expected forwarded frame pointer")
	}
}

func TestStreamClientRecv(t *testing.T) {
	t.Parallel()

	want := &UpdateFrame{Event: "chat_messages", ID: "3", Data: json.RawMessage(`{"id":"m1"}`)}
	client := &updatesStreamClient{ClientStream: &fakeClientStream{recv: want}}
	got, err := client.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Event != want.Event || got.ID != want.ID || string(got.Data) != string(want.Data) {
		t.Fatalf("unexpected frame: %#v", got)
	}
}

func TestStreamClientRecvError(t *testing.T) {
	t.Parallel()

	client := &updatesStreamClient{ClientStream: &fakeClientStream{recvErr: io.EOF}}
	if _, err := client.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

type fakeServerStream struct {
	lastSent any
}

func (f *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeServerStream) SetTrailer(metadata.MD)       {}
func (f *fakeServerStream) Context() context.Context     { return context.Background() }
func (f *fakeServerStream) SendMsg(m any) error {
	f.lastSent = m
	return nil
}
func (f *fakeServerStream) RecvMsg(any) error { return io.EOF }

type fakeClientStream struct {
	recv    *UpdateFrame
	recvErr error
}

func (f *fakeClientStream) Header() (metadata.MD, error) { return nil, nil }
func (f *fakeClientStream) Trailer() metadata.MD         { return nil }
func (f *fakeClientStream) CloseSend() error             { return nil }
func (f *fakeClientStream) Context() context.Context     { return context.Background() }
func (f *fakeClientStream) SendMsg(any) error            { return nil }
func (f *fakeClientStream) RecvMsg(m any) error {
	if f.recvErr != nil {
		return f.recvErr
	}
	frame, ok := m.(*UpdateFrame)
	if !ok {
		return errors.New("unexpected message type")
	}
	*frame = *f.recv
	return nil
}
