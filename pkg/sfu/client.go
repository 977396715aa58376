package sfu

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const serviceName = "/sfu.SfuService/"

// serviceClient is the subset of SfuService the Client drives. Splitting it out (rather than
// calling conn.Invoke directly from Client's methods) is what lets client_test.go substitute a
// fake in place of a live grpc.ClientConn, exactly as the teacher's own circuit_breaker_test.go
// substitutes a mock SfuServiceClient in place of the protoc-generated one.
type serviceClient interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error)
	HandleSignal(ctx context.Context, req *SignalMessage) (*SignalResponse, error)
	DeleteSession(ctx context.Context, req *DeleteSessionRequest) (*DeleteSessionResponse, error)
	ListenEvents(ctx context.Context, req *ListenRequest) (EventStream, error)
}

// EventStream is the receiving half of the ListenEvents server-streaming RPC.
type EventStream interface {
	Recv() (*Event, error)
	CloseSend() error
}

// StateObserver is notified whenever the circuit breaker guarding the SFU control plane
// changes state; internal/metrics wires this to a gauge once the controller starts up.
type StateObserver func(from, to gobreaker.State)

// Client wraps the SFU control-plane RPCs in a circuit breaker, so a flapping downstream
// degrades the media module gracefully instead of blocking the runner on a dead connection.
type Client struct {
	client serviceClient
	cb     *gobreaker.CircuitBreaker
	conn   *grpc.ClientConn
}

// NewClient dials the SFU at address and wraps it in a circuit breaker. observer may be nil.
func NewClient(address string, observer StateObserver) (*Client, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	st := gobreaker.Settings{
		Name:        "sfu",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if observer != nil {
				observer(from, to)
			}
		},
	}
	return &Client{
		client: &grpcServiceClient{conn: conn},
		cb:     gobreaker.NewCircuitBreaker(st),
		conn:   conn,
	}, nil
}

func (c *Client) CreateSession(ctx context.Context, uid, roomID string) (*CreateSessionResponse, error) {
	resp, err := c.cb.Execute(func() (any, error) {
		return c.client.CreateSession(ctx, &CreateSessionRequest{UserId: uid, RoomId: roomID})
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return resp.(*CreateSessionResponse), nil
}

// HandleSignal forwards one SDP/ICE message from a participant to the SFU and returns
// whatever the SFU answers with (an SDP answer or a trickled ICE candidate of its own).
func (c *Client) HandleSignal(ctx context.Context, uid, roomID string, signal *SignalMessage) (*SignalResponse, error) {
	resp, err := c.cb.Execute(func() (any, error) {
		req := *signal
		req.UserId = uid
		req.RoomId = roomID
		return c.client.HandleSignal(ctx, &req)
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return resp.(*SignalResponse), nil
}

func (c *Client) DeleteSession(ctx context.Context, uid, roomID string) error {
	_, err := c.cb.Execute(func() (any, error) {
		return c.client.DeleteSession(ctx, &DeleteSessionRequest{UserId: uid, RoomId: roomID})
	})
	if err != nil {
		return wrapBreakerErr(err)
	}
	return nil
}

// ListenEvents subscribes to asynchronous SFU events (track-added, renegotiation). Only the
// initial connection attempt goes through the circuit breaker; the long-lived stream itself
// is left alone once established, same as the teacher's client.
func (c *Client) ListenEvents(ctx context.Context, uid, roomID string) (EventStream, error) {
	resp, err := c.cb.Execute(func() (any, error) {
		return c.client.ListenEvents(ctx, &ListenRequest{UserId: uid, RoomId: roomID})
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return resp.(EventStream), nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func wrapBreakerErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return status.Error(codes.Unavailable, "circuit breaker open")
	}
	return err
}

// grpcServiceClient is the real serviceClient backed by a live grpc.ClientConn and the JSON
// wire codec in codec.go.
type grpcServiceClient struct {
	conn *grpc.ClientConn
}

func (g *grpcServiceClient) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	resp := new(CreateSessionResponse)
	if err := g.conn.Invoke(ctx, serviceName+"CreateSession", req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *grpcServiceClient) HandleSignal(ctx context.Context, req *SignalMessage) (*SignalResponse, error) {
	resp := new(SignalResponse)
	if err := g.conn.Invoke(ctx, serviceName+"HandleSignal", req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *grpcServiceClient) DeleteSession(ctx context.Context, req *DeleteSessionRequest) (*DeleteSessionResponse, error) {
	resp := new(DeleteSessionResponse)
	if err := g.conn.Invoke(ctx, serviceName+"DeleteSession", req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *grpcServiceClient) ListenEvents(ctx context.Context, req *ListenRequest) (EventStream, error) {
	desc := &grpc.StreamDesc{StreamName: "ListenEvents", ServerStreams: true}
	stream, err := g.conn.NewStream(ctx, desc, serviceName+"ListenEvents", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &grpcEventStream{stream: stream}, nil
}

type grpcEventStream struct {
	stream grpc.ClientStream
}

func (s *grpcEventStream) Recv() (*Event, error) {
	event := new(Event)
	if err := s.stream.RecvMsg(event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *grpcEventStream) CloseSend() error {
	return s.stream.CloseSend()
}
