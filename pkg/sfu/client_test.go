package sfu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type mockServiceClient struct {
	mock.Mock
}

func (m *mockServiceClient) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CreateSessionResponse), args.Error(1)
}

func (m *mockServiceClient) HandleSignal(ctx context.Context, req *SignalMessage) (*SignalResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SignalResponse), args.Error(1)
}

func (m *mockServiceClient) DeleteSession(ctx context.Context, req *DeleteSessionRequest) (*DeleteSessionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DeleteSessionResponse), args.Error(1)
}

func (m *mockServiceClient) ListenEvents(ctx context.Context, req *ListenRequest) (EventStream, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(EventStream), args.Error(1)
}

func TestClientCircuitBreakerOpensAfterFailure(t *testing.T) {
	st := gobreaker.Settings{
		Name:        "sfu-test",
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}

	mocked := new(mockServiceClient)
	c := &Client{client: mocked, cb: gobreaker.NewCircuitBreaker(st)}

	ctx := context.Background()
	req := &CreateSessionRequest{UserId: "u1", RoomId: "room-1"}

	mocked.On("CreateSession", mock.Anything, req).Return(&CreateSessionResponse{SessionId: "s1"}, nil).Once()
	resp, err := c.CreateSession(ctx, "u1", "room-1")
	assert.NoError(t, err)
	assert.Equal(t, "s1", resp.SessionId)

	mocked.On("CreateSession", mock.Anything, req).Return(nil, errors.New("rpc error")).Once()
	_, err = c.CreateSession(ctx, "u1", "room-1")
	assert.Error(t, err)

	_, err = c.CreateSession(ctx, "u1", "room-1")
	assert.Error(t, err)
	stErr, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.Unavailable, stErr.Code())

	mocked.AssertExpectations(t)
}

func TestClientHandleSignalFillsRoomAndUser(t *testing.T) {
	mocked := new(mockServiceClient)
	c := &Client{client: mocked, cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "sfu-test-2"})}

	ctx := context.Background()
	want := &SignalMessage{UserId: "u1", RoomId: "room-1", SdpOffer: "v=0..."}
	mocked.On("HandleSignal", mock.Anything, want).Return(&SignalResponse{SdpAnswer: "v=0...answer"}, nil).Once()

	resp, err := c.HandleSignal(ctx, "u1", "room-1", &SignalMessage{SdpOffer: "v=0..."})
	assert.NoError(t, err)
	assert.Equal(t, "v=0...answer", resp.SdpAnswer)
	mocked.AssertExpectations(t)
}
