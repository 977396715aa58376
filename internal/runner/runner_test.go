package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/otcontroller/signaling/internal/exchange"
	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is an in-memory stand-in for *websocket.Conn, mirroring the teacher's wsConnection
// test doubles in internal/v1/session/client_test.go.
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	readPos  int
	outbound [][]byte
	closed   bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.readPos >= len(f.inbound) && !f.closed {
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
	}
	if f.closed && f.readPos >= len(f.inbound) {
		return 0, nil, websocket.ErrCloseSent
	}
	msg := f.inbound[f.readPos]
	f.readPos++
	return websocket.TextMessage, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error   { return nil }

func (f *fakeConn) push(t *testing.T, namespace ids.ModuleId, payload any) {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(incomingFrame{Namespace: namespace, Payload: raw})
	require.NoError(t, err)
	f.mu.Lock()
	f.inbound = append(f.inbound, frame)
	f.mu.Unlock()
}

type echoModule struct {
	namespace ids.ModuleId
	joined    int
	left      int
	destroyed bool
}

func (m *echoModule) Namespace() ids.ModuleId { return m.namespace }

func (m *echoModule) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		m.joined++
	case signaling.EventLeaving:
		m.left++
	case signaling.EventWsMessage:
		var payload map[string]string
		if err := json.Unmarshal(event.RawPayload, &payload); err != nil {
			return err
		}
		ctx.WsSend(map[string]string{"echo": payload["text"]})
	}
	return nil
}

func (m *echoModule) OnDestroy(ctx *signaling.DestroyContext) { m.destroyed = true }

func (m *echoModule) ProvidedFeatures() []ids.FeatureId { return nil }

func newTestRunner(t *testing.T, conn *fakeConn, registry *signaling.Registry) *Runner {
	t.Helper()
	mem, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	ex := exchange.NewExchange(zap.NewNop())
	t.Cleanup(ex.Close)

	roomSvc := room.New(zap.NewNop(), mem, ex)

	return NewRunner(Config{
		Logger:        zap.NewNop(),
		Conn:          conn,
		Registry:      registry,
		Storage:       mem,
		Exchange:      ex,
		Room:          roomSvc,
		Self:          ids.NewParticipantId(),
		Role:          ids.RoleUser,
		SignalingRoom: ids.MainRoom("room-1"),
		DisplayName:   "Test User",
		Kind:          ids.KindUser,
		PingInterval:  time.Hour,
	})
}

func TestRunnerDispatchesJoinedThenEchoesWsMessage(t *testing.T) {
	conn := &fakeConn{}
	echo := &echoModule{namespace: "echo"}
	registry := signaling.NewRegistry(zap.NewNop())
	registry.Add(echo)

	r := newTestRunner(t, conn, registry)
	conn.push(t, "echo", map[string]string{"text": "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan ids.CloseCode, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		for _, frame := range conn.outbound {
			var env envelope
			if json.Unmarshal(frame, &env) == nil && env.Namespace == ids.ModuleId("echo") {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, 1, echo.joined)
	assert.Equal(t, 1, echo.left)
	assert.True(t, echo.destroyed)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotEmpty(t, conn.outbound)
	var sawEcho bool
	for _, frame := range conn.outbound {
		var env envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.Namespace == ids.ModuleId("echo") {
			sawEcho = true
		}
	}
	assert.True(t, sawEcho, "expected at least one echo-namespace frame among the outbound frames")
}

func TestRunnerStateProgression(t *testing.T) {
	conn := &fakeConn{}
	registry := signaling.NewRegistry(zap.NewNop())
	r := newTestRunner(t, conn, registry)

	assert.Equal(t, StateNegotiating, r.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ids.CloseCode, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.State() == StateRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, StateDestroyed, r.State())
}
