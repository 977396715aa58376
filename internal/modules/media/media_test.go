package media

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
	"github.com/otcontroller/signaling/pkg/sfu"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	events chan *sfu.Event
}

func (f *fakeStream) Recv() (*sfu.Event, error) {
	event, ok := <-f.events
	if !ok {
		return nil, context.Canceled
	}
	return event, nil
}

func (f *fakeStream) CloseSend() error { return nil }

type fakeClient struct {
	stream        *fakeStream
	lastSignal    *sfu.SignalMessage
	signalReply   *sfu.SignalResponse
	deletedCalled bool
}

func (f *fakeClient) CreateSession(ctx context.Context, uid, roomID string) (*sfu.CreateSessionResponse, error) {
	return &sfu.CreateSessionResponse{SessionId: "s1"}, nil
}

func (f *fakeClient) HandleSignal(ctx context.Context, uid, roomID string, signal *sfu.SignalMessage) (*sfu.SignalResponse, error) {
	f.lastSignal = signal
	return f.signalReply, nil
}

func (f *fakeClient) DeleteSession(ctx context.Context, uid, roomID string) error {
	f.deletedCalled = true
	return nil
}

func (f *fakeClient) ListenEvents(ctx context.Context, uid, roomID string) (sfu.EventStream, error) {
	return f.stream, nil
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func jsonUnmarshal(raw []byte, v any) error { return json.Unmarshal(raw, v) }

func newCtx(store storage.Storage, self ids.ParticipantId, room ids.SignalingRoomId) (*signaling.ModuleContext, *[]signaling.OutgoingMessage, *[]signaling.EventStream) {
	outgoing := &[]signaling.OutgoingMessage{}
	publish := &[]signaling.ExchangePublication{}
	streams := &[]signaling.EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode
	return signaling.NewModuleContext(context.Background(), self, ids.RoleUser, room, ids.Now(), Namespace, store, outgoing, publish, streams, invalidate, &exitCode),
		outgoing, streams
}

func TestMediaJoinedCreatesSessionAndArmsEventStream(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	fc := &fakeClient{stream: &fakeStream{events: make(chan *sfu.Event, 1)}}
	mod := Init("u1", mainRoom, fc)
	mctx, _, streams := newCtx(store, "u1", mainRoom)

	require.NoError(t, mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventJoined}))
	require.Len(t, *streams, 1)
}

func TestMediaOfferRelaysAnswerFromSFU(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	fc := &fakeClient{
		stream:      &fakeStream{events: make(chan *sfu.Event, 1)},
		signalReply: &sfu.SignalResponse{SdpAnswer: "v=0...answer"},
	}
	mod := Init("u1", mainRoom, fc)
	mctx, outgoing, _ := newCtx(store, "u1", mainRoom)

	require.NoError(t, mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionOffer, SdpOffer: "v=0...",
	})}))
	require.Len(t, *outgoing, 1)

	var out Outgoing
	require.NoError(t, jsonUnmarshal(mustJSON(t, (*outgoing)[0].Payload), &out))
	require.Equal(t, outAnswer, out.Type)
	require.Equal(t, "v=0...answer", out.SdpAnswer)
	require.Equal(t, "v=0...", fc.lastSignal.SdpOffer)
}

func TestMediaExtEventRelaysTrackAdded(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	fc := &fakeClient{stream: &fakeStream{events: make(chan *sfu.Event, 1)}}
	mod := Init("u1", mainRoom, fc)
	mctx, outgoing, _ := newCtx(store, "u1", mainRoom)

	require.NoError(t, mod.OnEvent(mctx, signaling.Event{
		Kind:     signaling.EventExt,
		ExtEvent: &sfu.Event{Kind: sfu.EventTrackAdded, TrackId: "t1"},
	}))
	require.Len(t, *outgoing, 1)

	var out Outgoing
	require.NoError(t, jsonUnmarshal(mustJSON(t, (*outgoing)[0].Payload), &out))
	require.Equal(t, outTrackAdded, out.Type)
	require.Equal(t, "t1", out.TrackId)
}

func TestMediaLeavingDeletesSFUSession(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	fc := &fakeClient{stream: &fakeStream{events: make(chan *sfu.Event, 1)}}
	mod := Init("u1", mainRoom, fc)
	mctx, _, _ := newCtx(store, "u1", mainRoom)

	require.NoError(t, mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventLeaving}))
	require.True(t, fc.deletedCalled)
}

func TestMediaInitAbsentWithoutClient(t *testing.T) {
	mainRoom := ids.MainRoom(ids.RoomId("r1"))
	require.Nil(t, Init("u1", mainRoom, nil))
}
