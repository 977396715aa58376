package breakout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func jsonUnmarshal(raw []byte, v any) error { return json.Unmarshal(raw, v) }

func newCtx(store storage.Storage, self ids.ParticipantId, role ids.Role, room ids.SignalingRoomId, ts ids.Timestamp) (*signaling.ModuleContext, *[]signaling.OutgoingMessage, *[]signaling.ExchangePublication, *[]signaling.EventStream, **ids.CloseCode) {
	outgoing := &[]signaling.OutgoingMessage{}
	publish := &[]signaling.ExchangePublication{}
	streams := &[]signaling.EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode
	return signaling.NewModuleContext(context.Background(), self, role, room, ts, Namespace, store, outgoing, publish, streams, invalidate, &exitCode),
		outgoing, publish, streams, &exitCode
}

func TestBreakoutStartRequiresModerator(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	mod, err := Init(context.Background(), store, "u1", mainRoom)
	require.NoError(t, err)

	mctx, _, _, _, _ := newCtx(store, "u1", ids.RoleUser, mainRoom, ids.Now())
	err = mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionStart})})
	require.Error(t, err)
}

func TestBreakoutStartAndJoinAssignment(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	modModerator, err := Init(context.Background(), store, "mod", mainRoom)
	require.NoError(t, err)

	duration := int64(2)
	mctx, _, publish, _, _ := newCtx(store, "mod", ids.RoleModerator, mainRoom, ids.Now())
	require.NoError(t, modModerator.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action:          ActionStart,
		Rooms:           []roomInput{{Name: "room-a", Assignments: []ids.ParticipantId{"p1"}}},
		DurationSeconds: &duration,
	})}))
	require.Len(t, *publish, 1)

	// p1's own module instance observes the broadcast and picks up its assignment.
	modP1, err := Init(context.Background(), store, "p1", mainRoom)
	require.NoError(t, err)
	raw := mustJSON(t, (*publish)[0].Payload)
	mctx2, outgoing, _, streams, _ := newCtx(store, "p1", ids.RoleUser, mainRoom, ids.Now())
	require.NoError(t, modP1.OnEvent(mctx2, signaling.Event{Kind: signaling.EventExchange, RawPayload: raw}))

	require.Len(t, *outgoing, 1)
	var out Outgoing
	require.NoError(t, jsonUnmarshal(mustJSON(t, (*outgoing)[0].Payload), &out))
	require.Equal(t, outStarted, out.Type)
	require.NotNil(t, out.Assignment)
	require.Len(t, *streams, 1)
}

func TestBreakoutJoinAfterExpiryIsFatal(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r2"))
	breakoutId := ids.NewBreakoutRoomId()

	past := ids.Timestamp(time.Now().Add(-time.Hour))
	duration := int64(1)
	cfg := Config{Rooms: []RoomEntry{{Id: breakoutId, Name: "a"}}, Started: past, DurationSeconds: &duration}
	require.NoError(t, store.ModuleValueSet(context.Background(), mainRoom, configKey, cfg))

	signalingRoom := ids.BreakoutRoom(ids.RoomId("r2"), breakoutId)
	_, err = Init(context.Background(), store, "p1", signalingRoom)
	require.Error(t, err)
}
