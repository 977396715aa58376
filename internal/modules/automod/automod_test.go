package automod

import (
	"context"
	"encoding/json"
	"testing"

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

func newCtx(store storage.Storage, self ids.ParticipantId, role ids.Role, room ids.SignalingRoomId, ts ids.Timestamp) (*signaling.ModuleContext, *[]signaling.OutgoingMessage, *[]signaling.ExchangePublication) {
	outgoing := &[]signaling.OutgoingMessage{}
	publish := &[]signaling.ExchangePublication{}
	streams := &[]signaling.EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode
	return signaling.NewModuleContext(context.Background(), self, role, room, ts, Namespace, store, outgoing, publish, streams, invalidate, &exitCode),
		outgoing, publish
}

func TestAutomodPlaylistAdvancesInOrder(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	moderator := Init("mod", mainRoom)
	mctx, _, publish := newCtx(store, "mod", ids.RoleModerator, mainRoom, ids.Now())
	require.NoError(t, moderator.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionStart, Strategy: StrategyPlaylist, AutoAppendOnJoin: true,
	})}))
	require.Len(t, *publish, 1)

	u1 := Init("u1", mainRoom)
	u1ctx, outgoing, publish1 := newCtx(store, "u1", ids.RoleUser, mainRoom, ids.Now())
	require.NoError(t, u1.OnEvent(u1ctx, signaling.Event{Kind: signaling.EventJoined}))
	require.Len(t, *publish1, 1)

	var out Outgoing
	require.NoError(t, jsonUnmarshal(mustJSON(t, (*outgoing)[0].Payload), &out))
	require.NotNil(t, out.Current)
	require.Equal(t, ids.ParticipantId("u1"), *out.Current)

	require.NoError(t, u1.OnEvent(u1ctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionYield})}))
}

func TestAutomodYieldRequiresCurrentSpeaker(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	moderator := Init("mod", mainRoom)
	mctx, _, _ := newCtx(store, "mod", ids.RoleModerator, mainRoom, ids.Now())
	require.NoError(t, moderator.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionStart, Strategy: StrategyNone,
	})}))

	u1 := Init("u1", mainRoom)
	uctx, _, _ := newCtx(store, "u1", ids.RoleUser, mainRoom, ids.Now())
	err = u1.OnEvent(uctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionYield})})
	require.Error(t, err)
}
