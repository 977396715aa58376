package meetingreport

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

func newCtx(store storage.Storage, self ids.ParticipantId, role ids.Role, room ids.SignalingRoomId, ts ids.Timestamp) (*signaling.ModuleContext, *[]signaling.OutgoingMessage) {
	outgoing := &[]signaling.OutgoingMessage{}
	publish := &[]signaling.ExchangePublication{}
	streams := &[]signaling.EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode
	return signaling.NewModuleContext(context.Background(), self, role, room, ts, Namespace, store, outgoing, publish, streams, invalidate, &exitCode),
		outgoing
}

func TestMeetingReportRecordsJoinLeaveAndHand(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	mod := Init("u1", mainRoom)
	mctx, _ := newCtx(store, "u1", ids.RoleUser, mainRoom, ids.Now())
	require.NoError(t, mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventJoined}))
	require.NoError(t, mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventRaiseHand}))
	require.NoError(t, mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventLeaving}))

	modModerator := Init("mod", mainRoom)
	modctx, outgoing := newCtx(store, "mod", ids.RoleModerator, mainRoom, ids.Now())
	require.NoError(t, modModerator.OnEvent(modctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionGetReport})}))
	require.Len(t, *outgoing, 1)

	var out Outgoing
	require.NoError(t, jsonUnmarshal(mustJSON(t, (*outgoing)[0].Payload), &out))
	require.Len(t, out.Entries, 3)
	require.Equal(t, EntryJoined, out.Entries[0].Kind)
	require.Equal(t, EntryHandRaised, out.Entries[1].Kind)
	require.Equal(t, EntryLeft, out.Entries[2].Kind)
}

func TestMeetingReportGetReportRequiresModerator(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	mod := Init("u1", mainRoom)
	mctx, _ := newCtx(store, "u1", ids.RoleUser, mainRoom, ids.Now())
	err = mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionGetReport})})
	require.Error(t, err)
}
