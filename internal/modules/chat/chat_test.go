package chat

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

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func jsonUnmarshal(raw []byte, v any) error { return json.Unmarshal(raw, v) }

func newCtx(t *testing.T, store storage.Storage, self ids.ParticipantId, room ids.SignalingRoomId, ts ids.Timestamp) (*signaling.ModuleContext, *[]signaling.OutgoingMessage, *[]signaling.ExchangePublication) {
	t.Helper()
	outgoing := &[]signaling.OutgoingMessage{}
	publish := &[]signaling.ExchangePublication{}
	streams := &[]signaling.EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode
	return signaling.NewModuleContext(context.Background(), self, ids.RoleUser, room, ts, Namespace, store, outgoing, publish, streams, invalidate, &exitCode), outgoing, publish
}

// TestChatLastSeenPersistsAcrossRejoin mirrors test vector S1: U1 sets global/group/private
// last-seen markers, leaves (a new ParticipantId "rejoins"), and must see the same values back
// on JoinSuccess.
func TestChatLastSeenPersistsAcrossRejoin(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	room := ids.MainRoom(ids.RoomId("room-1"))

	u1First := ids.ParticipantId("u1-session-1")
	u2 := ids.ParticipantId("u2-session-1")
	stableU1 := "user-u1"

	m1 := Init(u1First, room, stableU1, Params{Enabled: true})
	require.NotNil(t, m1)

	ts1 := ids.Timestamp(mustParse(t, "2022-01-01T10:11:12Z"))
	ts2 := ids.Timestamp(mustParse(t, "2023-04-05T06:07:08Z"))

	mctx, _, _ := newCtx(t, store, u1First, room, ts1)
	require.NoError(t, m1.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionSetLastSeenTimestamp, Scope: &Scope{Kind: ScopeGlobal}, Timestamp: &ts1,
	})}))

	mctx, _, _ = newCtx(t, store, u1First, room, ts1)
	require.NoError(t, m1.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionSetLastSeenTimestamp, Scope: &Scope{Kind: ScopeGroup, Group: "group1"}, Timestamp: &ts1,
	})}))

	mctx, _, _ = newCtx(t, store, u1First, room, ts2)
	require.NoError(t, m1.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionSetLastSeenTimestamp, Scope: &Scope{Kind: ScopePrivate, Target: u2}, Timestamp: &ts2,
	})}))

	// U1 "rejoins" as a new participant id but the same stable (authenticated) identity.
	u1Second := ids.ParticipantId("u1-session-2")
	m1Again := Init(u1Second, room, stableU1, Params{Enabled: true})
	require.NotNil(t, m1Again)

	slots := &signaling.JoinedSlots{}
	mctx, _, _ = newCtx(t, store, u1Second, room, ids.Now())
	require.NoError(t, m1Again.OnEvent(mctx, signaling.Event{Kind: signaling.EventJoined, JoinedSlots: slots}))

	var data FrontendData
	require.NoError(t, jsonUnmarshal(slots.FrontendData, &data))

	require.True(t, data.Enabled)
	require.Empty(t, data.RoomHistory)
	require.Empty(t, data.GroupsHistory)
	require.Empty(t, data.PrivateHistory)
	require.NotNil(t, data.LastSeenTimestampGlobal)
	require.Equal(t, ts1.Time().UTC(), data.LastSeenTimestampGlobal.Time().UTC())
	require.Equal(t, ts1.Time().UTC(), data.LastSeenTimestampsGroup["group1"].Time().UTC())
	require.Equal(t, ts2.Time().UTC(), data.LastSeenTimestampsPrivate[u2].Time().UTC())
}

func TestChatMessageHistoryReplayedOnJoin(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	room := ids.MainRoom(ids.RoomId("room-2"))
	u1 := ids.ParticipantId("u1")
	u2 := ids.ParticipantId("u2")

	m1 := Init(u1, room, "u1", Params{Enabled: true})
	mctx, _, _ := newCtx(t, store, u1, room, ids.Now())
	require.NoError(t, m1.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionSendMessage, Scope: &Scope{Kind: ScopeRoom}, Content: "hello room",
	})}))

	m2 := Init(u2, room, "u2", Params{Enabled: true})
	slots := &signaling.JoinedSlots{}
	mctx, _, _ = newCtx(t, store, u2, room, ids.Now())
	require.NoError(t, m2.OnEvent(mctx, signaling.Event{Kind: signaling.EventJoined, JoinedSlots: slots}))

	var data FrontendData
	require.NoError(t, jsonUnmarshal(slots.FrontendData, &data))
	require.Len(t, data.RoomHistory, 1)
	require.Equal(t, "hello room", data.RoomHistory[0].Content)
}

func TestChatInitRefusesWhenDisabled(t *testing.T) {
	require.Nil(t, Init(ids.ParticipantId("p"), ids.MainRoom(ids.RoomId("r")), "p", Params{Enabled: false}))
}
