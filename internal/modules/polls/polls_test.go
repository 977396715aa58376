package polls

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

func newCtx(store storage.Storage, self ids.ParticipantId, role ids.Role, room ids.SignalingRoomId, ts ids.Timestamp) (*signaling.ModuleContext, *[]signaling.OutgoingMessage, *[]signaling.ExchangePublication, *[]signaling.EventStream) {
	outgoing := &[]signaling.OutgoingMessage{}
	publish := &[]signaling.ExchangePublication{}
	streams := &[]signaling.EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode
	return signaling.NewModuleContext(context.Background(), self, role, room, ts, Namespace, store, outgoing, publish, streams, invalidate, &exitCode),
		outgoing, publish, streams
}

func outgoingOf(t *testing.T, outgoing *[]signaling.OutgoingMessage, idx int) Outgoing {
	t.Helper()
	var out Outgoing
	require.NoError(t, jsonUnmarshal(mustJSON(t, (*outgoing)[idx].Payload), &out))
	return out
}

// TestPollFullCycle exercises test vector S3: start, two votes, a revote to a different choice,
// then a revote selecting multiple choices, checking the live tally after each step.
func TestPollFullCycle(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	moderator := Init("mod", mainRoom)
	mctx, _, publish, _ := newCtx(store, "mod", ids.RoleModerator, mainRoom, ids.Now())
	require.NoError(t, moderator.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionStart, Topic: "favorite color", Live: true, MultipleChoice: true,
		Choices: []string{"red", "green", "blue"}, DurationSeconds: 3600,
	})}))
	require.Len(t, *publish, 1)

	u1 := Init("u1", mainRoom)
	u2 := Init("u2", mainRoom)

	vote := func(mod *Module, self ids.ParticipantId, choices []int) []int {
		mctx, _, publish, _ := newCtx(store, self, ids.RoleUser, mainRoom, ids.Now())
		require.NoError(t, mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionVote, ChoiceIds: choices})}))
		require.Len(t, *publish, 1)

		observer := Init("observer", mainRoom)
		octx, outgoing, _, _ := newCtx(store, "observer", ids.RoleUser, mainRoom, ids.Now())
		require.NoError(t, observer.OnEvent(octx, signaling.Event{Kind: signaling.EventExchange, RawPayload: mustJSON(t, (*publish)[0].Payload)}))
		require.Len(t, *outgoing, 1)
		out := outgoingOf(t, outgoing, 0)
		require.Equal(t, outLiveUpdate, out.Type)
		return out.Counts
	}

	require.Equal(t, []int{1, 0, 0}, vote(u1, "u1", []int{0}))
	require.Equal(t, []int{1, 1, 0}, vote(u2, "u2", []int{1}))
	require.Equal(t, []int{1, 0, 1}, vote(u2, "u2", []int{2}))
	require.Equal(t, []int{2, 1, 0}, vote(u2, "u2", []int{0, 1}))
}

func TestPollStartRequiresModerator(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	mod := Init("u1", mainRoom)
	mctx, _, _, _ := newCtx(store, "u1", ids.RoleUser, mainRoom, ids.Now())
	err = mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionStart})})
	require.Error(t, err)
}

func TestPollSingleChoiceRejectsMultipleVotes(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))

	moderator := Init("mod", mainRoom)
	mctx, _, _, _ := newCtx(store, "mod", ids.RoleModerator, mainRoom, ids.Now())
	require.NoError(t, moderator.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{
		Action: ActionStart, Choices: []string{"a", "b"}, DurationSeconds: 3600,
	})}))

	u1 := Init("u1", mainRoom)
	uctx, _, _, _ := newCtx(store, "u1", ids.RoleUser, mainRoom, ids.Now())
	err = u1.OnEvent(uctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionVote, ChoiceIds: []int{0, 1}})})
	require.Error(t, err)
}
