package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/otcontroller/signaling/internal/exchange"
	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
	"github.com/otcontroller/signaling/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRoom(t *testing.T) (*Room, storage.Storage, *exchange.Exchange) {
	t.Helper()
	mem, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	ex := exchange.NewExchange(zap.NewNop())
	t.Cleanup(ex.Close)

	return New(zap.NewNop(), mem, ex), mem, ex
}

func TestJoinBootstrapsCreatorTariffOnce(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()
	main := ids.MainRoom("room-1")

	first, err := r.Join(ctx, main, "p1",
		storage.CreatorInfo{DisplayName: "Alice"},
		storage.Tariff{Name: "default"},
		nil,
		ParticipantInfo{DisplayName: "Alice", Role: ids.RoleModerator, Kind: ids.KindUser},
	)
	require.NoError(t, err)
	assert.True(t, first.Bootstrapped)
	assert.Equal(t, "Alice", first.Creator.DisplayName)

	second, err := r.Join(ctx, main, "p2",
		storage.CreatorInfo{DisplayName: "Bob"},
		storage.Tariff{Name: "should-not-win"},
		nil,
		ParticipantInfo{DisplayName: "Bob", Role: ids.RoleUser, Kind: ids.KindUser},
	)
	require.NoError(t, err)
	assert.False(t, second.Bootstrapped)
	assert.Equal(t, "Alice", second.Creator.DisplayName, "second joiner observes the first joiner's captured creator")
	assert.Equal(t, "default", second.Tariff.Name)
}

func TestJoinAddsToSetIncrementsCountAndSetsAttributes(t *testing.T) {
	r, store, _ := newTestRoom(t)
	ctx := context.Background()
	main := ids.MainRoom("room-2")

	_, err := r.Join(ctx, main, "p1", storage.CreatorInfo{}, storage.Tariff{}, nil,
		ParticipantInfo{DisplayName: "Alice", Role: ids.RoleUser, Kind: ids.KindUser})
	require.NoError(t, err)

	contains, err := store.ParticipantSetContains(ctx, main, "p1")
	require.NoError(t, err)
	assert.True(t, contains)

	count, ok, err := store.GetParticipantCount(ctx, main.Room)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), count)

	raw, found, err := store.AttributeGet(ctx, storage.LocalScope(main), storage.AttrDisplayName, "p1")
	require.NoError(t, err)
	require.True(t, found)
	var name string
	require.NoError(t, json.Unmarshal(raw, &name))
	assert.Equal(t, "Alice", name)
}

func TestJoinIsIdempotentForSameParticipant(t *testing.T) {
	r, store, _ := newTestRoom(t)
	ctx := context.Background()
	main := ids.MainRoom("room-3")

	info := ParticipantInfo{DisplayName: "Alice", Role: ids.RoleUser, Kind: ids.KindUser}
	_, err := r.Join(ctx, main, "p1", storage.CreatorInfo{}, storage.Tariff{}, nil, info)
	require.NoError(t, err)

	second, err := r.Join(ctx, main, "p1", storage.CreatorInfo{}, storage.Tariff{}, nil, info)
	require.NoError(t, err)
	assert.True(t, second.AlreadyJoined)

	count, _, err := store.GetParticipantCount(ctx, main.Room)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "rejoining the same participant must not double-count")
}

func TestLeaveLastParticipantTriggersGlobalDestroy(t *testing.T) {
	r, store, _ := newTestRoom(t)
	ctx := context.Background()
	main := ids.MainRoom("room-4")

	_, err := r.Join(ctx, main, "p1", storage.CreatorInfo{DisplayName: "Alice"}, storage.Tariff{Name: "t"}, nil,
		ParticipantInfo{DisplayName: "Alice", Role: ids.RoleUser, Kind: ids.KindUser})
	require.NoError(t, err)

	scope, err := r.Leave(ctx, main, "p1")
	require.NoError(t, err)
	assert.Equal(t, ids.CleanupGlobal, scope)

	tariff, err := store.GetTariff(ctx, main.Room)
	require.NoError(t, err)
	assert.Nil(t, tariff, "global destroy clears the tariff singleton")

	exists, err := store.ParticipantSetExists(ctx, main)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLeaveWithOtherParticipantsDoesNotDestroy(t *testing.T) {
	r, _, _ := newTestRoom(t)
	ctx := context.Background()
	main := ids.MainRoom("room-5")
	info := ParticipantInfo{DisplayName: "x", Role: ids.RoleUser, Kind: ids.KindUser}

	_, err := r.Join(ctx, main, "p1", storage.CreatorInfo{}, storage.Tariff{}, nil, info)
	require.NoError(t, err)
	_, err = r.Join(ctx, main, "p2", storage.CreatorInfo{}, storage.Tariff{}, nil, info)
	require.NoError(t, err)

	scope, err := r.Leave(ctx, main, "p1")
	require.NoError(t, err)
	assert.Equal(t, ids.CleanupNone, scope)
}

func TestLeaveMainRoomLocalDestroyWhileBreakoutActive(t *testing.T) {
	r, store, _ := newTestRoom(t)
	ctx := context.Background()
	roomId := ids.RoomId("room-6")
	main := ids.MainRoom(roomId)
	breakoutId := ids.NewBreakoutRoomId()
	breakout := ids.BreakoutRoom(roomId, breakoutId)
	info := ParticipantInfo{DisplayName: "x", Role: ids.RoleUser, Kind: ids.KindUser}

	_, err := r.Join(ctx, main, "p1", storage.CreatorInfo{}, storage.Tariff{Name: "t"}, nil, info)
	require.NoError(t, err)
	_, err = r.Join(ctx, breakout, "p2", storage.CreatorInfo{}, storage.Tariff{}, nil, info)
	require.NoError(t, err)

	scope, err := r.Leave(ctx, main, "p1")
	require.NoError(t, err)
	assert.Equal(t, ids.CleanupLocal, scope, "the breakout still carries the room, so only a local destroy happens")

	tariff, err := store.GetTariff(ctx, roomId)
	require.NoError(t, err)
	require.NotNil(t, tariff, "room-global singletons survive a local destroy")
	assert.Equal(t, "t", tariff.Name)

	mainExists, err := store.ParticipantSetExists(ctx, main)
	require.NoError(t, err)
	assert.False(t, mainExists)
}

func TestLeaveRoomClosesAtPastForcesGlobalDestroy(t *testing.T) {
	r, store, _ := newTestRoom(t)
	ctx := context.Background()
	roomId := ids.RoomId("room-7")
	main := ids.MainRoom(roomId)
	breakoutId := ids.NewBreakoutRoomId()
	breakout := ids.BreakoutRoom(roomId, breakoutId)
	info := ParticipantInfo{DisplayName: "x", Role: ids.RoleUser, Kind: ids.KindUser}

	_, err := r.Join(ctx, main, "p1", storage.CreatorInfo{}, storage.Tariff{}, nil, info)
	require.NoError(t, err)
	_, err = r.Join(ctx, breakout, "p2", storage.CreatorInfo{}, storage.Tariff{}, nil, info)
	require.NoError(t, err)

	past := ids.Now().Add(-time.Hour)
	_, err = store.SetRoomClosesAt(ctx, main, past)
	require.NoError(t, err)

	scope, err := r.Leave(ctx, main, "p1")
	require.NoError(t, err)
	assert.Equal(t, ids.CleanupGlobal, scope, "a past closes_at forces global destroy even with an active breakout")
}

func TestKickPublishesTargetedModerationEvent(t *testing.T) {
	r, _, ex := newTestRoom(t)
	main := ids.MainRoom("room-8")
	sub := ex.Subscribe(ByParticipantRoutingKey(main, "target"))
	defer sub.Close()

	require.NoError(t, r.Kick(main, "mod1", "target", "disruptive"))

	select {
	case msg := <-sub.Messages:
		var env wire.Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &env))
		assert.Equal(t, wire.ControlNamespace, env.Namespace)
		var ev ModerationEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		assert.Equal(t, ActionKicked, ev.Action)
		assert.Equal(t, ids.ParticipantId("mod1"), ev.By)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for kick event")
	}
}

func TestBanRecordsAndRejectsFutureJoin(t *testing.T) {
	r, _, ex := newTestRoom(t)
	ctx := context.Background()
	main := ids.MainRoom("room-9")
	sub := ex.Subscribe(ByParticipantRoutingKey(main, "target"))
	defer sub.Close()

	require.NoError(t, r.Ban(ctx, main, "mod1", "target", "abuse"))

	select {
	case msg := <-sub.Messages:
		var env wire.Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &env))
		var ev ModerationEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		assert.Equal(t, ActionBanned, ev.Action)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ban event")
	}

	_, err := r.Join(ctx, main, "target", storage.CreatorInfo{}, storage.Tariff{}, nil,
		ParticipantInfo{DisplayName: "x", Role: ids.RoleUser, Kind: ids.KindUser})
	require.Error(t, err)
	sigErr, ok := signaling.AsSignalingError(err)
	require.True(t, ok)
	assert.Equal(t, signaling.KindAuthorization, sigErr.Kind)
}

func TestDebriefPublishesToAllRoomRoutingKey(t *testing.T) {
	r, _, ex := newTestRoom(t)
	roomId := ids.RoomId("room-10")
	sub := ex.Subscribe(AllRoomRoutingKey(roomId))
	defer sub.Close()

	require.NoError(t, r.Debrief(roomId, "mod1", []ids.Role{ids.RoleUser, ids.RoleGuest}))

	select {
	case msg := <-sub.Messages:
		var env wire.Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &env))
		var ev DebriefEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		assert.Equal(t, "all_participants", ev.Action)
		assert.ElementsMatch(t, []ids.Role{ids.RoleUser, ids.RoleGuest}, ev.RoleScope)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debrief event")
	}
}
