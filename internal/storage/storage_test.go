package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/otcontroller/signaling/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns one instance of every Storage implementation so the conformance checks below
// run identically against both — the interface promises backend-agnostic behavior, so the tests
// should too.
func backends(t *testing.T) map[string]Storage {
	t.Helper()

	mem, err := NewMemoryStorage()
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rs, err := NewRedisStorage(mr.Addr(), "", 0)
	require.NoError(t, err)

	return map[string]Storage{
		"memory": mem,
		"redis":  rs,
	}
}

func TestParticipantSet(t *testing.T) {
	room := ids.SignalingRoomId{Room: ids.RoomId("room-1")}
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			exists, err := store.ParticipantSetExists(ctx, room)
			require.NoError(t, err)
			assert.False(t, exists)

			inserted, err := store.ParticipantSetAdd(ctx, room, "p1")
			require.NoError(t, err)
			assert.True(t, inserted)

			inserted, err = store.ParticipantSetAdd(ctx, room, "p1")
			require.NoError(t, err)
			assert.False(t, inserted, "re-adding an existing member should report no insertion")

			contains, err := store.ParticipantSetContains(ctx, room, "p1")
			require.NoError(t, err)
			assert.True(t, contains)

			all, err := store.ParticipantSetCheckAllExist(ctx, room, []ids.ParticipantId{"p1"})
			require.NoError(t, err)
			assert.True(t, all)

			all, err = store.ParticipantSetCheckAllExist(ctx, room, []ids.ParticipantId{"p1", "ghost"})
			require.NoError(t, err)
			assert.False(t, all)

			require.NoError(t, store.ParticipantSetRemove(ctx, room, "p1"))
			contains, err = store.ParticipantSetContains(ctx, room, "p1")
			require.NoError(t, err)
			assert.False(t, contains)
		})
	}
}

func TestAttributesAndBulk(t *testing.T) {
	room := ids.SignalingRoomId{Room: ids.RoomId("room-1")}
	scope := LocalScope(room)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			require.NoError(t, store.AttributeSet(ctx, scope, AttrDisplayName, "p1", "Alice"))

			val, found, err := store.AttributeGet(ctx, scope, AttrDisplayName, "p1")
			require.NoError(t, err)
			require.True(t, found)
			assert.JSONEq(t, `"Alice"`, string(val))

			_, found, err = store.AttributeGet(ctx, scope, AttrDisplayName, "p2")
			require.NoError(t, err)
			assert.False(t, found)

			var batch BulkActions
			batch.Set(scope, AttrRole, "p1", "moderator").
				Get(scope, AttrDisplayName, "p1").
				Get(scope, AttrRole, "p1").
				Delete(scope, AttrDisplayName, "p1")

			results, err := store.Bulk(ctx, batch)
			require.NoError(t, err)
			require.Len(t, results, 2, "only Get actions produce a result entry")
			assert.JSONEq(t, `"Alice"`, string(results[0].Value))
			assert.JSONEq(t, `"moderator"`, string(results[1].Value))

			_, found, err = store.AttributeGet(ctx, scope, AttrDisplayName, "p1")
			require.NoError(t, err)
			assert.False(t, found, "bulk delete inside the same batch must take effect")
		})
	}
}

func TestRoomSingletonsCompareAndSet(t *testing.T) {
	room := ids.RoomId("room-1")
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			first, err := store.TryInitTariff(ctx, room, Tariff{Name: "free"})
			require.NoError(t, err)
			assert.Equal(t, "free", first.Name)

			second, err := store.TryInitTariff(ctx, room, Tariff{Name: "pro"})
			require.NoError(t, err)
			assert.Equal(t, "free", second.Name, "a later TryInit must not overwrite the winner")

			got, err := store.GetTariff(ctx, room)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "free", got.Name)

			require.NoError(t, store.DeleteTariff(ctx, room))
			got, err = store.GetTariff(ctx, room)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestParticipantCountSaturates(t *testing.T) {
	room := ids.RoomId("room-1")
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			n, err := store.IncrementParticipantCount(ctx, room)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = store.DecrementParticipantCount(ctx, room)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)

			n, err = store.DecrementParticipantCount(ctx, room)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n, "count must never go negative")
		})
	}
}

func TestRoomClosesAtFirstWriterWins(t *testing.T) {
	room := ids.SignalingRoomId{Room: ids.RoomId("room-1")}
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			first := ids.Timestamp(time.Unix(1000, 0).UTC())
			second := ids.Timestamp(time.Unix(2000, 0).UTC())

			set, err := store.SetRoomClosesAt(ctx, room, first)
			require.NoError(t, err)
			assert.True(t, set)

			set, err = store.SetRoomClosesAt(ctx, room, second)
			require.NoError(t, err)
			assert.False(t, set)

			got, err := store.GetRoomClosesAt(ctx, room)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Time().Equal(first.Time()))
		})
	}
}

func TestSkipWaitingRoomExpiry(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			require.NoError(t, store.SetSkipWaitingRoomWithExpiryNX(ctx, "p1", true, time.Minute))
			require.NoError(t, store.SetSkipWaitingRoomWithExpiryNX(ctx, "p1", false, time.Minute))

			value, err := store.GetSkipWaitingRoom(ctx, "p1")
			require.NoError(t, err)
			assert.True(t, value, "NX set must not overwrite an existing flag")
		})
	}
}

func TestConsumeNonce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			first, err := store.ConsumeNonce(ctx, "ticket", "jti-1", time.Minute)
			require.NoError(t, err)
			assert.True(t, first, "first consume of a (namespace, id) pair must report firstUse")

			second, err := store.ConsumeNonce(ctx, "ticket", "jti-1", time.Minute)
			require.NoError(t, err)
			assert.False(t, second, "replaying the same jti must not be accepted twice")

			other, err := store.ConsumeNonce(ctx, "ticket", "jti-2", time.Minute)
			require.NoError(t, err)
			assert.True(t, other, "a distinct id under the same namespace is unaffected")
		})
	}
}

func TestModuleValuesAndLists(t *testing.T) {
	room := ids.SignalingRoomId{Room: ids.RoomId("room-1")}
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			require.NoError(t, store.ModuleValueSet(ctx, room, "breakout:config", map[string]int{"rooms": 3}))
			val, found, err := store.ModuleValueGet(ctx, room, "breakout:config")
			require.NoError(t, err)
			require.True(t, found)
			assert.JSONEq(t, `{"rooms":3}`, string(val))

			require.NoError(t, store.ModuleListAppend(ctx, room, "polls:history", "poll-1"))
			require.NoError(t, store.ModuleListAppend(ctx, room, "polls:history", "poll-2"))

			all, err := store.ModuleListAll(ctx, room, "polls:history")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.JSONEq(t, `"poll-1"`, string(all[0]))
			assert.JSONEq(t, `"poll-2"`, string(all[1]))
		})
	}
}
