package recording

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

func newCtx(store storage.Storage, self ids.ParticipantId, role ids.Role, room ids.SignalingRoomId, ts ids.Timestamp) (*signaling.ModuleContext, *[]signaling.OutgoingMessage, *[]signaling.ExchangePublication) {
	outgoing := &[]signaling.OutgoingMessage{}
	publish := &[]signaling.ExchangePublication{}
	streams := &[]signaling.EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode
	return signaling.NewModuleContext(context.Background(), self, role, room, ts, Namespace, store, outgoing, publish, streams, invalidate, &exitCode),
		outgoing, publish
}

func TestRecordingInitAbsentWithoutTariffFeature(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))
	_, err = store.TryInitTariff(context.Background(), mainRoom.Room, storage.Tariff{Name: "free"})
	require.NoError(t, err)

	mod, err := Init(context.Background(), store, "u1", mainRoom)
	require.NoError(t, err)
	require.Nil(t, mod)
}

func TestRecordingStartRequiresAllConsent(t *testing.T) {
	store, err := storage.NewMemoryStorage()
	require.NoError(t, err)
	defer store.Close()
	mainRoom := ids.MainRoom(ids.RoomId("r1"))
	_, err = store.TryInitTariff(context.Background(), mainRoom.Room, storage.Tariff{Name: "pro", Features: map[string]bool{"recording": true}})
	require.NoError(t, err)

	_, err = store.ParticipantSetAdd(context.Background(), mainRoom, "u1")
	require.NoError(t, err)
	_, err = store.ParticipantSetAdd(context.Background(), mainRoom, "u2")
	require.NoError(t, err)
	require.NoError(t, store.AttributeSet(context.Background(), storage.LocalScope(mainRoom), storage.AttrRecordingConsent, "u1", true))

	mod, err := Init(context.Background(), store, "mod", mainRoom)
	require.NoError(t, err)
	require.NotNil(t, mod)

	mctx, _, _ := newCtx(store, "mod", ids.RoleModerator, mainRoom, ids.Now())
	err = mod.OnEvent(mctx, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionStart})})
	require.Error(t, err)

	require.NoError(t, store.AttributeSet(context.Background(), storage.LocalScope(mainRoom), storage.AttrRecordingConsent, "u2", true))
	mctx2, _, publish := newCtx(store, "mod", ids.RoleModerator, mainRoom, ids.Now())
	require.NoError(t, mod.OnEvent(mctx2, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: mustJSON(t, Incoming{Action: ActionStart})}))
	require.Len(t, *publish, 1)
}
