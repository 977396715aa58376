package signaling

import (
	"context"
	"testing"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingModule struct {
	namespace ids.ModuleId
	events    []EventKind
	destroyed bool
	failNext  bool
}

func (m *recordingModule) Namespace() ids.ModuleId { return m.namespace }

func (m *recordingModule) OnEvent(ctx *ModuleContext, event Event) error {
	m.events = append(m.events, event.Kind)
	if m.failNext {
		m.failNext = false
		return NewStateError("boom", "intentional test failure")
	}
	ctx.WsSend(map[string]string{"ack": string(m.namespace)})
	return nil
}

func (m *recordingModule) OnDestroy(ctx *DestroyContext) { m.destroyed = true }

func (m *recordingModule) ProvidedFeatures() []ids.FeatureId {
	return []ids.FeatureId{ids.FeatureId(m.namespace)}
}

func newDispatchArgs() (DispatchArgs, *[]OutgoingMessage) {
	outgoing := &[]OutgoingMessage{}
	publish := &[]ExchangePublication{}
	streams := &[]EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode

	return DispatchArgs{
		Ctx:        context.Background(),
		Self:       "p1",
		Role:       ids.RoleUser,
		Room:       ids.MainRoom("room-1"),
		Timestamp:  ids.Now(),
		Outgoing:   outgoing,
		Publish:    publish,
		Streams:    streams,
		Invalidate: invalidate,
		ExitCode:   &exitCode,
	}, outgoing
}

func TestRegistryTargetedDispatch(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	chat := &recordingModule{namespace: "chat"}
	registry.Add(chat)

	args, outgoing := newDispatchArgs()
	err := registry.OnEventTargeted(args, "chat", Event{Kind: EventWsMessage})
	require.NoError(t, err)

	assert.Equal(t, []EventKind{EventWsMessage}, chat.events)
	require.Len(t, *outgoing, 1)
	assert.Equal(t, ids.ModuleId("chat"), (*outgoing)[0].Namespace)
}

func TestRegistryTargetedDispatchUnknownNamespace(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	args, _ := newDispatchArgs()

	err := registry.OnEventTargeted(args, "does-not-exist", Event{Kind: EventWsMessage})
	assert.ErrorIs(t, err, ErrNoSuchModule)
}

func TestRegistryBroadcastReachesEveryModuleInOrder(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	chat := &recordingModule{namespace: "chat"}
	polls := &recordingModule{namespace: "polls"}
	registry.Add(chat)
	registry.Add(polls)

	args, outgoing := newDispatchArgs()
	registry.OnEventBroadcast(args, Event{Kind: EventParticipantJoined, Participant: "p2"})

	assert.Equal(t, []EventKind{EventParticipantJoined}, chat.events)
	assert.Equal(t, []EventKind{EventParticipantJoined}, polls.events)
	require.Len(t, *outgoing, 2, "both modules should have buffered an outgoing message")
}

func TestRegistryModuleErrorDoesNotStopOtherModules(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	failing := &recordingModule{namespace: "chat", failNext: true}
	healthy := &recordingModule{namespace: "polls"}
	registry.Add(failing)
	registry.Add(healthy)

	args, outgoing := newDispatchArgs()
	registry.OnEventBroadcast(args, Event{Kind: EventLeaving})

	assert.Equal(t, []EventKind{EventLeaving}, failing.events)
	assert.Equal(t, []EventKind{EventLeaving}, healthy.events)
	require.Len(t, *outgoing, 1, "only the healthy module should have produced output")
}

func TestRegistryDestroyCallsEveryModuleOnce(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	chat := &recordingModule{namespace: "chat"}
	polls := &recordingModule{namespace: "polls"}
	registry.Add(chat)
	registry.Add(polls)

	registry.Destroy(context.Background(), nil, ids.MainRoom("room-1"), ids.CleanupGlobal)

	assert.True(t, chat.destroyed)
	assert.True(t, polls.destroyed)
	assert.Empty(t, registry.order)
}

func TestRegistryFeatures(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	registry.Add(&recordingModule{namespace: "chat"})
	registry.Add(&recordingModule{namespace: "polls"})

	features := registry.Features()
	assert.ElementsMatch(t, []ids.FeatureId{"chat"}, features["chat"])
	assert.ElementsMatch(t, []ids.FeatureId{"polls"}, features["polls"])
}
