package signaling

import (
	"context"
	"encoding/json"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/storage"
)

// Module is the contract every signaling module implements (spec.md §4.3). Unlike the
// original trait-with-associated-types design, the dispatcher stores modules behind this
// single interface and moves payloads as raw JSON at the boundary: each module unmarshals
// Event.RawPayload into its own Incoming/ExchangeMessage types, and Registry (registry.go)
// holds the Module values directly with no adapter layer.
type Module interface {
	// Namespace returns the stable short id used as the JSON envelope tag and exchange
	// routing-key suffix for this module instance.
	Namespace() ids.ModuleId

	// OnEvent executes once per delivered Event. It must not block; long-running work is
	// dispatched through ctx.AddEventStream and observed later as an Ext event.
	OnEvent(ctx *ModuleContext, event Event) error

	// OnDestroy is called exactly once as the owning runner exits.
	OnDestroy(ctx *DestroyContext)

	// ProvidedFeatures lists the capabilities this module advertises via the tariff
	// endpoint, e.g. "chat", "breakout".
	ProvidedFeatures() []ids.FeatureId
}

// EventKind discriminates the Event union (spec.md §4.3).
type EventKind int

const (
	EventJoined EventKind = iota
	EventLeaving
	EventRaiseHand
	EventLowerHand
	EventParticipantJoined
	EventParticipantLeft
	EventParticipantUpdated
	EventRoleUpdated
	EventWsMessage
	EventExchange
	EventExt
)

// JoinedSlots are the out-parameters a module fills in while handling EventJoined; the
// dispatcher merges them into the JoinSuccess control frame (spec.md §4.3 "Slots").
type JoinedSlots struct {
	// FrontendData, if set, is merged under module_data[namespace] of JoinSuccess.
	FrontendData json.RawMessage
	// PeerFrontendData, if set, describes this module's view of every peer already
	// present, keyed by participant id; merged into their descriptor's module_data map.
	PeerFrontendData map[ids.ParticipantId]json.RawMessage
}

// ParticipantSlot is filled in by a module for ParticipantJoined/Updated broadcasts so peers
// receive this module's PeerFrontendData for the participant in question.
type ParticipantSlot struct {
	PeerFrontendData json.RawMessage
}

// Event is the sum type dispatched to modules, mirroring spec.md §4.3.
type Event struct {
	Kind EventKind

	// Populated for EventJoined.
	JoinedSlots *JoinedSlots

	// Populated for EventParticipantJoined/Updated.
	Participant     ids.ParticipantId
	ParticipantSlot *ParticipantSlot

	// Populated for EventRoleUpdated.
	Role ids.Role

	// Populated for EventWsMessage / EventExchange: raw JSON payload for the module to
	// unmarshal into its own Incoming/ExchangeMessage type.
	RawPayload json.RawMessage

	// Populated for EventExt: an opaque value produced by a stream the module registered.
	ExtEvent any
}

// OutgoingMessage is a module's buffered reply, wrapped by the dispatcher into the WS
// envelope `{namespace, timestamp, payload}`.
type OutgoingMessage struct {
	Namespace ids.ModuleId
	Payload   any
	// OverrideTimestamp, if non-nil, is used instead of the event's dispatch timestamp —
	// used when replaying a past event to a newly-joined peer (spec.md §4.5).
	OverrideTimestamp *ids.Timestamp
}

// ExchangePublication is a module's request to publish onto the exchange, tagged with the
// module namespace so the receiving dispatcher can route it back to the same module.
type ExchangePublication struct {
	RoutingKey string
	Namespace  ids.ModuleId
	Payload    any
}

// ModuleContext is handed to OnEvent. It exposes everything spec.md §4.3 describes for
// ModuleContext: queues for outgoing messages and exchange publications are runner-owned
// slices the module appends to; nothing here blocks.
type ModuleContext struct {
	ctx context.Context

	Self      ids.ParticipantId
	Role      ids.Role
	Room      ids.SignalingRoomId
	Timestamp ids.Timestamp

	namespace ids.ModuleId
	storage   storage.Storage

	outgoing  *[]OutgoingMessage
	publish   *[]ExchangePublication
	streams   *[]EventStream
	invalidate *bool
	exitCode  **ids.CloseCode
}

func NewModuleContext(
	parent context.Context,
	self ids.ParticipantId,
	role ids.Role,
	room ids.SignalingRoomId,
	timestamp ids.Timestamp,
	namespace ids.ModuleId,
	store storage.Storage,
	outgoing *[]OutgoingMessage,
	publish *[]ExchangePublication,
	streams *[]EventStream,
	invalidate *bool,
	exitCode **ids.CloseCode,
) *ModuleContext {
	return &ModuleContext{
		ctx: parent, Self: self, Role: role, Room: room, Timestamp: timestamp,
		namespace: namespace, storage: store,
		outgoing: outgoing, publish: publish, streams: streams,
		invalidate: invalidate, exitCode: exitCode,
	}
}

func (c *ModuleContext) Context() context.Context { return c.ctx }

func (c *ModuleContext) Storage() storage.Storage { return c.storage }

// WsSend buffers an outgoing message stamped with the current event timestamp.
func (c *ModuleContext) WsSend(payload any) {
	*c.outgoing = append(*c.outgoing, OutgoingMessage{Namespace: c.namespace, Payload: payload})
}

// WsSendOverwriteTimestamp buffers an outgoing message stamped with an explicit timestamp,
// used when replaying a past event so the client's clock sees the original time.
func (c *ModuleContext) WsSendOverwriteTimestamp(payload any, ts ids.Timestamp) {
	*c.outgoing = append(*c.outgoing, OutgoingMessage{Namespace: c.namespace, Payload: payload, OverrideTimestamp: &ts})
}

// ExchangePublish buffers a publication onto routingKey tagged with this module's namespace.
func (c *ModuleContext) ExchangePublish(routingKey string, payload any) {
	*c.publish = append(*c.publish, ExchangePublication{RoutingKey: routingKey, Namespace: c.namespace, Payload: payload})
}

// ExchangePublishToNamespace publishes raw bytes addressed to a specific module namespace,
// used when one module needs to talk to its peer instance in another room/controller
// (e.g. breakout forwarding a control-ish event to itself in the new room).
func (c *ModuleContext) ExchangePublishToNamespace(routingKey string, namespace ids.ModuleId, payload any) {
	*c.publish = append(*c.publish, ExchangePublication{RoutingKey: routingKey, Namespace: namespace, Payload: payload})
}

// AddEventStream registers a stream of ExtEvents that will be fused into the runner's select
// loop and delivered back to this module as EventExt.
func (c *ModuleContext) AddEventStream(s EventStream) {
	*c.streams = append(*c.streams, s)
}

// InvalidateData marks that this participant's public state changed and should be
// re-broadcast to the room after the current event finishes processing.
func (c *ModuleContext) InvalidateData() {
	*c.invalidate = true
}

// Exit queues a close frame with the given code; the runner flushes pending messages and
// transitions to Leaving after the current event finishes.
func (c *ModuleContext) Exit(code ids.CloseCode) {
	*c.exitCode = &code
}

// EventStream is a channel of opaque values a module wants delivered back to it as EventExt.
// Implementations close the channel when no more events will be produced.
type EventStream struct {
	Namespace ids.ModuleId
	Events    <-chan any
}

// DestroyContext is handed to OnDestroy exactly once as the runner exits (spec.md §4.3).
type DestroyContext struct {
	ctx     context.Context
	storage storage.Storage
	Room    ids.SignalingRoomId
	Scope   ids.CleanupScope
}

func NewDestroyContext(parent context.Context, store storage.Storage, room ids.SignalingRoomId, scope ids.CleanupScope) *DestroyContext {
	return &DestroyContext{ctx: parent, storage: store, Room: room, Scope: scope}
}

func (c *DestroyContext) Context() context.Context { return c.ctx }
func (c *DestroyContext) Storage() storage.Storage { return c.storage }

// DestroyRoom reports whether this destroy should purge room-global (not just breakout-local)
// module keys.
func (c *DestroyContext) DestroyRoom() bool { return c.Scope == ids.CleanupGlobal }
