package signaling

import (
	"context"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/storage"
	"go.uber.org/zap"
)

// Registry holds every module instance attached to one runner and dispatches events to them,
// adapted from original_source/controller/src/api/signaling/ws/modules.rs's `Modules`. Where the
// Rust source stores `Box<dyn ModuleCaller>` behind a generic adapter to keep each module's
// concrete Incoming/Outgoing types, the Go registry just holds the `Module` interface directly —
// the JSON boundary already lives inside Event.RawPayload, so no adapter layer is needed.
type Registry struct {
	logger  *zap.Logger
	order   []ids.ModuleId
	modules map[ids.ModuleId]Module
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, modules: map[ids.ModuleId]Module{}}
}

// Add registers a module. Call before the runner starts dispatching events.
func (r *Registry) Add(m Module) {
	ns := m.Namespace()
	if _, exists := r.modules[ns]; !exists {
		r.order = append(r.order, ns)
	}
	r.modules[ns] = m
}

// Features returns every feature every registered module advertises, keyed by namespace.
func (r *Registry) Features() map[ids.ModuleId][]ids.FeatureId {
	out := make(map[ids.ModuleId][]ids.FeatureId, len(r.modules))
	for ns, m := range r.modules {
		out[ns] = m.ProvidedFeatures()
	}
	return out
}

// DispatchArgs bundles everything OnEventTargeted/OnEventBroadcast need to build a ModuleContext
// per call; the runner owns the backing slices/bools and drains them after dispatch completes.
type DispatchArgs struct {
	Ctx       context.Context
	Self      ids.ParticipantId
	Role      ids.Role
	Room      ids.SignalingRoomId
	Timestamp ids.Timestamp
	Storage   storage.Storage

	Outgoing   *[]OutgoingMessage
	Publish    *[]ExchangePublication
	Streams    *[]EventStream
	Invalidate *bool
	ExitCode   **ids.CloseCode
}

func (a DispatchArgs) newContext(namespace ids.ModuleId) *ModuleContext {
	return NewModuleContext(
		a.Ctx, a.Self, a.Role, a.Room, a.Timestamp, namespace, a.Storage,
		a.Outgoing, a.Publish, a.Streams, a.Invalidate, a.ExitCode,
	)
}

// OnEventTargeted delivers an Event addressed to exactly one module namespace, mirroring
// Modules::on_event_targeted. A module error is logged and swallowed rather than propagated —
// one misbehaving module must not drop the rest of the dispatch.
func (r *Registry) OnEventTargeted(args DispatchArgs, namespace ids.ModuleId, event Event) error {
	module, ok := r.modules[namespace]
	if !ok {
		return ErrNoSuchModule
	}
	if err := module.OnEvent(args.newContext(namespace), event); err != nil {
		r.logger.Error("module failed to handle event", zap.String("namespace", string(namespace)), zap.Error(err))
	}
	return nil
}

// OnEventBroadcast delivers an Event to every registered module in registration order, mirroring
// Modules::on_event_broadcast.
func (r *Registry) OnEventBroadcast(args DispatchArgs, event Event) {
	for _, namespace := range r.order {
		module := r.modules[namespace]
		if err := module.OnEvent(args.newContext(namespace), event); err != nil {
			r.logger.Error("module failed to handle broadcast event", zap.String("namespace", string(namespace)), zap.Error(err))
		}
	}
}

// OnJoined broadcasts EventJoined, giving every module its own *JoinedSlots instead of one
// shared struct — each module fills in FrontendData (its own module_data for the joining
// participant's JoinSuccess) and PeerFrontendData (what this module wants to say about every
// already-present peer in that same JoinSuccess's participants[] list). The runner's control
// layer assembles both into the wire JoinSuccess frame.
func (r *Registry) OnJoined(args DispatchArgs) map[ids.ModuleId]*JoinedSlots {
	out := make(map[ids.ModuleId]*JoinedSlots, len(r.order))
	for _, namespace := range r.order {
		module := r.modules[namespace]
		slots := &JoinedSlots{}
		if err := module.OnEvent(args.newContext(namespace), Event{Kind: EventJoined, JoinedSlots: slots}); err != nil {
			r.logger.Error("module failed to handle joined event", zap.String("namespace", string(namespace)), zap.Error(err))
		}
		out[namespace] = slots
	}
	return out
}

// OnParticipantJoined broadcasts EventParticipantJoined for an already-present participant's
// runner observing a new peer arrive. Each module gets its own *ParticipantSlot to describe
// how it sees the new participant, collected into the control layer's `joined` frame.
func (r *Registry) OnParticipantJoined(args DispatchArgs, participant ids.ParticipantId) map[ids.ModuleId]*ParticipantSlot {
	out := make(map[ids.ModuleId]*ParticipantSlot, len(r.order))
	for _, namespace := range r.order {
		module := r.modules[namespace]
		slot := &ParticipantSlot{}
		event := Event{Kind: EventParticipantJoined, Participant: participant, ParticipantSlot: slot}
		if err := module.OnEvent(args.newContext(namespace), event); err != nil {
			r.logger.Error("module failed to handle participant joined event", zap.String("namespace", string(namespace)), zap.Error(err))
		}
		out[namespace] = slot
	}
	return out
}

// OnParticipantUpdated broadcasts EventParticipantUpdated for a peer whose public state
// changed, mirroring OnParticipantJoined. Backs the invalidate_data re-broadcast spec.md §4.5
// describes: every other module gets a chance to describe its own updated view of that peer
// (e.g. recording consent), collected into the control layer's `update` frame.
func (r *Registry) OnParticipantUpdated(args DispatchArgs, participant ids.ParticipantId) map[ids.ModuleId]*ParticipantSlot {
	out := make(map[ids.ModuleId]*ParticipantSlot, len(r.order))
	for _, namespace := range r.order {
		module := r.modules[namespace]
		slot := &ParticipantSlot{}
		event := Event{Kind: EventParticipantUpdated, Participant: participant, ParticipantSlot: slot}
		if err := module.OnEvent(args.newContext(namespace), event); err != nil {
			r.logger.Error("module failed to handle participant updated event", zap.String("namespace", string(namespace)), zap.Error(err))
		}
		out[namespace] = slot
	}
	return out
}

// Destroy calls OnDestroy on every module exactly once, in registration order, and clears the
// registry, mirroring Modules::destroy.
func (r *Registry) Destroy(ctx context.Context, store storage.Storage, room ids.SignalingRoomId, scope ids.CleanupScope) {
	destroyCtx := NewDestroyContext(ctx, store, room, scope)
	for _, namespace := range r.order {
		module := r.modules[namespace]
		r.logger.Debug("destroying module", zap.String("namespace", string(namespace)))
		module.OnDestroy(destroyCtx)
	}
	r.order = nil
	r.modules = map[ids.ModuleId]Module{}
}
