// Package automod implements the speaker-selection state machine named in SPEC_FULL.md's DOMAIN
// MODULES section, grounded on original_source/crates/opentalk-signaling-module-automod. A
// moderator starts automod with a strategy ("random", "playlist", or "none") and an
// auto_append_on_join flag; the module then picks (or lets the moderator pick) who currently
// holds the floor from a candidate pool, and every holder can voluntarily yield it.
//
// auto_append_on_join resolution (spec.md §9 Open Question): when true, every non-moderator
// participant is appended to the candidate pool, in join order, the moment they join — including
// late joiners, who land at the back of the pool rather than being excluded from ever holding the
// floor. When false, a participant must explicitly request the floor with join_queue; a late
// joiner under this mode is never auto-enrolled. Either way, participants already present when
// automod starts begin outside the pool (start creates it empty) and enter it through
// join_queue. This mirrors how a moderator would configure a
// "everyone gets a turn eventually" session (true) versus a "only people who ask" Q&A session
// (false), and keeps the decision a single flag rather than per-join configuration.
package automod

import (
	"context"
	"math/rand"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
)

const Namespace ids.ModuleId = "automod"
const FeatureAutomod ids.FeatureId = "automod"

const stateKey = "automod:state"

const (
	StrategyRandom   = "random"
	StrategyPlaylist = "playlist"
	StrategyNone     = "none"
)

// State is the single active automod snapshot for a SignalingRoomId.
type State struct {
	Active           bool                `json:"active"`
	Strategy         string              `json:"strategy"`
	AutoAppendOnJoin bool                `json:"auto_append_on_join"`
	Pool             []ids.ParticipantId `json:"pool"`
	Current          *ids.ParticipantId  `json:"current,omitempty"`
	History          []ids.ParticipantId `json:"history,omitempty"`
}

// Incoming is the client -> module command envelope.
type Incoming struct {
	Action           string `json:"action"`
	Strategy         string `json:"strategy,omitempty"`
	AutoAppendOnJoin bool   `json:"auto_append_on_join,omitempty"`
	Target           ids.ParticipantId `json:"target,omitempty"`
}

const (
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionYield     = "yield"
	ActionSelect    = "select"
	ActionJoinQueue = "join_queue"
	ActionLeaveQueue = "leave_queue"
)

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type    string              `json:"type"`
	Current *ids.ParticipantId  `json:"current,omitempty"`
	Pool    []ids.ParticipantId `json:"pool,omitempty"`
	Error   string              `json:"error,omitempty"`
}

const (
	outStarted = "started"
	outUpdated = "updated"
	outStopped = "stopped"
	outError   = "error"
)

// signal is the exchange trigger every instance reacts to by re-reading State fresh from
// storage, the same discipline internal/modules/polls uses for its tally.
type signal struct{}

type Module struct {
	self ids.ParticipantId
	room ids.SignalingRoomId
}

func Init(self ids.ParticipantId, signalingRoom ids.SignalingRoomId) *Module {
	return &Module{self: self, room: signalingRoom}
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureAutomod} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.onJoined(ctx)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	case signaling.EventExchange:
		return m.onExchange(ctx)
	}
	return nil
}

func (m *Module) onJoined(ctx *signaling.ModuleContext) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok || !state.Active {
		return nil
	}
	if state.AutoAppendOnJoin && ctx.Role != ids.RoleModerator && !contains(state.Pool, m.self) {
		state.Pool = append(state.Pool, m.self)
		if err := m.advance(&state); err != nil {
			return signaling.NewResourceError(err)
		}
		if err := m.save(ctx.Context(), ctx.Storage(), state); err != nil {
			return signaling.NewResourceError(err)
		}
		ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{})
	}
	ctx.WsSend(snapshotFrame(outStarted, state))
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse automod command")
	}
	switch in.Action {
	case ActionStart:
		return m.start(ctx, in)
	case ActionStop:
		return m.stop(ctx)
	case ActionYield:
		return m.yield(ctx)
	case ActionSelect:
		return m.selectSpeaker(ctx, in.Target)
	case ActionJoinQueue:
		return m.joinQueue(ctx)
	case ActionLeaveQueue:
		return m.leaveQueue(ctx)
	default:
		return signaling.NewProtocolError("unknown_action", "unknown automod action "+in.Action)
	}
}

func (m *Module) start(ctx *signaling.ModuleContext, in Incoming) error {
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can start automod"})
		return signaling.NewAuthorizationError("only a moderator can start automod")
	}
	strategy := in.Strategy
	if strategy == "" {
		strategy = StrategyRandom
	}
	state := State{Active: true, Strategy: strategy, AutoAppendOnJoin: in.AutoAppendOnJoin}
	if err := m.advance(&state); err != nil {
		return signaling.NewResourceError(err)
	}
	if err := m.save(ctx.Context(), ctx.Storage(), state); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{})
	return nil
}

func (m *Module) stop(ctx *signaling.ModuleContext) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can stop automod")
	}
	if err := ctx.Storage().ModuleValueDelete(ctx.Context(), m.room, stateKey); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{})
	return nil
}

func (m *Module) yield(ctx *signaling.ModuleContext) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok || !state.Active || state.Current == nil || *state.Current != m.self {
		return signaling.NewStateError("not_current_speaker", "only the current speaker may yield the floor")
	}
	state.Pool = remove(state.Pool, m.self)
	state.History = append(state.History, m.self)
	state.Current = nil
	if err := m.advance(&state); err != nil {
		return signaling.NewResourceError(err)
	}
	if err := m.save(ctx.Context(), ctx.Storage(), state); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{})
	return nil
}

func (m *Module) selectSpeaker(ctx *signaling.ModuleContext, target ids.ParticipantId) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can select the next speaker")
	}
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok || !state.Active {
		return signaling.NewStateError("not_active", "automod is not active")
	}
	if !contains(state.Pool, target) {
		return signaling.NewProtocolError("not_in_pool", "target is not in the candidate pool")
	}
	state.Current = &target
	if err := m.save(ctx.Context(), ctx.Storage(), state); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{})
	return nil
}

func (m *Module) joinQueue(ctx *signaling.ModuleContext) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok || !state.Active {
		return signaling.NewStateError("not_active", "automod is not active")
	}
	if !contains(state.Pool, m.self) {
		state.Pool = append(state.Pool, m.self)
	}
	if err := m.advance(&state); err != nil {
		return signaling.NewResourceError(err)
	}
	if err := m.save(ctx.Context(), ctx.Storage(), state); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{})
	return nil
}

func (m *Module) leaveQueue(ctx *signaling.ModuleContext) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok {
		return nil
	}
	state.Pool = remove(state.Pool, m.self)
	if state.Current != nil && *state.Current == m.self {
		state.Current = nil
		if err := m.advance(&state); err != nil {
			return signaling.NewResourceError(err)
		}
	}
	if err := m.save(ctx.Context(), ctx.Storage(), state); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{})
	return nil
}

// advance fills in Current from Pool per Strategy, if Current is empty. The "none" strategy
// never auto-advances; a moderator must always use select.
func (m *Module) advance(state *State) error {
	if state.Current != nil || len(state.Pool) == 0 {
		return nil
	}
	switch state.Strategy {
	case StrategyPlaylist:
		next := state.Pool[0]
		state.Current = &next
	case StrategyNone:
		// no auto-advance
	default: // StrategyRandom
		next := state.Pool[rand.Intn(len(state.Pool))]
		state.Current = &next
	}
	return nil
}

func (m *Module) onExchange(ctx *signaling.ModuleContext) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok {
		ctx.WsSend(Outgoing{Type: outStopped})
		return nil
	}
	ctx.WsSend(snapshotFrame(outUpdated, state))
	return nil
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	if !ctx.DestroyRoom() {
		return
	}
	_ = ctx.Storage().ModuleValueDelete(ctx.Context(), m.room, stateKey)
}

func (m *Module) load(cc context.Context, store storage.Storage) (State, bool, error) {
	raw, ok, err := store.ModuleValueGet(cc, m.room, stateKey)
	if err != nil || !ok {
		return State{}, false, err
	}
	var state State
	if err := modutil.Unmarshal(raw, &state); err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

func (m *Module) save(cc context.Context, store storage.Storage, state State) error {
	return store.ModuleValueSet(cc, m.room, stateKey, state)
}

func snapshotFrame(kind string, state State) Outgoing {
	return Outgoing{Type: kind, Current: state.Current, Pool: state.Pool}
}

func contains(pool []ids.ParticipantId, target ids.ParticipantId) bool {
	for _, p := range pool {
		if p == target {
			return true
		}
	}
	return false
}

func remove(pool []ids.ParticipantId, target ids.ParticipantId) []ids.ParticipantId {
	out := pool[:0]
	for _, p := range pool {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}
