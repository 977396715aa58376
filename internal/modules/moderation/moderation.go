// Package moderation implements kick/ban/debrief, raise-hand enable/disable/reset, waiting-room
// accept/deny, and closes_at scheduling (SPEC_FULL.md's DOMAIN MODULES section, test vectors
// S4/S5), grounded on original_source/crates/controller/.../moderation. Kick/Ban/Debrief are
// thin wrappers over internal/room.Room's already-built methods of the same name — this module
// is what finally gives those methods a caller, gated on ctx.Role the way every other
// moderator-only command in this repo is. Waiting-room admission and raise-hand policy are kept
// as a pending/targeted-exchange-notification pair rather than blocking the join pipeline itself:
// a joining participant without storage's skip-waiting-room flag set is marked pending in its own
// JoinSuccess module_data, and a moderator's accept/deny decision reaches that participant's own
// module instance through the same by_participant exchange channel room.Room.Kick/Ban already use.
package moderation

import (
	"context"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
)

const Namespace ids.ModuleId = "moderation"
const FeatureModeration ids.FeatureId = "moderation"

const raiseHandEnabledKey = "moderation:raise_hand_enabled"
const pendingListKey = "moderation:pending"

// skipWaitingRoomTTL is how long an accepted participant's skip flag lasts, so a brief
// reconnect doesn't send them back into the waiting room.
const skipWaitingRoomTTL = 2 * time.Hour

// Incoming is the client -> module command envelope.
type Incoming struct {
	Action    string         `json:"action"`
	Target    ids.ParticipantId `json:"target,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	RoleScope []ids.Role     `json:"role_scope,omitempty"`
	ClosesAt  *ids.Timestamp `json:"closes_at,omitempty"`
}

const (
	ActionKick              = "kick"
	ActionBan               = "ban"
	ActionDebrief           = "debrief"
	ActionEnableRaiseHand   = "enable_raise_hand"
	ActionDisableRaiseHand  = "disable_raise_hand"
	ActionResetRaiseHand    = "reset_raise_hand"
	ActionAcceptWaitingRoom = "accept_waiting_room"
	ActionDenyWaitingRoom   = "deny_waiting_room"
	ActionSetClosesAt       = "set_closes_at"
)

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type             string         `json:"type"`
	RaiseHandEnabled *bool          `json:"raise_hand_enabled,omitempty"`
	ClosesAt         *ids.Timestamp `json:"closes_at,omitempty"`
	Error            string         `json:"error,omitempty"`
}

const (
	outOk           = "ok"
	outHandsReset   = "hands_reset"
	outClosesAtSet  = "closes_at_set"
	outWaitingAccepted = "waiting_room_accepted"
	outWaitingDenied   = "waiting_room_denied"
	outError        = "error"
)

// FrontendData is the moderation view a joining participant receives in its own JoinSuccess.
type FrontendData struct {
	Pending          bool           `json:"pending"`
	RaiseHandEnabled bool           `json:"raise_hand_enabled"`
	ClosesAt         *ids.Timestamp `json:"closes_at,omitempty"`
}

// waitingDecision is the targeted exchange payload a pending participant's own module instance
// receives once a moderator accepts or denies it.
type waitingDecision struct {
	Accepted bool   `json:"accepted"`
	By       ids.ParticipantId `json:"by"`
}

type Module struct {
	self          ids.ParticipantId
	signalingRoom ids.SignalingRoomId
	room          *room.Room
}

func Init(self ids.ParticipantId, signalingRoom ids.SignalingRoomId, r *room.Room) *Module {
	return &Module{self: self, signalingRoom: signalingRoom, room: r}
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureModeration} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.onJoined(ctx, event.JoinedSlots)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	case signaling.EventExchange:
		return m.onExchange(ctx, event.RawPayload)
	}
	return nil
}

func (m *Module) onJoined(ctx *signaling.ModuleContext, slots *signaling.JoinedSlots) error {
	pending := false
	if ctx.Role != ids.RoleModerator {
		skip, err := ctx.Storage().GetSkipWaitingRoom(ctx.Context(), m.self)
		if err != nil {
			return signaling.NewResourceError(err)
		}
		if !skip {
			if err := m.addPending(ctx.Context(), ctx.Storage(), m.self); err != nil {
				return signaling.NewResourceError(err)
			}
			pending = true
		}
	}

	enabled, err := m.raiseHandEnabled(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	closesAt, err := ctx.Storage().GetRoomClosesAt(ctx.Context(), ids.MainRoom(m.signalingRoom.Room))
	if err != nil {
		return signaling.NewResourceError(err)
	}

	data, err := modutil.Marshal(FrontendData{Pending: pending, RaiseHandEnabled: enabled, ClosesAt: closesAt})
	if err != nil {
		return signaling.NewResourceError(err)
	}
	slots.FrontendData = data
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse moderation command")
	}

	switch in.Action {
	case ActionKick:
		return m.requireModerator(ctx, func() error {
			return m.room.Kick(m.signalingRoom, m.self, in.Target, in.Reason)
		})
	case ActionBan:
		return m.requireModerator(ctx, func() error {
			return m.room.Ban(ctx.Context(), m.signalingRoom, m.self, in.Target, in.Reason)
		})
	case ActionDebrief:
		return m.requireModerator(ctx, func() error {
			return m.room.Debrief(m.signalingRoom.Room, m.self, in.RoleScope)
		})
	case ActionEnableRaiseHand:
		return m.setRaiseHandEnabled(ctx, true)
	case ActionDisableRaiseHand:
		return m.setRaiseHandEnabled(ctx, false)
	case ActionResetRaiseHand:
		return m.resetRaiseHand(ctx)
	case ActionAcceptWaitingRoom:
		return m.decideWaitingRoom(ctx, in.Target, true)
	case ActionDenyWaitingRoom:
		return m.decideWaitingRoom(ctx, in.Target, false)
	case ActionSetClosesAt:
		return m.setClosesAt(ctx, in.ClosesAt)
	default:
		return signaling.NewProtocolError("unknown_action", "unknown moderation action "+in.Action)
	}
}

func (m *Module) requireModerator(ctx *signaling.ModuleContext, fn func() error) error {
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can perform this action"})
		return signaling.NewAuthorizationError("only a moderator can perform this action")
	}
	if err := fn(); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.WsSend(Outgoing{Type: outOk})
	return nil
}

func (m *Module) setRaiseHandEnabled(ctx *signaling.ModuleContext, enabled bool) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can change raise-hand policy")
	}
	if err := ctx.Storage().ModuleValueSet(ctx.Context(), m.signalingRoom, raiseHandEnabledKey, enabled); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.signalingRoom), Outgoing{Type: outOk, RaiseHandEnabled: &enabled})
	return nil
}

func (m *Module) resetRaiseHand(ctx *signaling.ModuleContext) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can reset raised hands")
	}
	if err := ctx.Storage().AttributeRemoveKey(ctx.Context(), storage.LocalScope(m.signalingRoom), storage.AttrHandIsUp); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.signalingRoom), Outgoing{Type: outHandsReset})
	return nil
}

func (m *Module) setClosesAt(ctx *signaling.ModuleContext, at *ids.Timestamp) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can schedule the room close time")
	}
	if at == nil {
		return signaling.NewProtocolError("missing_closes_at", "closes_at is required")
	}
	if _, err := ctx.Storage().SetRoomClosesAt(ctx.Context(), ids.MainRoom(m.signalingRoom.Room), *at); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.signalingRoom), Outgoing{Type: outClosesAtSet, ClosesAt: at})
	return nil
}

func (m *Module) decideWaitingRoom(ctx *signaling.ModuleContext, target ids.ParticipantId, accept bool) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can admit participants")
	}
	if err := m.removePending(ctx.Context(), ctx.Storage(), target); err != nil {
		return signaling.NewResourceError(err)
	}
	if accept {
		if err := ctx.Storage().SetSkipWaitingRoomWithExpiry(ctx.Context(), target, true, skipWaitingRoomTTL); err != nil {
			return signaling.NewResourceError(err)
		}
	}
	ctx.ExchangePublishToNamespace(room.ByParticipantRoutingKey(m.signalingRoom, target), Namespace, waitingDecision{Accepted: accept, By: m.self})
	ctx.WsSend(Outgoing{Type: outOk})
	return nil
}

func (m *Module) onExchange(ctx *signaling.ModuleContext, raw []byte) error {
	// Room-wide broadcasts (raise-hand policy, hands reset, closes_at) carry an Outgoing with a
	// type and are relayed to the client; only an untyped frame is a waiting-room decision.
	var broadcast Outgoing
	if err := modutil.Unmarshal(raw, &broadcast); err == nil && broadcast.Type != "" {
		ctx.WsSend(broadcast)
		return nil
	}
	var decision waitingDecision
	if err := modutil.Unmarshal(raw, &decision); err != nil {
		return nil
	}
	if decision.Accepted {
		ctx.WsSend(Outgoing{Type: outWaitingAccepted})
		return nil
	}
	ctx.WsSend(Outgoing{Type: outWaitingDenied})
	ctx.Exit(ids.ClosePolicy)
	return nil
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	if !ctx.DestroyRoom() {
		return
	}
	_ = ctx.Storage().ModuleValueDelete(ctx.Context(), m.signalingRoom, raiseHandEnabledKey)
	_ = ctx.Storage().ModuleValueDelete(ctx.Context(), m.signalingRoom, pendingListKey)
}

func (m *Module) raiseHandEnabled(cc context.Context, store storage.Storage) (bool, error) {
	raw, ok, err := store.ModuleValueGet(cc, m.signalingRoom, raiseHandEnabledKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	var enabled bool
	if err := modutil.Unmarshal(raw, &enabled); err != nil {
		return false, err
	}
	return enabled, nil
}

func (m *Module) addPending(cc context.Context, store storage.Storage, participant ids.ParticipantId) error {
	list, err := m.loadPending(cc, store)
	if err != nil {
		return err
	}
	for _, p := range list {
		if p == participant {
			return nil
		}
	}
	list = append(list, participant)
	return store.ModuleValueSet(cc, m.signalingRoom, pendingListKey, list)
}

func (m *Module) removePending(cc context.Context, store storage.Storage, participant ids.ParticipantId) error {
	list, err := m.loadPending(cc, store)
	if err != nil {
		return err
	}
	out := list[:0]
	for _, p := range list {
		if p != participant {
			out = append(out, p)
		}
	}
	return store.ModuleValueSet(cc, m.signalingRoom, pendingListKey, out)
}

func (m *Module) loadPending(cc context.Context, store storage.Storage) ([]ids.ParticipantId, error) {
	raw, ok, err := store.ModuleValueGet(cc, m.signalingRoom, pendingListKey)
	if err != nil || !ok {
		return nil, err
	}
	var list []ids.ParticipantId
	if err := modutil.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// RaiseHandEnabled is a package-level accessor used by the runner's control layer, which
// processes raise_hand/lower_hand as control-namespace commands rather than routing them
// through this module's own OnEvent (spec.md §6 keeps the control namespace outside
// signaling.Registry).
func RaiseHandEnabled(ctx context.Context, store storage.Storage, signalingRoom ids.SignalingRoomId) (bool, error) {
	m := &Module{signalingRoom: signalingRoom}
	return m.raiseHandEnabled(ctx, store)
}
