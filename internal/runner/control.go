package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/moderation"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/wire"
	"go.uber.org/zap"
)

// The control namespace is reserved for the runner itself (spec.md §6): it is never routed
// through signaling.Registry. The types below are the wire shapes for the control half of the
// protocol; moduleData is keyed by string rather than ids.ModuleId because encoding/json
// requires a defined string-kind map key type to marshal as a JSON object, which
// map[ids.ModuleId]... already satisfies, but a plain string key keeps call sites simple.

type moduleData map[string]json.RawMessage

type participantDescriptor struct {
	Id         ids.ParticipantId `json:"id"`
	ModuleData moduleData        `json:"module_data"`
}

type controlJoinSuccess struct {
	Id           ids.ParticipantId       `json:"id"`
	Role         ids.Role                `json:"role"`
	Participants []participantDescriptor `json:"participants"`
	ModuleData   moduleData              `json:"module_data"`
}

type controlJoined struct {
	Id         ids.ParticipantId `json:"id"`
	ModuleData moduleData        `json:"module_data"`
}

type controlLeft struct {
	Id ids.ParticipantId `json:"id"`
}

// controlUpdate is the `update{id, module_data}` frame spec.md §6 describes: sent whenever a
// module invalidates a peer's public state (e.g. a recording-consent change) and this runner
// rebuilds its own modules' view of that peer.
type controlUpdate struct {
	Id         ids.ParticipantId `json:"id"`
	ModuleData moduleData        `json:"module_data"`
}

type controlError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// controlIncoming is the client -> controller control command shape (spec.md §6): join is
// handled implicitly by the runner at connection time, so only the in-session commands are
// parsed here.
type controlIncoming struct {
	Action string            `json:"action"`
	Target ids.ParticipantId `json:"target,omitempty"`
}

const (
	controlActionRaiseHand         = "raise_hand"
	controlActionLowerHand         = "lower_hand"
	controlActionLeave             = "leave"
	controlActionAcceptFromWaiting = "accept_from_waiting_room"
)

// controlExchangeEvent is the exchange-frame counterpart: participant lifecycle notifications
// published under the control namespace. Only the participant id crosses the wire; every
// receiving runner recomputes its own modules' view of that participant from shared storage.
type controlExchangeEvent struct {
	Event string            `json:"event"`
	Id    ids.ParticipantId `json:"id,omitempty"`
}

const (
	controlEventParticipantJoined  = "participant_joined"
	controlEventParticipantLeft    = "participant_left"
	controlEventParticipantUpdated = "participant_updated"
)

func buildModuleData(slots map[ids.ModuleId]*signaling.JoinedSlots) moduleData {
	out := make(moduleData, len(slots))
	for namespace, slot := range slots {
		if slot.FrontendData != nil {
			out[string(namespace)] = slot.FrontendData
		}
	}
	return out
}

func buildPeerModuleData(slots map[ids.ModuleId]*signaling.JoinedSlots, peer ids.ParticipantId) moduleData {
	out := make(moduleData)
	for namespace, slot := range slots {
		if slot.PeerFrontendData == nil {
			continue
		}
		if data, ok := slot.PeerFrontendData[peer]; ok {
			out[string(namespace)] = data
		}
	}
	return out
}

func buildParticipantModuleData(slots map[ids.ModuleId]*signaling.ParticipantSlot) moduleData {
	out := make(moduleData, len(slots))
	for namespace, slot := range slots {
		if slot.PeerFrontendData != nil {
			out[string(namespace)] = slot.PeerFrontendData
		}
	}
	return out
}

// sendControl marshals a control-namespace payload and pushes it onto the client's send
// channel via the same envelope every module outgoing message uses.
func (r *Runner) sendControl(payload any) {
	r.sendOutgoing(signaling.OutgoingMessage{Namespace: wire.ControlNamespace, Payload: payload})
}

// publishControl publishes a control-namespace exchange frame to routingKey.
func (r *Runner) publishControl(routingKey string, payload any) {
	env, err := wire.Wrap(wire.ControlNamespace, payload)
	if err != nil {
		r.logger.Error("failed to wrap control exchange payload", zap.Error(err))
		return
	}
	if err := r.exchange.Publish(routingKey, env); err != nil {
		r.logger.Warn("failed to publish control exchange event", zap.Error(err))
	}
}

// handleControlIncoming processes a client -> controller frame addressed to the control
// namespace (spec.md §6): raise_hand, lower_hand, leave, and moderator-only
// accept_from_waiting_room.
func (r *Runner) handleControlIncoming(ctx context.Context, raw json.RawMessage) *ids.CloseCode {
	var cmd controlIncoming
	if err := json.Unmarshal(raw, &cmd); err != nil {
		r.logger.Debug("dropping malformed control frame", zap.Error(err))
		return nil
	}

	switch cmd.Action {
	case controlActionLeave:
		code := ids.CloseNormal
		return &code

	case controlActionRaiseHand:
		enabled, err := moderation.RaiseHandEnabled(ctx, r.storage, r.room)
		if err != nil {
			r.logger.Warn("failed to check raise-hand policy", zap.Error(err))
			return nil
		}
		if !enabled {
			r.sendControl(controlError{Code: "raise_hand_disabled", Message: "raising hands is currently disabled by a moderator"})
			return nil
		}
		r.dispatchHandRaise(ctx, signaling.EventRaiseHand, "hand_raised")

	case controlActionLowerHand:
		r.dispatchHandRaise(ctx, signaling.EventLowerHand, "hand_lowered")

	case controlActionAcceptFromWaiting:
		if r.role != ids.RoleModerator {
			r.sendControl(controlError{Code: "insufficient_permissions", Message: "only a moderator can accept participants from the waiting room"})
			return nil
		}
		// Admission itself is handled by the moderation module's own accept_waiting_room
		// command (routed through signaling.Registry like any other module command); this
		// control-namespace alias exists only for clients that haven't adopted the module
		// command yet and is otherwise a no-op.

	default:
		r.sendControl(controlError{Code: "unknown_control_action", Message: fmt.Sprintf("unknown control action %q", cmd.Action)})
	}
	return nil
}

func (r *Runner) dispatchHandRaise(ctx context.Context, kind signaling.EventKind, exchangeEventName string) {
	args, _ := r.newArgs(ctx)
	r.registry.OnEventBroadcast(args, signaling.Event{Kind: kind, Participant: r.self})
	r.flush(args)
	r.publishControl(room.AllSignalingRoomRoutingKey(r.room), controlExchangeEvent{Event: exchangeEventName, Id: r.self})
}

// controlExchangeKind peeks a control-namespace exchange frame's discriminator before fully
// decoding it into room.ModerationEvent, room.DebriefEvent, or controlExchangeEvent — all three
// happen to share an "action"/"event"-shaped field, so sniffing on a single field's presence
// isn't enough to tell them apart.
type controlExchangeKind struct {
	Type string `json:"type"`
}

// handleControlExchange processes a control-namespace exchange frame published by another
// runner in the same signaling room.
func (r *Runner) handleControlExchange(ctx context.Context, payload json.RawMessage) *ids.CloseCode {
	var kind controlExchangeKind
	if err := json.Unmarshal(payload, &kind); err == nil {
		switch kind.Type {
		case room.ModerationEventType:
			var mod room.ModerationEvent
			if err := json.Unmarshal(payload, &mod); err != nil {
				r.logger.Debug("dropping malformed moderation exchange frame", zap.Error(err))
				return nil
			}
			return r.handleModerationEvent(mod)

		case room.DebriefEventType:
			var deb room.DebriefEvent
			if err := json.Unmarshal(payload, &deb); err != nil {
				r.logger.Debug("dropping malformed debrief exchange frame", zap.Error(err))
				return nil
			}
			return r.handleDebriefEvent(deb)
		}
	}

	var event controlExchangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Debug("dropping malformed control exchange frame", zap.Error(err))
		return nil
	}

	switch event.Event {
	case controlEventParticipantJoined:
		if event.Id == r.self {
			return nil
		}
		args, _ := r.newArgs(ctx)
		slots := r.registry.OnParticipantJoined(args, event.Id)
		r.flush(args)
		r.sendControl(controlJoined{Id: event.Id, ModuleData: buildParticipantModuleData(slots)})

	case controlEventParticipantLeft:
		if event.Id == r.self {
			return nil
		}
		args, _ := r.newArgs(ctx)
		r.registry.OnEventBroadcast(args, signaling.Event{Kind: signaling.EventParticipantLeft, Participant: event.Id})
		r.flush(args)
		r.sendControl(controlLeft{Id: event.Id})

	case controlEventParticipantUpdated:
		if event.Id == r.self {
			return nil
		}
		args, _ := r.newArgs(ctx)
		slots := r.registry.OnParticipantUpdated(args, event.Id)
		r.flush(args)
		r.sendControl(controlUpdate{Id: event.Id, ModuleData: buildParticipantModuleData(slots)})
	}
	return nil
}

// handleModerationEvent reacts to a kicked/banned event addressed to this participant
// specifically (room.Room.Kick/Ban publish to the by_participant routing key this runner
// subscribes to): the target self-exits with CloseNormal (spec.md §4.6).
func (r *Runner) handleModerationEvent(mod room.ModerationEvent) *ids.CloseCode {
	r.logger.Info("exiting due to moderation action", zap.String("action", string(mod.Action)), zap.String("by", string(mod.By)))
	code := ids.CloseNormal
	return &code
}

// handleDebriefEvent reacts to room.Room.Debrief's room-wide broadcast (spec.md §4.6): only
// runners whose role falls within the debrief's RoleScope exit, everyone else ignores it.
func (r *Runner) handleDebriefEvent(deb room.DebriefEvent) *ids.CloseCode {
	if !deb.InScope(r.role) {
		return nil
	}
	r.logger.Info("exiting due to debrief", zap.String("by", string(deb.By)))
	code := ids.CloseNormal
	return &code
}
