// Package room implements the Room Lifecycle component described in spec.md §4.6: first-join
// bootstrap of the room's immutable-for-its-lifetime configuration, per-join/per-leave
// bookkeeping of the participant set and counters, the destroy decision made when the last
// participant of a (possibly breakout) signaling room leaves, and the moderator-driven
// kick/ban/debrief operations that reach a target runner only through the exchange.
//
// Room owns no participant connection directly — spec.md §5 keeps that inside runner.Runner —
// it only mediates shared storage.Storage state and exchange.Exchange publications, mirroring
// how the teacher's internal/v1/room package stays a pure storage/business-logic layer behind
// the session package's connection handling.
package room

import (
	"context"
	"fmt"

	"github.com/otcontroller/signaling/internal/exchange"
	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/storage"
	"github.com/otcontroller/signaling/internal/wire"
	"go.uber.org/zap"
)

// breakoutRegistryKey names the module-scoped list, kept on the main room, of every breakout
// id ever spawned for a room. It is append-only; liveness of an entry is determined by asking
// storage whether that breakout's participant set still exists, not by removing entries.
const breakoutRegistryKey = "room:breakouts"

// banListKey names the module-scoped list of banned participant/user identifiers for a room.
const banListKey = "room:bans"

// Room mediates the storage and exchange state shared by every runner in a room. One Room
// value is safe to share across all participants of a controller process; all of its state
// actually lives in storage.Storage, so multiple controllers coordinate through the same
// backend without Room itself holding any mutable fields.
type Room struct {
	logger   *zap.Logger
	storage  storage.Storage
	exchange *exchange.Exchange
}

func New(logger *zap.Logger, store storage.Storage, ex *exchange.Exchange) *Room {
	return &Room{logger: logger, storage: store, exchange: ex}
}

// ParticipantInfo is the attribute bundle written on join (spec.md §3's control-module
// attribute keys).
type ParticipantInfo struct {
	DisplayName string
	Role        ids.Role
	Kind        ids.ParticipantKind
}

// JoinResult reports the room-wide configuration resolved for this join: either just
// captured (Bootstrapped) or observed unchanged from an earlier join (spec.md §4.6).
type JoinResult struct {
	Tariff        storage.Tariff
	Creator       storage.CreatorInfo
	Event         *storage.Event
	Bootstrapped  bool
	AlreadyJoined bool
}

// Join runs the first-join bootstrap (try-init of creator/tariff/event, idempotent after the
// first caller) followed by the unconditional per-join bookkeeping: add to the participant
// set, bump the participant count, and stamp the participant's attributes.
func (r *Room) Join(
	ctx context.Context,
	signalingRoom ids.SignalingRoomId,
	participant ids.ParticipantId,
	creator storage.CreatorInfo,
	tariff storage.Tariff,
	event *storage.Event,
	info ParticipantInfo,
) (*JoinResult, error) {
	banned, err := r.IsBanned(ctx, signalingRoom.Room, participant)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, NewBannedError(participant)
	}

	result := &JoinResult{}

	actualCreator, err := r.storage.TryInitCreator(ctx, signalingRoom.Room, creator)
	if err != nil {
		return nil, fmt.Errorf("room: try init creator: %w", err)
	}
	result.Bootstrapped = actualCreator == creator
	result.Creator = actualCreator

	actualTariff, err := r.storage.TryInitTariff(ctx, signalingRoom.Room, tariff)
	if err != nil {
		return nil, fmt.Errorf("room: try init tariff: %w", err)
	}
	result.Tariff = actualTariff

	if event != nil {
		actualEvent, err := r.storage.TryInitEvent(ctx, signalingRoom.Room, *event)
		if err != nil {
			return nil, fmt.Errorf("room: try init event: %w", err)
		}
		result.Event = &actualEvent
	} else if existing, err := r.storage.GetEvent(ctx, signalingRoom.Room); err != nil {
		return nil, fmt.Errorf("room: get event: %w", err)
	} else {
		result.Event = existing
	}

	inserted, err := r.storage.ParticipantSetAdd(ctx, signalingRoom, participant)
	if err != nil {
		return nil, fmt.Errorf("room: add to participant set: %w", err)
	}
	result.AlreadyJoined = !inserted

	if inserted {
		if _, err := r.storage.IncrementParticipantCount(ctx, signalingRoom.Room); err != nil {
			return nil, fmt.Errorf("room: increment participant count: %w", err)
		}
	}

	scope := storage.LocalScope(signalingRoom)
	if err := r.storage.Bulk(ctx, *new(storage.BulkActions).
		Set(scope, storage.AttrDisplayName, participant, info.DisplayName).
		Set(scope, storage.AttrRole, participant, info.Role).
		Set(scope, storage.AttrKind, participant, info.Kind).
		Set(scope, storage.AttrJoinedAt, participant, ids.Now())); err != nil {
		return nil, fmt.Errorf("room: set join attributes: %w", err)
	}

	if signalingRoom.IsBreakout() {
		if err := r.storage.ModuleListAppend(ctx, ids.MainRoom(signalingRoom.Room), breakoutRegistryKey, *signalingRoom.Breakout); err != nil {
			return nil, fmt.Errorf("room: register breakout: %w", err)
		}
	}

	return result, nil
}

// Leave runs the per-leave bookkeeping and, if this signaling room's participant set is left
// empty, makes the destroy decision described in spec.md §4.6.
func (r *Room) Leave(ctx context.Context, signalingRoom ids.SignalingRoomId, participant ids.ParticipantId) (ids.CleanupScope, error) {
	scope := storage.LocalScope(signalingRoom)
	if err := r.storage.AttributeSet(ctx, scope, storage.AttrLeftAt, participant, ids.Now()); err != nil {
		return ids.CleanupNone, fmt.Errorf("room: set left_at: %w", err)
	}

	if _, err := r.storage.DecrementParticipantCount(ctx, signalingRoom.Room); err != nil {
		return ids.CleanupNone, fmt.Errorf("room: decrement participant count: %w", err)
	}

	if err := r.storage.ParticipantSetRemove(ctx, signalingRoom, participant); err != nil {
		return ids.CleanupNone, fmt.Errorf("room: remove from participant set: %w", err)
	}

	remaining, err := r.storage.ParticipantSetAll(ctx, signalingRoom)
	if err != nil {
		return ids.CleanupNone, fmt.Errorf("room: list participant set: %w", err)
	}
	if len(remaining) > 0 {
		return ids.CleanupNone, nil
	}

	return r.decideDestroy(ctx, signalingRoom)
}

// decideDestroy implements spec.md §4.6's destroy decision: global destroy (clear every room
// key) if the room's closes_at deadline has passed or no other breakout still carries the
// room, else a local destroy scoped to this signaling room only.
func (r *Room) decideDestroy(ctx context.Context, signalingRoom ids.SignalingRoomId) (ids.CleanupScope, error) {
	closesAt, err := r.storage.GetRoomClosesAt(ctx, ids.MainRoom(signalingRoom.Room))
	if err != nil {
		return ids.CleanupNone, fmt.Errorf("room: get closes_at: %w", err)
	}
	if closesAt != nil && closesAt.Before(ids.Now()) {
		if err := r.globalDestroy(ctx, signalingRoom.Room); err != nil {
			return ids.CleanupNone, err
		}
		return ids.CleanupGlobal, nil
	}

	carried, err := r.anyOtherSignalingRoomCarriesRoom(ctx, signalingRoom)
	if err != nil {
		return ids.CleanupNone, err
	}
	if !carried {
		if err := r.globalDestroy(ctx, signalingRoom.Room); err != nil {
			return ids.CleanupNone, err
		}
		return ids.CleanupGlobal, nil
	}

	if err := r.localDestroy(ctx, signalingRoom); err != nil {
		return ids.CleanupNone, err
	}
	return ids.CleanupLocal, nil
}

// anyOtherSignalingRoomCarriesRoom reports whether the main room or any registered breakout,
// other than the one just emptied, still has a non-empty participant set.
func (r *Room) anyOtherSignalingRoomCarriesRoom(ctx context.Context, emptied ids.SignalingRoomId) (bool, error) {
	candidates := []ids.SignalingRoomId{ids.MainRoom(emptied.Room)}

	breakouts, err := r.activeBreakoutIds(ctx, emptied.Room)
	if err != nil {
		return false, err
	}
	for _, b := range breakouts {
		candidates = append(candidates, ids.BreakoutRoom(emptied.Room, b))
	}

	for _, candidate := range candidates {
		if candidate.Equal(emptied) {
			continue
		}
		exists, err := r.storage.ParticipantSetExists(ctx, candidate)
		if err != nil {
			return false, fmt.Errorf("room: check participant set existence: %w", err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

func (r *Room) activeBreakoutIds(ctx context.Context, room ids.RoomId) ([]ids.BreakoutRoomId, error) {
	raws, err := r.storage.ModuleListAll(ctx, ids.MainRoom(room), breakoutRegistryKey)
	if err != nil {
		return nil, fmt.Errorf("room: list breakout registry: %w", err)
	}
	seen := make(map[ids.BreakoutRoomId]struct{}, len(raws))
	out := make([]ids.BreakoutRoomId, 0, len(raws))
	for _, raw := range raws {
		var id ids.BreakoutRoomId
		if err := unmarshalInto(raw, &id); err != nil {
			return nil, fmt.Errorf("room: decode breakout registry entry: %w", err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// localDestroy tears down just this signaling room's own keys, leaving room-global state
// (tariff, creator, event, closes_at, participant count) intact for the surviving breakouts
// or main room.
func (r *Room) localDestroy(ctx context.Context, signalingRoom ids.SignalingRoomId) error {
	if err := r.storage.ParticipantSetRemoveSet(ctx, signalingRoom); err != nil {
		return fmt.Errorf("room: local destroy participant set: %w", err)
	}
	if err := r.storage.RemoveRoomClosesAt(ctx, signalingRoom); err != nil {
		return fmt.Errorf("room: local destroy closes_at: %w", err)
	}
	r.logger.Debug("local destroy", zap.String("room", signalingRoom.String()))
	return nil
}

// globalDestroy clears every room-wide key: singletons, counters, and the main room's
// participant set, closes_at and breakout registry. Per-breakout local state for still-registered (but now orphaned)
// breakouts is left to each breakout's own local destroy as its last participant leaves.
func (r *Room) globalDestroy(ctx context.Context, room ids.RoomId) error {
	if err := r.storage.DeleteTariff(ctx, room); err != nil {
		return fmt.Errorf("room: global destroy tariff: %w", err)
	}
	if err := r.storage.DeleteCreator(ctx, room); err != nil {
		return fmt.Errorf("room: global destroy creator: %w", err)
	}
	if err := r.storage.DeleteEvent(ctx, room); err != nil {
		return fmt.Errorf("room: global destroy event: %w", err)
	}
	if err := r.storage.DeleteParticipantCount(ctx, room); err != nil {
		return fmt.Errorf("room: global destroy participant count: %w", err)
	}
	main := ids.MainRoom(room)
	if err := r.storage.ParticipantSetRemoveSet(ctx, main); err != nil {
		return fmt.Errorf("room: global destroy participant set: %w", err)
	}
	if err := r.storage.RemoveRoomClosesAt(ctx, main); err != nil {
		return fmt.Errorf("room: global destroy closes_at: %w", err)
	}
	if err := r.storage.ModuleListDelete(ctx, main, breakoutRegistryKey); err != nil {
		return fmt.Errorf("room: global destroy breakout registry: %w", err)
	}
	r.logger.Info("global destroy", zap.String("room", string(room)))
	return nil
}

// ModerationAction discriminates the moderation events published to a targeted participant's
// by_participant routing key (spec.md §4.6).
type ModerationAction string

const (
	ActionKicked ModerationAction = "kicked"
	ActionBanned ModerationAction = "banned"
)

// ModerationEvent is the payload a targeted runner receives over the exchange when a
// moderator kicks or bans it; the runner responds by self-exiting with CloseNormal. Type is a
// fixed discriminator so a control-namespace exchange frame can be told apart from a
// DebriefEvent before either is fully decoded — both happen to use an "action"-shaped field,
// and Go's json.Unmarshal doesn't reject unknown/absent fields, so sniffing on Action alone
// isn't enough.
type ModerationEvent struct {
	Type   string            `json:"type"`
	Action ModerationAction  `json:"action"`
	By     ids.ParticipantId `json:"by"`
	Reason string            `json:"reason,omitempty"`
}

// ModerationEventType is ModerationEvent's discriminator value.
const ModerationEventType = "moderation"

// publishControl wraps payload in the control-namespace wire envelope and publishes it, the
// way every runner's handleExchange expects control-destined exchange frames to look
// (spec.md §6).
func (r *Room) publishControl(routingKey string, payload any) error {
	env, err := wire.Wrap(wire.ControlNamespace, payload)
	if err != nil {
		return err
	}
	return r.exchange.Publish(routingKey, env)
}

// Kick publishes a kicked event to the target's by_participant routing key. The moderator
// role check is the caller's responsibility (the moderation module holds the Role).
func (r *Room) Kick(signalingRoom ids.SignalingRoomId, moderator, target ids.ParticipantId, reason string) error {
	return r.publishControl(
		ByParticipantRoutingKey(signalingRoom, target),
		ModerationEvent{Type: ModerationEventType, Action: ActionKicked, By: moderator, Reason: reason},
	)
}

// Ban records the participant as banned for the room (future Join calls are rejected) and
// publishes the same kind of targeted event as Kick so any connected runner exits immediately.
func (r *Room) Ban(ctx context.Context, signalingRoom ids.SignalingRoomId, moderator, target ids.ParticipantId, reason string) error {
	if err := r.storage.ModuleListAppend(ctx, ids.MainRoom(signalingRoom.Room), banListKey, target); err != nil {
		return fmt.Errorf("room: record ban: %w", err)
	}
	return r.publishControl(
		ByParticipantRoutingKey(signalingRoom, target),
		ModerationEvent{Type: ModerationEventType, Action: ActionBanned, By: moderator, Reason: reason},
	)
}

// IsBanned reports whether a participant id has previously been banned from a room.
func (r *Room) IsBanned(ctx context.Context, room ids.RoomId, participant ids.ParticipantId) (bool, error) {
	raws, err := r.storage.ModuleListAll(ctx, ids.MainRoom(room), banListKey)
	if err != nil {
		return false, fmt.Errorf("room: list bans: %w", err)
	}
	for _, raw := range raws {
		var banned ids.ParticipantId
		if err := unmarshalInto(raw, &banned); err != nil {
			return false, fmt.Errorf("room: decode ban entry: %w", err)
		}
		if banned == participant {
			return true, nil
		}
	}
	return false, nil
}

// DebriefEvent is broadcast room-wide when a moderator ends the meeting for a subset of
// roles; every runner whose Role is in RoleScope exits with CloseNormal (spec.md §4.6). Type
// is the same kind of fixed discriminator ModerationEvent carries, so the two never get
// decoded into each other even though both describe an "action".
type DebriefEvent struct {
	Type      string            `json:"type"`
	Action    string            `json:"action"`
	By        ids.ParticipantId `json:"by"`
	RoleScope []ids.Role        `json:"role_scope"`
}

// DebriefEventType is DebriefEvent's discriminator value.
const DebriefEventType = "debrief"

// InScope reports whether role is within this debrief's scope. An empty RoleScope targets
// every role (spec.md §4.6: "debrief(role_scope) ... every runner whose role is within scope
// exits").
func (e DebriefEvent) InScope(role ids.Role) bool {
	if len(e.RoleScope) == 0 {
		return true
	}
	for _, scoped := range e.RoleScope {
		if scoped == role {
			return true
		}
	}
	return false
}

// Debrief publishes an all_participants event scoped to the given roles.
func (r *Room) Debrief(room ids.RoomId, moderator ids.ParticipantId, roleScope []ids.Role) error {
	return r.publishControl(AllRoomRoutingKey(room), DebriefEvent{
		Type:      DebriefEventType,
		Action:    "all_participants",
		By:        moderator,
		RoleScope: roleScope,
	})
}
