// Package chat implements the Chat signaling module named in spec.md §1/§2 and fleshed out in
// SPEC_FULL.md's DOMAIN MODULES section, grounded on original_source/crates/chat: room-wide,
// per-group, and per-peer private messages with a history replayed on join, plus a
// last-seen-timestamp bookkeeping split by the same three scopes (test vector S1).
//
// History is stored under fixed keys (room id, group name, or a sorted participant-id pair) so
// it survives any single participant leaving and rejoining. Last-seen timestamps are keyed by
// the *viewer's* stable identity (their authenticated user id if present, else their own
// participant id) precisely because S1 requires them to survive the viewer itself leaving and
// rejoining the room as a new ParticipantId — see the stableId parameter to Init.
package chat

import (
	"context"
	"fmt"
	"sort"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/storage"
)

// Namespace is this module's stable short id (spec.md §4.3).
const Namespace ids.ModuleId = "chat"

// FeatureChat is advertised via the tariff endpoint.
const FeatureChat ids.FeatureId = "chat"

// Params configures a Chat instance; clone-cheap per spec.md §4.3.
type Params struct {
	// Enabled gates the module entirely; a disabled tariff makes Init refuse (return nil).
	Enabled bool
}

// ScopeKind discriminates where a chat message or last-seen marker applies.
type ScopeKind string

const (
	ScopeRoom    ScopeKind = "room"
	ScopeGroup   ScopeKind = "group"
	ScopePrivate ScopeKind = "private"
	ScopeGlobal  ScopeKind = "global" // only valid for last-seen timestamps
)

// Scope names a message or last-seen marker's destination.
type Scope struct {
	Kind   ScopeKind         `json:"kind"`
	Group  string            `json:"group,omitempty"`
	Target ids.ParticipantId `json:"target,omitempty"`
}

// Message is one chat message, persisted and replayed verbatim on join.
type Message struct {
	Source    ids.ParticipantId `json:"source"`
	Scope     Scope             `json:"scope"`
	Content   string            `json:"content"`
	Timestamp ids.Timestamp     `json:"timestamp"`
}

// Incoming is the client -> module command envelope.
type Incoming struct {
	Action    string         `json:"action"`
	Scope     *Scope         `json:"scope,omitempty"`
	Content   string         `json:"content,omitempty"`
	Timestamp *ids.Timestamp `json:"timestamp,omitempty"`
}

const (
	ActionSendMessage         = "send_message"
	ActionSetLastSeenTimestamp = "set_last_seen_timestamp"
)

// Outgoing is the module -> client event envelope, tagged by Type the way every module in this
// library discriminates its event union.
type Outgoing struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

const (
	outMessage = "message"
	outError   = "error"
)

// FrontendData is appended to JoinSuccess.module_data.chat (test vector S1's exact shape).
type FrontendData struct {
	Enabled                   bool                               `json:"enabled"`
	RoomHistory                []Message                          `json:"room_history"`
	GroupsHistory              []Message                          `json:"groups_history"`
	PrivateHistory             []Message                          `json:"private_history"`
	LastSeenTimestampGlobal    *ids.Timestamp                     `json:"last_seen_timestamp_global,omitempty"`
	LastSeenTimestampsGroup    map[string]ids.Timestamp           `json:"last_seen_timestamps_group"`
	LastSeenTimestampsPrivate  map[ids.ParticipantId]ids.Timestamp `json:"last_seen_timestamps_private"`
}

// storage keys. Room/group/private history lives under keys fixed by room/group/peer-pair, not
// by participant id, so it outlives any single rejoining participant.
const (
	keyRoomHistory     = "chat:history:room"
	keyGroupRegistry   = "chat:groups"
	groupHistoryPrefix = "chat:history:group:"
	privateHistPrefix  = "chat:history:private:"
)

func groupHistoryKey(group string) string { return groupHistoryPrefix + group }

func privateHistoryKey(a, b ids.ParticipantId) string {
	x, y := string(a), string(b)
	if x > y {
		x, y = y, x
	}
	return privateHistPrefix + x + ":" + y
}

// Per-viewer last-seen keys and registries, keyed by stableId so they survive the viewer
// rejoining under a new ParticipantId.
func lastSeenGlobalKey(stableId string) string { return "chat:last_seen:global:" + stableId }
func lastSeenGroupKey(stableId, group string) string {
	return "chat:last_seen:group:" + stableId + ":" + group
}
func lastSeenPrivateKey(stableId string, peer ids.ParticipantId) string {
	return "chat:last_seen:private:" + stableId + ":" + string(peer)
}
func seenGroupsRegistryKey(stableId string) string  { return "chat:last_seen_groups:" + stableId }
func seenPeersRegistryKey(stableId string) string   { return "chat:last_seen_peers:" + stableId }

// Module is one participant's Chat instance.
type Module struct {
	self     ids.ParticipantId
	room     ids.SignalingRoomId
	stableId string
	params   Params
}

// Init builds a Chat module for a joining participant, or refuses (returns nil) if the tariff
// disables chat entirely (spec.md §4.3 "may refuse to opt out").
func Init(self ids.ParticipantId, room ids.SignalingRoomId, stableId string, params Params) *Module {
	if !params.Enabled {
		return nil
	}
	return &Module{self: self, room: room, stableId: stableId, params: params}
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureChat} }

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
	data, err := m.buildFrontendData(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	raw, err := modutil.Marshal(data)
	if err != nil {
		return signaling.NewResourceError(err)
	}
	slots.FrontendData = raw
	return nil
}

func (m *Module) buildFrontendData(cc context.Context, store storage.Storage) (FrontendData, error) {
	roomHistory, err := loadMessages(cc, store, m.room, keyRoomHistory)
	if err != nil {
		return FrontendData{}, err
	}

	groups, err := listStrings(cc, store, m.room, keyGroupRegistry)
	if err != nil {
		return FrontendData{}, err
	}
	var groupsHistory []Message
	for _, g := range groups {
		msgs, err := loadMessages(cc, store, m.room, groupHistoryKey(g))
		if err != nil {
			return FrontendData{}, err
		}
		groupsHistory = append(groupsHistory, msgs...)
	}

	seenPeers, err := listStrings(cc, store, m.room, seenPeersRegistryKey(m.stableId))
	if err != nil {
		return FrontendData{}, err
	}
	var privateHistory []Message
	for _, peer := range seenPeers {
		msgs, err := loadMessages(cc, store, m.room, privateHistoryKey(m.self, ids.ParticipantId(peer)))
		if err != nil {
			return FrontendData{}, err
		}
		privateHistory = append(privateHistory, msgs...)
	}

	globalTs, err := getTimestamp(cc, store, m.room, lastSeenGlobalKey(m.stableId))
	if err != nil {
		return FrontendData{}, err
	}

	seenGroups, err := listStrings(cc, store, m.room, seenGroupsRegistryKey(m.stableId))
	if err != nil {
		return FrontendData{}, err
	}
	groupMap := map[string]ids.Timestamp{}
	for _, g := range seenGroups {
		ts, err := getTimestamp(cc, store, m.room, lastSeenGroupKey(m.stableId, g))
		if err != nil {
			return FrontendData{}, err
		}
		if ts != nil {
			groupMap[g] = *ts
		}
	}

	privateMap := map[ids.ParticipantId]ids.Timestamp{}
	for _, peer := range seenPeers {
		ts, err := getTimestamp(cc, store, m.room, lastSeenPrivateKey(m.stableId, ids.ParticipantId(peer)))
		if err != nil {
			return FrontendData{}, err
		}
		if ts != nil {
			privateMap[ids.ParticipantId(peer)] = *ts
		}
	}

	return FrontendData{
		Enabled:                   true,
		RoomHistory:               nonNil(roomHistory),
		GroupsHistory:             nonNil(groupsHistory),
		PrivateHistory:            nonNil(privateHistory),
		LastSeenTimestampGlobal:   globalTs,
		LastSeenTimestampsGroup:   groupMap,
		LastSeenTimestampsPrivate: privateMap,
	}, nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		ctx.WsSend(Outgoing{Type: outError, Error: "malformed chat command"})
		return signaling.NewProtocolError("malformed_command", "could not parse chat command")
	}

	switch in.Action {
	case ActionSendMessage:
		return m.sendMessage(ctx, in)
	case ActionSetLastSeenTimestamp:
		return m.setLastSeen(ctx, in)
	default:
		ctx.WsSend(Outgoing{Type: outError, Error: "unknown chat action"})
		return signaling.NewProtocolError("unknown_action", "unknown chat action "+in.Action)
	}
}

func (m *Module) sendMessage(ctx *signaling.ModuleContext, in Incoming) error {
	if in.Scope == nil {
		return signaling.NewProtocolError("missing_scope", "send_message requires a scope")
	}
	msg := Message{Source: m.self, Scope: *in.Scope, Content: in.Content, Timestamp: ctx.Timestamp}

	store := ctx.Storage()
	cc := ctx.Context()

	switch in.Scope.Kind {
	case ScopeRoom:
		if err := store.ModuleListAppend(cc, m.room, keyRoomHistory, msg); err != nil {
			return signaling.NewResourceError(err)
		}
	case ScopeGroup:
		if in.Scope.Group == "" {
			return signaling.NewProtocolError("missing_group", "group scope requires a group name")
		}
		if err := registerString(cc, store, m.room, keyGroupRegistry, in.Scope.Group); err != nil {
			return signaling.NewResourceError(err)
		}
		if err := store.ModuleListAppend(cc, m.room, groupHistoryKey(in.Scope.Group), msg); err != nil {
			return signaling.NewResourceError(err)
		}
	case ScopePrivate:
		if in.Scope.Target == "" {
			return signaling.NewProtocolError("missing_target", "private scope requires a target")
		}
		if err := store.ModuleListAppend(cc, m.room, privateHistoryKey(m.self, in.Scope.Target), msg); err != nil {
			return signaling.NewResourceError(err)
		}
	default:
		return signaling.NewProtocolError("invalid_scope", fmt.Sprintf("invalid chat scope %q", in.Scope.Kind))
	}

	ctx.WsSend(Outgoing{Type: outMessage, Message: &msg})
	ctx.ExchangePublish(routingKeyFor(m.room), msg)
	return nil
}

func (m *Module) setLastSeen(ctx *signaling.ModuleContext, in Incoming) error {
	if in.Scope == nil || in.Timestamp == nil {
		return signaling.NewProtocolError("missing_fields", "set_last_seen_timestamp requires scope and timestamp")
	}
	store := ctx.Storage()
	cc := ctx.Context()

	switch in.Scope.Kind {
	case ScopeGlobal:
		if err := store.ModuleValueSet(cc, m.room, lastSeenGlobalKey(m.stableId), *in.Timestamp); err != nil {
			return signaling.NewResourceError(err)
		}
	case ScopeGroup:
		if in.Scope.Group == "" {
			return signaling.NewProtocolError("missing_group", "group scope requires a group name")
		}
		if err := registerString(cc, store, m.room, seenGroupsRegistryKey(m.stableId), in.Scope.Group); err != nil {
			return signaling.NewResourceError(err)
		}
		if err := store.ModuleValueSet(cc, m.room, lastSeenGroupKey(m.stableId, in.Scope.Group), *in.Timestamp); err != nil {
			return signaling.NewResourceError(err)
		}
	case ScopePrivate:
		if in.Scope.Target == "" {
			return signaling.NewProtocolError("missing_target", "private scope requires a target")
		}
		if err := registerString(cc, store, m.room, seenPeersRegistryKey(m.stableId), string(in.Scope.Target)); err != nil {
			return signaling.NewResourceError(err)
		}
		if err := store.ModuleValueSet(cc, m.room, lastSeenPrivateKey(m.stableId, in.Scope.Target), *in.Timestamp); err != nil {
			return signaling.NewResourceError(err)
		}
	default:
		return signaling.NewProtocolError("invalid_scope", fmt.Sprintf("invalid last-seen scope %q", in.Scope.Kind))
	}
	return nil
}

// onExchange delivers a message another participant's chat module published to a peer: the
// recipient replays it verbatim to their own client.
func (m *Module) onExchange(ctx *signaling.ModuleContext, raw []byte) error {
	var msg Message
	if err := modutil.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	if msg.Scope.Kind == ScopePrivate && msg.Scope.Target != m.self {
		return nil
	}
	ctx.WsSendOverwriteTimestamp(Outgoing{Type: outMessage, Message: &msg}, msg.Timestamp)
	return nil
}

func routingKeyFor(room ids.SignalingRoomId) string {
	return "room." + string(room.Room) + "." + breakoutSegment(room) + ".all"
}

func breakoutSegment(room ids.SignalingRoomId) string {
	if room.Breakout == nil {
		return "main"
	}
	return string(*room.Breakout)
}

// OnDestroy purges every chat key this participant's room owns when the whole room is being
// torn down; a local (breakout-only) destroy leaves chat history alone. History keys are scoped
// to the signaling room (a breakout's keys carry its breakout id), so a local destroy leaves the
// emptied breakout's history in storage.
func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	if !ctx.DestroyRoom() {
		return
	}
	store := ctx.Storage()
	cc := ctx.Context()
	_ = store.ModuleListDelete(cc, m.room, keyRoomHistory)
	groups, err := listStrings(cc, store, m.room, keyGroupRegistry)
	if err == nil {
		for _, g := range groups {
			_ = store.ModuleListDelete(cc, m.room, groupHistoryKey(g))
		}
		_ = store.ModuleValueDelete(cc, m.room, keyGroupRegistry)
	}
}

func nonNil(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	return msgs
}

// --- small storage helpers shared by this module's list/registry/scalar access patterns ---

func loadMessages(cc context.Context, store storage.Storage, room ids.SignalingRoomId, key string) ([]Message, error) {
	raws, err := store.ModuleListAll(cc, room, key)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := modutil.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func listStrings(cc context.Context, store storage.Storage, room ids.SignalingRoomId, key string) ([]string, error) {
	raws, err := store.ModuleListAll(cc, room, key)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		var s string
		if err := modutil.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// registerString appends value to the list at key unless already present, giving a small
// set-like registry on top of the append-only ModuleList primitive.
func registerString(cc context.Context, store storage.Storage, room ids.SignalingRoomId, key, value string) error {
	existing, err := listStrings(cc, store, room, key)
	if err != nil {
		return err
	}
	for _, v := range existing {
		if v == value {
			return nil
		}
	}
	return store.ModuleListAppend(cc, room, key, value)
}

func getTimestamp(cc context.Context, store storage.Storage, room ids.SignalingRoomId, key string) (*ids.Timestamp, error) {
	raw, ok, err := store.ModuleValueGet(cc, room, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var ts ids.Timestamp
	if err := modutil.Unmarshal(raw, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}
