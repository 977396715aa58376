// Package storage implements the volatile shared state described in spec.md §3/§4.1: room and
// participant attributes, participant sets, set-once room singletons (tariff/creator/event),
// saturating counters, a first-writer-wins closes-at deadline, and TTL-based skip-waiting-room
// flags. Two backends satisfy the same Storage interface: an embedded buntdb-backed store for
// single-controller deployments, and a Redis-backed store for multi-controller deployments
// (mirrors the teacher's internal/v1/room/redis.go and internal/v1/session/redis.go). Module
// code is written against the interface only; the backend choice is injected at startup.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
)

// ErrNotFound means the key namespace doesn't exist at all, distinct from "value absent"
// (spec.md §4.1 failure model).
var ErrNotFound = errors.New("storage: not found")

// AttributeScope selects whether an attribute lives under a room-global key or a
// breakout-local key (spec.md §3).
type AttributeScope struct {
	Global *ids.RoomId
	Local  *ids.SignalingRoomId
}

func GlobalScope(room ids.RoomId) AttributeScope { return AttributeScope{Global: &room} }
func LocalScope(room ids.SignalingRoomId) AttributeScope {
	return AttributeScope{Local: &room}
}

func (s AttributeScope) String() string {
	if s.Global != nil {
		return "global=" + string(*s.Global)
	}
	return "local=" + s.Local.String()
}

// AttributeKey names a single attribute within a scope, e.g. "display_name", "joined_at".
type AttributeKey string

// Well-known control-module attribute keys (spec.md §3 invariants reference these).
const (
	AttrDisplayName       AttributeKey = "display_name"
	AttrRole              AttributeKey = "role"
	AttrAvatarUrl         AttributeKey = "avatar_url"
	AttrUserId            AttributeKey = "user_id"
	AttrJoinedAt          AttributeKey = "joined_at"
	AttrRecordingConsent  AttributeKey = "recording_consent"
	AttrKind              AttributeKey = "kind"
	AttrLeftAt            AttributeKey = "left_at"
	AttrHandIsUp          AttributeKey = "hand_is_up"
	AttrHandUpdatedAt     AttributeKey = "hand_updated_at"
)

// ActionKind discriminates a single operation within a BulkActions batch.
type ActionKind int

const (
	ActionGet ActionKind = iota
	ActionSet
	ActionDelete
)

// Action is one step of an atomic BulkActions batch.
type Action struct {
	Kind        ActionKind
	Scope       AttributeScope
	Key         AttributeKey
	Participant ids.ParticipantId
	Value       json.RawMessage // only for ActionSet
}

// BulkActions is an ordered batch of Get/Set/Delete operations that commits atomically: all
// writes happen, and every Get's value (or absence) is returned in submission order
// (spec.md §3, invariant 4 in §8).
type BulkActions struct {
	Actions []Action
}

func (b *BulkActions) Get(scope AttributeScope, key AttributeKey, participant ids.ParticipantId) *BulkActions {
	b.Actions = append(b.Actions, Action{Kind: ActionGet, Scope: scope, Key: key, Participant: participant})
	return b
}

func (b *BulkActions) Set(scope AttributeScope, key AttributeKey, participant ids.ParticipantId, value any) *BulkActions {
	raw, _ := json.Marshal(value)
	b.Actions = append(b.Actions, Action{Kind: ActionSet, Scope: scope, Key: key, Participant: participant, Value: raw})
	return b
}

func (b *BulkActions) Delete(scope AttributeScope, key AttributeKey, participant ids.ParticipantId) *BulkActions {
	b.Actions = append(b.Actions, Action{Kind: ActionDelete, Scope: scope, Key: key, Participant: participant})
	return b
}

// BulkResult is the per-Get outcome of a committed BulkActions batch, in submission order;
// non-Get actions produce no entry.
type BulkResult struct {
	Value json.RawMessage
	Found bool
}

// Tariff is the capability bundle resolved once per room at first join (spec.md §3).
type Tariff struct {
	Name     string            `json:"name"`
	Quotas   map[string]int    `json:"quotas,omitempty"`
	Features map[string]bool   `json:"features,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// CreatorInfo identifies whoever triggered the first join of a room.
type CreatorInfo struct {
	UserId      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name"`
}

// Event is a snapshot of the calendar event backing a room, if any.
type Event struct {
	Id    string         `json:"id"`
	Title string         `json:"title"`
	Start ids.Timestamp  `json:"start"`
	End   *ids.Timestamp `json:"end,omitempty"`
}

// Storage is the full volatile-state contract. Every method that can fail due to a transient
// network/backend issue returns an error wrapping the backend's own error; callers decide
// (per module) whether to log-and-continue, surface a client error frame, or force-close.
type Storage interface {
	// --- participant set ---
	ParticipantSetContains(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) (bool, error)
	ParticipantSetAdd(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) (inserted bool, err error)
	ParticipantSetRemove(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) error
	ParticipantSetAll(ctx context.Context, room ids.SignalingRoomId) ([]ids.ParticipantId, error)
	ParticipantSetCheckAllExist(ctx context.Context, room ids.SignalingRoomId, participants []ids.ParticipantId) (bool, error)
	ParticipantSetExists(ctx context.Context, room ids.SignalingRoomId) (bool, error)
	ParticipantSetRemoveSet(ctx context.Context, room ids.SignalingRoomId) error

	// --- attributes ---
	AttributeGet(ctx context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId) (json.RawMessage, bool, error)
	AttributeSet(ctx context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId, value any) error
	AttributeDelete(ctx context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId) error
	AttributeGetForParticipants(ctx context.Context, scope AttributeScope, key AttributeKey, participants []ids.ParticipantId) ([]*json.RawMessage, error)
	AttributeRemoveKey(ctx context.Context, scope AttributeScope, key AttributeKey) error
	Bulk(ctx context.Context, actions BulkActions) ([]BulkResult, error)

	// --- room singletons (compare-and-set) ---
	TryInitTariff(ctx context.Context, room ids.RoomId, tariff Tariff) (Tariff, error)
	GetTariff(ctx context.Context, room ids.RoomId) (*Tariff, error)
	DeleteTariff(ctx context.Context, room ids.RoomId) error

	TryInitCreator(ctx context.Context, room ids.RoomId, creator CreatorInfo) (CreatorInfo, error)
	GetCreator(ctx context.Context, room ids.RoomId) (*CreatorInfo, error)
	DeleteCreator(ctx context.Context, room ids.RoomId) error

	TryInitEvent(ctx context.Context, room ids.RoomId, event Event) (Event, error)
	GetEvent(ctx context.Context, room ids.RoomId) (*Event, error)
	DeleteEvent(ctx context.Context, room ids.RoomId) error

	// --- counters ---
	IncrementParticipantCount(ctx context.Context, room ids.RoomId) (int64, error)
	DecrementParticipantCount(ctx context.Context, room ids.RoomId) (int64, error)
	GetParticipantCount(ctx context.Context, room ids.RoomId) (int64, bool, error)
	DeleteParticipantCount(ctx context.Context, room ids.RoomId) error

	// --- room closes-at (first-writer-wins) ---
	SetRoomClosesAt(ctx context.Context, room ids.SignalingRoomId, at ids.Timestamp) (set bool, err error)
	GetRoomClosesAt(ctx context.Context, room ids.SignalingRoomId) (*ids.Timestamp, error)
	RemoveRoomClosesAt(ctx context.Context, room ids.SignalingRoomId) error

	// --- skip-waiting-room TTL flag ---
	SetSkipWaitingRoomWithExpiry(ctx context.Context, participant ids.ParticipantId, value bool, ttl time.Duration) error
	SetSkipWaitingRoomWithExpiryNX(ctx context.Context, participant ids.ParticipantId, value bool, ttl time.Duration) error
	ResetSkipWaitingRoomExpiry(ctx context.Context, participant ids.ParticipantId, ttl time.Duration) error
	GetSkipWaitingRoom(ctx context.Context, participant ids.ParticipantId) (bool, error)

	// ConsumeNonce atomically claims a one-shot token (e.g. a join ticket's jti) scoped to a
	// namespace, expiring it after ttl. It reports true the first time a given (namespace, id)
	// pair is seen and false on every subsequent call, so callers can reject replays.
	ConsumeNonce(ctx context.Context, namespace, id string, ttl time.Duration) (firstUse bool, err error)

	// --- module-scoped keyed values (each module composes the store via its own key
	//     strings, e.g. "breakout:config", "polls:state") ---
	ModuleValueGet(ctx context.Context, room ids.SignalingRoomId, moduleKey string) (json.RawMessage, bool, error)
	ModuleValueSet(ctx context.Context, room ids.SignalingRoomId, moduleKey string, value any) error
	ModuleValueDelete(ctx context.Context, room ids.SignalingRoomId, moduleKey string) error

	// --- module-scoped ordered lists (e.g. poll history ids) ---
	ModuleListAppend(ctx context.Context, room ids.SignalingRoomId, moduleKey string, value any) error
	ModuleListAll(ctx context.Context, room ids.SignalingRoomId, moduleKey string) ([]json.RawMessage, error)
	ModuleListDelete(ctx context.Context, room ids.SignalingRoomId, moduleKey string) error

	Close() error
}
