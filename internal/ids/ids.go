// Package ids defines the strongly-typed identifiers and small value types shared across
// the signaling core. Keeping them as distinct string/struct types instead of bare strings
// prevents a RoomId from being passed where a ParticipantId is expected, a mistake the
// compiler cannot otherwise catch.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParticipantId uniquely identifies a single connection into a room for its lifetime.
type ParticipantId string

// NewParticipantId generates a fresh, random ParticipantId.
func NewParticipantId() ParticipantId {
	return ParticipantId(uuid.NewString())
}

// RoomId identifies a conference room, independent of any breakout split.
type RoomId string

// BreakoutRoomId identifies one child room spawned from a RoomId for a bounded duration.
type BreakoutRoomId string

// NewBreakoutRoomId generates a fresh, random BreakoutRoomId.
func NewBreakoutRoomId() BreakoutRoomId {
	return BreakoutRoomId(uuid.NewString())
}

// ModuleId is the stable short namespace a signaling module is addressed by, both in the
// WebSocket envelope and as an exchange routing-key suffix.
type ModuleId string

// FeatureId is a capability name a module advertises via the tariff endpoint.
type FeatureId string

// Role is the permission level of a participant within a room.
type Role string

const (
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
	RoleGuest     Role = "guest"
)

// ParticipantKind distinguishes how a participant entered the room.
type ParticipantKind string

const (
	KindUser     ParticipantKind = "user"
	KindGuest    ParticipantKind = "guest"
	KindSip      ParticipantKind = "sip"
	KindRecorder ParticipantKind = "recorder"
)

// Timestamp is an RFC3339-serializable instant used to stamp every event delivered to a
// participant. The runner stamps each dispatch with Now(), the current wall-clock time in UTC.
type Timestamp time.Time

func Now() Timestamp { return Timestamp(time.Now().UTC()) }

func (t Timestamp) Time() time.Time { return time.Time(t) }

func (t Timestamp) Before(o Timestamp) bool { return time.Time(t).Before(time.Time(o)) }

func (t Timestamp) Add(d time.Duration) Timestamp { return Timestamp(time.Time(t).Add(d)) }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Time(t).Format(time.RFC3339Nano))), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
	}
	*t = Timestamp(parsed)
	return nil
}

// SignalingRoomId pairs a RoomId with an optional BreakoutRoomId. Two breakouts of the same
// room share RoomId() but own disjoint local state.
type SignalingRoomId struct {
	Room     RoomId
	Breakout *BreakoutRoomId
}

// MainRoom builds a SignalingRoomId referring to the main room (no breakout).
func MainRoom(room RoomId) SignalingRoomId {
	return SignalingRoomId{Room: room}
}

// BreakoutRoom builds a SignalingRoomId referring to a specific breakout of a room.
func BreakoutRoom(room RoomId, breakout BreakoutRoomId) SignalingRoomId {
	return SignalingRoomId{Room: room, Breakout: &breakout}
}

func (s SignalingRoomId) RoomId() RoomId { return s.Room }

func (s SignalingRoomId) IsBreakout() bool { return s.Breakout != nil }

// String renders a stable textual form, used as part of storage keys and routing keys.
func (s SignalingRoomId) String() string {
	if s.Breakout == nil {
		return string(s.Room)
	}
	return fmt.Sprintf("%s.%s", s.Room, *s.Breakout)
}

func (s SignalingRoomId) Equal(o SignalingRoomId) bool {
	if s.Room != o.Room {
		return false
	}
	if (s.Breakout == nil) != (o.Breakout == nil) {
		return false
	}
	if s.Breakout == nil {
		return true
	}
	return *s.Breakout == *o.Breakout
}

// CloseCode mirrors the WebSocket close codes the runner uses to explain why a connection
// ended (spec.md §6).
type CloseCode int

const (
	CloseNormal     CloseCode = 1000 // voluntary leave / kick
	CloseGoingAway  CloseCode = 1001 // room or breakout expiry
	ClosePolicy     CloseCode = 1008 // auth / handshake violation
	CloseInternal   CloseCode = 1011 // fatal / irrecoverable fault
)

// CleanupScope is the extent of teardown work a runner performs on destroy.
type CleanupScope int

const (
	CleanupNone CleanupScope = iota
	CleanupLocal
	CleanupGlobal
)

func (c CleanupScope) String() string {
	switch c {
	case CleanupNone:
		return "none"
	case CleanupLocal:
		return "local"
	case CleanupGlobal:
		return "global"
	default:
		return "unknown"
	}
}
