package room

import (
	"fmt"

	"github.com/otcontroller/signaling/internal/ids"
)

// Routing keys as laid out in spec.md §6. Kept as small pure functions so both this package and
// signaling modules build them identically.
//
// spec.md §6 documents both a cross-breakout "room.<room_id>.all" key and a per-signaling-room
// "room.<room_id>.<breakout_id?>.all" key whose optional segment would collapse to the same
// literal string for the main room — an ambiguity the worked Breakout example in §4.7 resolves
// by publishing the cross-breakout broadcast to "room.<r>.global.all" instead. This package
// follows §4.7's concrete usage: the cross-breakout key always carries an explicit "global"
// segment, and a signaling room's own segment is "main" when it isn't a breakout, so the two
// never collide.

func AllRoomRoutingKey(room ids.RoomId) string {
	return fmt.Sprintf("room.%s.global.all", room)
}

func AllSignalingRoomRoutingKey(signalingRoom ids.SignalingRoomId) string {
	return fmt.Sprintf("room.%s.%s.all", signalingRoom.Room, breakoutSegment(signalingRoom))
}

func ByParticipantRoutingKey(signalingRoom ids.SignalingRoomId, participant ids.ParticipantId) string {
	return fmt.Sprintf("room.%s.%s.by_participant.%s", signalingRoom.Room, breakoutSegment(signalingRoom), participant)
}

func RecordersRoutingKey(signalingRoom ids.SignalingRoomId) string {
	return fmt.Sprintf("room.%s.%s.recorders", signalingRoom.Room, breakoutSegment(signalingRoom))
}

func GlobalByParticipantRoutingKey(room ids.RoomId, participant ids.ParticipantId) string {
	return fmt.Sprintf("room.%s.global.by_participant.%s", room, participant)
}

func breakoutSegment(signalingRoom ids.SignalingRoomId) string {
	if signalingRoom.Breakout == nil {
		return "main"
	}
	return string(*signalingRoom.Breakout)
}
