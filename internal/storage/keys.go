package storage

import (
	"fmt"

	"github.com/otcontroller/signaling/internal/ids"
)

// Key layout mirrors the persisted-state layout documented in spec.md §6. It is not a wire
// contract, but keeping both backends consistent with it makes cross-backend debugging and
// the bulk-action tests below easier to reason about.

func participantsSetKey(room ids.SignalingRoomId) string {
	if room.Breakout == nil {
		return fmt.Sprintf("room=%s:participants", room.Room)
	}
	return fmt.Sprintf("room=%s:breakout=%s:participants", room.Room, *room.Breakout)
}

func attributeHashKey(scope AttributeScope, key AttributeKey) string {
	if scope.Global != nil {
		return fmt.Sprintf("room=%s:participants:attributes:%s", *scope.Global, key)
	}
	room := *scope.Local
	if room.Breakout == nil {
		return fmt.Sprintf("room=%s:participants:attributes:%s", room.Room, key)
	}
	return fmt.Sprintf("room=%s:breakout=%s:participants:attributes:%s", room.Room, *room.Breakout, key)
}

func tariffKey(room ids.RoomId) string            { return fmt.Sprintf("room=%s:tariff", room) }
func creatorKey(room ids.RoomId) string           { return fmt.Sprintf("room=%s:creator", room) }
func eventKey(room ids.RoomId) string             { return fmt.Sprintf("room=%s:event", room) }
func participantCountKey(room ids.RoomId) string  { return fmt.Sprintf("room=%s:participant_count", room) }

func closesAtKey(room ids.SignalingRoomId) string {
	if room.Breakout == nil {
		return fmt.Sprintf("room=%s:closes_at", room.Room)
	}
	return fmt.Sprintf("room=%s:breakout=%s:closes_at", room.Room, *room.Breakout)
}

func skipWaitingRoomKey(participant ids.ParticipantId) string {
	return fmt.Sprintf("participant=%s:skip_waiting_room", participant)
}

func nonceKey(namespace, id string) string {
	return fmt.Sprintf("nonce=%s:%s", namespace, id)
}

func moduleValueKey(room ids.SignalingRoomId, moduleKey string) string {
	if room.Breakout == nil {
		return fmt.Sprintf("room=%s:%s", room.Room, moduleKey)
	}
	return fmt.Sprintf("room=%s:breakout=%s:%s", room.Room, *room.Breakout, moduleKey)
}
