package room

import (
	"encoding/json"
	"fmt"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/signaling"
)

// NewBannedError builds the signaling.Error a Join call returns when the joining participant
// was previously banned from the room.
func NewBannedError(participant ids.ParticipantId) *signaling.Error {
	return &signaling.Error{
		Kind:    signaling.KindAuthorization,
		Code:    "banned",
		Message: fmt.Sprintf("participant %s has been banned from this room", participant),
	}
}

func unmarshalInto(raw json.RawMessage, target any) error {
	return json.Unmarshal(raw, target)
}
