// Package meetingreport accumulates a per-room attendance/activity summary in volatile storage,
// grounded on original_source/crates/opentalk-signaling-module-meeting-report. Its only job is
// recording the structured data (join/leave timestamps, who raised or lowered a hand when; chat
// messages are not recorded) for later PDF rendering — rendering itself is explicitly out of scope per
// SPEC_FULL.md's Non-goals ("mail/report rendering and delivery").
package meetingreport

import (
	"context"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
)

const Namespace ids.ModuleId = "meeting_report"
const FeatureMeetingReport ids.FeatureId = "meeting_report"

const entriesKey = "meeting_report:entries"

const (
	EntryJoined    = "joined"
	EntryLeft      = "left"
	EntryHandRaised = "hand_raised"
	EntryHandLowered = "hand_lowered"
)

// Entry is one recorded activity line.
type Entry struct {
	Kind        string            `json:"kind"`
	Participant ids.ParticipantId `json:"participant"`
	At          ids.Timestamp     `json:"at"`
}

// Incoming is the client -> module command envelope; only a moderator's get_report is handled.
type Incoming struct {
	Action string `json:"action"`
}

const ActionGetReport = "get_report"

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type    string  `json:"type"`
	Entries []Entry `json:"entries,omitempty"`
	Error   string  `json:"error,omitempty"`
}

const (
	outReport = "report"
	outError  = "error"
)

type Module struct {
	self ids.ParticipantId
	room ids.SignalingRoomId
}

func Init(self ids.ParticipantId, signalingRoom ids.SignalingRoomId) *Module {
	return &Module{self: self, room: signalingRoom}
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureMeetingReport} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.record(ctx, EntryJoined, m.self)
	case signaling.EventLeaving:
		return m.record(ctx, EntryLeft, m.self)
	case signaling.EventParticipantJoined:
		return m.record(ctx, EntryJoined, event.Participant)
	case signaling.EventParticipantLeft:
		return m.record(ctx, EntryLeft, event.Participant)
	case signaling.EventRaiseHand:
		return m.record(ctx, EntryHandRaised, m.self)
	case signaling.EventLowerHand:
		return m.record(ctx, EntryHandLowered, m.self)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	}
	return nil
}

func (m *Module) record(ctx *signaling.ModuleContext, kind string, participant ids.ParticipantId) error {
	entry := Entry{Kind: kind, Participant: participant, At: ctx.Timestamp}
	if err := ctx.Storage().ModuleListAppend(ctx.Context(), m.room, entriesKey, entry); err != nil {
		return signaling.NewResourceError(err)
	}
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse meeting_report command")
	}
	if in.Action != ActionGetReport {
		return signaling.NewProtocolError("unknown_action", "unknown meeting_report action "+in.Action)
	}
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can fetch the meeting report"})
		return signaling.NewAuthorizationError("only a moderator can fetch the meeting report")
	}
	entries, err := m.loadEntries(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.WsSend(Outgoing{Type: outReport, Entries: entries})
	return nil
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	if !ctx.DestroyRoom() {
		return
	}
	_ = ctx.Storage().ModuleListDelete(ctx.Context(), m.room, entriesKey)
}

func (m *Module) loadEntries(cc context.Context, store storage.Storage) ([]Entry, error) {
	raws, err := store.ModuleListAll(cc, m.room, entriesKey)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var entry Entry
		if err := modutil.Unmarshal(raw, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
