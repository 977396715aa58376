// Package recording implements start/stop recording consent tracking named in SPEC_FULL.md's
// DOMAIN MODULES section. Consent is tracked per participant through the existing
// storage.AttrRecordingConsent attribute (spec.md §3); this module is the thing that starts and
// stops a room-wide recording session, requires every currently-connected participant to have
// given consent before a recording can start, and publishes recording_status exchange events so
// every runner's own UI can show a recording indicator. Gated by tariff: Init refuses (returns a
// nil module, mirroring internal/modules/chat's disabled-params convention) when the room's
// tariff doesn't carry the "recording" feature.
package recording

import (
	"context"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
)

const Namespace ids.ModuleId = "recording"
const FeatureRecording ids.FeatureId = "recording"

const stateKey = "recording:state"

// State is the single active-recording snapshot for a room.
type State struct {
	Active    bool              `json:"active"`
	StartedBy ids.ParticipantId `json:"started_by,omitempty"`
	Started   ids.Timestamp     `json:"started,omitempty"`
}

// Incoming is the client -> module command envelope.
type Incoming struct {
	Action  string `json:"action"`
	Consent *bool  `json:"consent,omitempty"`
}

const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionSetConsent = "set_consent"
)

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

const (
	outRecordingStatus = "recording_status"
	outError           = "error"
)

type Module struct {
	self          ids.ParticipantId
	signalingRoom ids.SignalingRoomId
}

// Init returns nil (module absent) when tariff doesn't grant the recording feature, following
// the same convention internal/modules/chat uses for a disabled module.
func Init(ctx context.Context, store storage.Storage, self ids.ParticipantId, signalingRoom ids.SignalingRoomId) (*Module, error) {
	tariff, err := store.GetTariff(ctx, signalingRoom.Room)
	if err != nil {
		return nil, err
	}
	if tariff == nil || !tariff.Features["recording"] {
		return nil, nil
	}
	return &Module{self: self, signalingRoom: signalingRoom}, nil
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureRecording} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.onJoined(ctx)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	case signaling.EventExchange:
		return m.onExchange(ctx, event.RawPayload)
	case signaling.EventParticipantJoined, signaling.EventParticipantUpdated:
		return m.onPeerState(ctx, event.Participant, event.ParticipantSlot)
	}
	return nil
}

// peerConsent is this module's PeerFrontendData: whether the peer in question has given
// recording consent, attached to that peer's descriptor and re-sent whenever
// ctx.InvalidateData() fires a `update` frame. The consent attribute is stored per signaling
// room (storage.LocalScope), so consent given in one breakout is not seen from another breakout
// or from the main room.
type peerConsent struct {
	Consent bool `json:"consent"`
}

func (m *Module) onPeerState(ctx *signaling.ModuleContext, participant ids.ParticipantId, slot *signaling.ParticipantSlot) error {
	raw, ok, err := ctx.Storage().AttributeGet(ctx.Context(), storage.LocalScope(m.signalingRoom), storage.AttrRecordingConsent, participant)
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok {
		return nil
	}
	var consent bool
	if err := modutil.Unmarshal(raw, &consent); err != nil {
		return signaling.NewResourceError(err)
	}
	data, err := modutil.Marshal(peerConsent{Consent: consent})
	if err != nil {
		return signaling.NewResourceError(err)
	}
	slot.PeerFrontendData = data
	return nil
}

func (m *Module) onJoined(ctx *signaling.ModuleContext) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok {
		return nil
	}
	ctx.WsSend(Outgoing{Type: outRecordingStatus}.withState(state))
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse recording command")
	}
	switch in.Action {
	case ActionStart:
		return m.start(ctx)
	case ActionStop:
		return m.stop(ctx)
	case ActionSetConsent:
		return m.setConsent(ctx, in.Consent)
	default:
		return signaling.NewProtocolError("unknown_action", "unknown recording action "+in.Action)
	}
}

func (m *Module) start(ctx *signaling.ModuleContext) error {
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can start recording"})
		return signaling.NewAuthorizationError("only a moderator can start recording")
	}

	participants, err := ctx.Storage().ParticipantSetAll(ctx.Context(), m.signalingRoom)
	if err != nil {
		return signaling.NewResourceError(err)
	}
	raws, err := ctx.Storage().AttributeGetForParticipants(
		ctx.Context(), storage.LocalScope(m.signalingRoom), storage.AttrRecordingConsent, participants)
	if err != nil {
		return signaling.NewResourceError(err)
	}
	for i, raw := range raws {
		var consent bool
		if raw == nil {
			ctx.WsSend(Outgoing{Type: outError, Error: "not every participant has given recording consent"})
			return signaling.NewStateError("missing_consent", "participant "+string(participants[i])+" has not given consent")
		}
		if err := modutil.Unmarshal(*raw, &consent); err != nil || !consent {
			ctx.WsSend(Outgoing{Type: outError, Error: "not every participant has given recording consent"})
			return signaling.NewStateError("missing_consent", "participant "+string(participants[i])+" has not given consent")
		}
	}

	state := State{Active: true, StartedBy: m.self, Started: ctx.Timestamp}
	if err := ctx.Storage().ModuleValueSet(ctx.Context(), m.signalingRoom, stateKey, state); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.signalingRoom), state)
	return nil
}

func (m *Module) stop(ctx *signaling.ModuleContext) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can stop recording")
	}
	if err := ctx.Storage().ModuleValueDelete(ctx.Context(), m.signalingRoom, stateKey); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.signalingRoom), State{Active: false})
	return nil
}

func (m *Module) setConsent(ctx *signaling.ModuleContext, consent *bool) error {
	if consent == nil {
		return signaling.NewProtocolError("missing_consent", "consent is required")
	}
	scope := storage.LocalScope(m.signalingRoom)
	if err := ctx.Storage().AttributeSet(ctx.Context(), scope, storage.AttrRecordingConsent, m.self, *consent); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.InvalidateData()
	return nil
}

func (m *Module) onExchange(ctx *signaling.ModuleContext, raw []byte) error {
	var state State
	if err := modutil.Unmarshal(raw, &state); err != nil {
		return nil
	}
	ctx.WsSend(Outgoing{Type: outRecordingStatus}.withState(state))
	return nil
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	if !ctx.DestroyRoom() {
		return
	}
	_ = ctx.Storage().ModuleValueDelete(ctx.Context(), m.signalingRoom, stateKey)
}

func (m *Module) load(cc context.Context, store storage.Storage) (State, bool, error) {
	raw, ok, err := store.ModuleValueGet(cc, m.signalingRoom, stateKey)
	if err != nil || !ok {
		return State{}, false, err
	}
	var state State
	if err := modutil.Unmarshal(raw, &state); err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

type recordingStatus struct {
	Type      string            `json:"type"`
	Active    bool              `json:"active"`
	StartedBy ids.ParticipantId `json:"started_by,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (o Outgoing) withState(state State) recordingStatus {
	return recordingStatus{Type: o.Type, Active: state.Active, StartedBy: state.StartedBy, Error: o.Error}
}
