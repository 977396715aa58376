// Package media is a thin protocol-state module modeling SDP offer/answer/ICE-candidate
// exchange (spec.md §1's media negotiation example) on top of the gRPC SFU control-plane
// client in pkg/sfu (grounded on the teacher's pkg/sfu/client.go). The media plane itself
// and the SFU's internals are out of scope; this module's entire job is shuttling signaling
// messages through gobreaker-wrapped gRPC calls and relaying TrackAdded/renegotiation events
// from the SFU's ListenEvents stream back to the participant as ExtEvents, reusing the same
// goroutine-plus-ctx.AddEventStream idiom internal/modules/breakout established for timers.
package media

import (
	"context"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/pkg/sfu"
)

const Namespace ids.ModuleId = "media"
const FeatureMedia ids.FeatureId = "media"

// client is the subset of *sfu.Client the module needs, so tests can substitute a fake SFU
// without dialing a real gRPC connection.
type client interface {
	CreateSession(ctx context.Context, uid, roomID string) (*sfu.CreateSessionResponse, error)
	HandleSignal(ctx context.Context, uid, roomID string, signal *sfu.SignalMessage) (*sfu.SignalResponse, error)
	DeleteSession(ctx context.Context, uid, roomID string) error
	ListenEvents(ctx context.Context, uid, roomID string) (sfu.EventStream, error)
}

// Incoming is the client -> module command envelope; action names mirror the SDP/ICE legs
// named in spec.md's example command surface.
type Incoming struct {
	Action       string `json:"action"`
	SdpOffer     string `json:"sdp_offer,omitempty"`
	SdpAnswer    string `json:"sdp_answer,omitempty"`
	IceCandidate string `json:"ice_candidate,omitempty"`
}

const (
	ActionOffer     = "offer"
	ActionAnswer    = "answer"
	ActionCandidate = "candidate"
)

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type         string `json:"type"`
	SdpAnswer    string `json:"sdp_answer,omitempty"`
	IceCandidate string `json:"ice_candidate,omitempty"`
	TrackId      string `json:"track_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

const (
	outAnswer      = "answer"
	outCandidate   = "candidate"
	outTrackAdded  = "track_added"
	outRenegotiate = "renegotiate"
	outError       = "error"
)

type Module struct {
	self          ids.ParticipantId
	signalingRoom ids.SignalingRoomId
	sfu           client
}

// Init wires a participant's media module instance to an already-dialed SFU client; a nil
// client means media negotiation is disabled for this controller (e.g. no SFU configured),
// mirroring the absent-module convention internal/modules/chat and internal/modules/recording
// use for optional modules.
func Init(self ids.ParticipantId, signalingRoom ids.SignalingRoomId, sfuClient client) *Module {
	if sfuClient == nil {
		return nil
	}
	return &Module{self: self, signalingRoom: signalingRoom, sfu: sfuClient}
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureMedia} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.onJoined(ctx)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	case signaling.EventExt:
		return m.onExt(ctx, event.ExtEvent)
	case signaling.EventLeaving:
		return m.onLeaving(ctx)
	}
	return nil
}

func (m *Module) roomID() string { return string(m.signalingRoom.Room) }

func (m *Module) onJoined(ctx *signaling.ModuleContext) error {
	if _, err := m.sfu.CreateSession(ctx.Context(), string(m.self), m.roomID()); err != nil {
		return signaling.NewResourceError(err)
	}
	stream, err := m.sfu.ListenEvents(ctx.Context(), string(m.self), m.roomID())
	if err != nil {
		return signaling.NewResourceError(err)
	}

	ch := make(chan any, 8)
	go func() {
		defer close(ch)
		for {
			event, err := stream.Recv()
			if err != nil {
				return
			}
			select {
			case ch <- event:
			case <-ctx.Context().Done():
				return
			}
		}
	}()
	ctx.AddEventStream(signaling.EventStream{Namespace: Namespace, Events: ch})
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse media command")
	}

	signal := &sfu.SignalMessage{}
	switch in.Action {
	case ActionOffer:
		signal.SdpOffer = in.SdpOffer
	case ActionAnswer:
		signal.SdpAnswer = in.SdpAnswer
	case ActionCandidate:
		signal.IceCandidate = in.IceCandidate
	default:
		return signaling.NewProtocolError("unknown_action", "unknown media action "+in.Action)
	}

	resp, err := m.sfu.HandleSignal(ctx.Context(), string(m.self), m.roomID(), signal)
	if err != nil {
		ctx.WsSend(Outgoing{Type: outError, Error: "sfu unavailable"})
		return signaling.NewResourceError(err)
	}
	if resp.SdpAnswer != "" {
		ctx.WsSend(Outgoing{Type: outAnswer, SdpAnswer: resp.SdpAnswer})
	}
	if resp.IceCandidate != "" {
		ctx.WsSend(Outgoing{Type: outCandidate, IceCandidate: resp.IceCandidate})
	}
	return nil
}

func (m *Module) onExt(ctx *signaling.ModuleContext, ext any) error {
	event, ok := ext.(*sfu.Event)
	if !ok {
		return nil
	}
	switch event.Kind {
	case sfu.EventTrackAdded:
		ctx.WsSend(Outgoing{Type: outTrackAdded, TrackId: event.TrackId})
	case sfu.EventRenegotiate:
		ctx.WsSend(Outgoing{Type: outRenegotiate, SdpAnswer: event.SdpOffer})
	}
	return nil
}

func (m *Module) onLeaving(ctx *signaling.ModuleContext) error {
	_ = m.sfu.DeleteSession(ctx.Context(), string(m.self), m.roomID())
	return nil
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	_ = m.sfu.DeleteSession(ctx.Context(), string(m.self), m.roomID())
}
