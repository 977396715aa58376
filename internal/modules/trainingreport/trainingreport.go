// Package trainingreport implements periodic "still present" presence-interval tracking per
// participant, grounded on original_source/crates/opentalk-signaling-module-training-participation-report
// and its storage/redis.rs backing (this repo's equivalent is whichever storage.Storage backend
// the controller was started with, memory or Redis — the module itself is backend-agnostic).
// On join it arms a repeating interval timer with the same goroutine-plus-AddEventStream idiom
// internal/modules/breakout/polls/timer use for one-shot timers; each tick appends a presence
// marker to a per-participant module-scoped list, building up exactly the interval history a
// later report export needs.
package trainingreport

import (
	"context"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
)

const Namespace ids.ModuleId = "training_participation_report"
const FeatureTrainingReport ids.FeatureId = "training_participation_report"

const tickInterval = 1 * time.Minute

// Interval is one recorded "still present" marker.
type Interval struct {
	Participant ids.ParticipantId `json:"participant"`
	At          ids.Timestamp     `json:"at"`
}

func intervalsKey(participant ids.ParticipantId) string {
	return "training_report:intervals:" + string(participant)
}

// Incoming is the client -> module command envelope; only a moderator's get_intervals is
// handled.
type Incoming struct {
	Action      string            `json:"action"`
	Participant ids.ParticipantId `json:"participant,omitempty"`
}

const ActionGetIntervals = "get_intervals"

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type      string     `json:"type"`
	Intervals []Interval `json:"intervals,omitempty"`
	Error     string     `json:"error,omitempty"`
}

const (
	outIntervals = "intervals"
	outError     = "error"
)

type tickMarker struct{}

type Module struct {
	self ids.ParticipantId
	room ids.SignalingRoomId
}

func Init(self ids.ParticipantId, signalingRoom ids.SignalingRoomId) *Module {
	return &Module{self: self, room: signalingRoom}
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureTrainingReport} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.onJoined(ctx)
	case signaling.EventExt:
		return m.onTick(ctx)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	}
	return nil
}

func (m *Module) onJoined(ctx *signaling.ModuleContext) error {
	if err := m.recordTick(ctx); err != nil {
		return err
	}
	cc := ctx.Context()
	ch := make(chan any, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cc.Done():
				return
			case <-ticker.C:
				select {
				case ch <- tickMarker{}:
				case <-cc.Done():
					return
				}
			}
		}
	}()
	ctx.AddEventStream(signaling.EventStream{Namespace: Namespace, Events: ch})
	return nil
}

func (m *Module) onTick(ctx *signaling.ModuleContext) error {
	return m.recordTick(ctx)
}

func (m *Module) recordTick(ctx *signaling.ModuleContext) error {
	interval := Interval{Participant: m.self, At: ctx.Timestamp}
	if err := ctx.Storage().ModuleListAppend(ctx.Context(), m.room, intervalsKey(m.self), interval); err != nil {
		return signaling.NewResourceError(err)
	}
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse training report command")
	}
	if in.Action != ActionGetIntervals {
		return signaling.NewProtocolError("unknown_action", "unknown training report action "+in.Action)
	}
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can fetch presence intervals"})
		return signaling.NewAuthorizationError("only a moderator can fetch presence intervals")
	}
	intervals, err := m.loadIntervals(ctx.Context(), ctx.Storage(), in.Participant)
	if err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.WsSend(Outgoing{Type: outIntervals, Intervals: intervals})
	return nil
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	_ = ctx.Storage().ModuleListDelete(ctx.Context(), m.room, intervalsKey(m.self))
}

func (m *Module) loadIntervals(cc context.Context, store storage.Storage, participant ids.ParticipantId) ([]Interval, error) {
	raws, err := store.ModuleListAll(cc, m.room, intervalsKey(participant))
	if err != nil {
		return nil, err
	}
	intervals := make([]Interval, 0, len(raws))
	for _, raw := range raws {
		var interval Interval
		if err := modutil.Unmarshal(raw, &interval); err != nil {
			return nil, err
		}
		intervals = append(intervals, interval)
	}
	return intervals, nil
}
