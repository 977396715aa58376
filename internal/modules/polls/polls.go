// Package polls implements the Polls module named in spec.md §1/§2 and worked through by test
// vector S3, grounded on original_source/crates/opentalk-signaling-module-polls. State (topic,
// choices, votes-so-far) is a single set-once-per-run value on the owning SignalingRoomId;
// every participant's module instance recomputes the live tally straight from that shared state
// whenever it observes a vote-recorded signal on the exchange, rather than keeping any local
// cache — the same "read storage fresh, not local state" discipline
// internal/modules/breakout uses for its config.
package polls

import (
	"context"
	"sort"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
)

const Namespace ids.ModuleId = "polls"
const FeaturePolls ids.FeatureId = "polls"

const stateKey = "polls:state"

// State is the single active-poll snapshot for a SignalingRoomId.
type State struct {
	Topic           string                    `json:"topic"`
	Live            bool                      `json:"live"`
	MultipleChoice  bool                      `json:"multiple_choice"`
	Choices         []string                  `json:"choices"`
	Started         ids.Timestamp             `json:"started"`
	DurationSeconds int64                     `json:"duration_seconds"`
	Votes           map[ids.ParticipantId][]int `json:"votes"`
	Done            bool                      `json:"done"`
}

func (s State) expiresAt() ids.Timestamp {
	return s.Started.Add(time.Duration(s.DurationSeconds) * time.Second)
}

func (s State) tally() []int {
	counts := make([]int, len(s.Choices))
	for _, choices := range s.Votes {
		for _, c := range choices {
			if c >= 0 && c < len(counts) {
				counts[c]++
			}
		}
	}
	return counts
}

// Incoming is the client -> module command envelope.
type Incoming struct {
	Action          string   `json:"action"`
	Topic           string   `json:"topic,omitempty"`
	Live            bool     `json:"live,omitempty"`
	MultipleChoice  bool     `json:"multiple_choice,omitempty"`
	Choices         []string `json:"choices,omitempty"`
	DurationSeconds int64    `json:"duration_seconds,omitempty"`
	ChoiceIds       []int    `json:"choice_ids,omitempty"`
}

const (
	ActionStart = "start"
	ActionVote  = "vote"
	ActionStop  = "stop"
)

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type            string   `json:"type"`
	Topic           string   `json:"topic,omitempty"`
	Live            bool     `json:"live,omitempty"`
	MultipleChoice  bool     `json:"multiple_choice,omitempty"`
	Choices         []string `json:"choices,omitempty"`
	DurationSeconds int64    `json:"duration_seconds,omitempty"`
	Counts          []int    `json:"counts,omitempty"`
	Error           string   `json:"error,omitempty"`
}

const (
	outStarted     = "started"
	outLiveUpdate  = "live_update"
	outDone        = "done"
	outError       = "error"
)

// signal is the trigger exchange message every instance reacts to by re-reading State from
// storage; its Kind discriminates which local effect (arm a Done timer vs. just report a tally)
// to run next.
type signal struct {
	Kind string `json:"kind"`
}

const (
	signalStarted = "started"
	signalVote    = "vote"
	signalDone    = "done"
)

type Module struct {
	self ids.ParticipantId
	room ids.SignalingRoomId
}

func Init(self ids.ParticipantId, signalingRoom ids.SignalingRoomId) *Module {
	return &Module{self: self, room: signalingRoom}
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeaturePolls} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.onJoined(ctx)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	case signaling.EventExchange:
		return m.onExchange(ctx, event.RawPayload)
	case signaling.EventExt:
		return m.onExt(ctx)
	}
	return nil
}

func (m *Module) onJoined(ctx *signaling.ModuleContext) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok || state.Done {
		return nil
	}
	ctx.WsSend(startedFrame(state))
	m.armDoneTimer(ctx, state)
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse polls command")
	}
	switch in.Action {
	case ActionStart:
		return m.start(ctx, in)
	case ActionVote:
		return m.vote(ctx, in)
	case ActionStop:
		return m.stop(ctx)
	default:
		return signaling.NewProtocolError("unknown_action", "unknown polls action "+in.Action)
	}
}

func (m *Module) start(ctx *signaling.ModuleContext, in Incoming) error {
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can start a poll"})
		return signaling.NewAuthorizationError("only a moderator can start a poll")
	}
	if _, active, err := m.load(ctx.Context(), ctx.Storage()); err != nil {
		return signaling.NewResourceError(err)
	} else if active {
		ctx.WsSend(Outgoing{Type: outError, Error: "a poll is already active"})
		return signaling.NewStateError("already_active", "a poll is already active")
	}

	state := State{
		Topic: in.Topic, Live: in.Live, MultipleChoice: in.MultipleChoice, Choices: in.Choices,
		Started: ctx.Timestamp, DurationSeconds: in.DurationSeconds, Votes: map[ids.ParticipantId][]int{},
	}
	if err := ctx.Storage().ModuleValueSet(ctx.Context(), m.room, stateKey, state); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{Kind: signalStarted})
	return nil
}

func (m *Module) vote(ctx *signaling.ModuleContext, in Incoming) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok || state.Done {
		return signaling.NewStateError("invalid_poll_id", "no active poll to vote in")
	}
	if !state.MultipleChoice && len(in.ChoiceIds) > 1 {
		return signaling.NewProtocolError("invalid_vote", "this poll only accepts a single choice")
	}
	choices := append([]int(nil), in.ChoiceIds...)
	sort.Ints(choices)
	state.Votes[m.self] = choices

	if err := ctx.Storage().ModuleValueSet(ctx.Context(), m.room, stateKey, state); err != nil {
		return signaling.NewResourceError(err)
	}
	if state.Live {
		ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{Kind: signalVote})
	}
	return nil
}

func (m *Module) stop(ctx *signaling.ModuleContext) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can stop a poll")
	}
	return m.finish(ctx)
}

func (m *Module) finish(ctx *signaling.ModuleContext) error {
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok || state.Done {
		return nil
	}
	state.Done = true
	if err := ctx.Storage().ModuleValueSet(ctx.Context(), m.room, stateKey, state); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{Kind: signalDone})
	return nil
}

func (m *Module) onExchange(ctx *signaling.ModuleContext, raw []byte) error {
	var sig signal
	if err := modutil.Unmarshal(raw, &sig); err != nil {
		return nil
	}
	state, ok, err := m.load(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok {
		return nil
	}

	switch sig.Kind {
	case signalStarted:
		ctx.WsSend(startedFrame(state))
		m.armDoneTimer(ctx, state)
	case signalVote:
		ctx.WsSend(Outgoing{Type: outLiveUpdate, Counts: state.tally()})
	case signalDone:
		ctx.WsSend(Outgoing{Type: outDone, Counts: state.tally()})
	}
	return nil
}

func (m *Module) armDoneTimer(ctx *signaling.ModuleContext, state State) {
	remaining := state.expiresAt().Time().Sub(ctx.Timestamp.Time())
	if remaining <= 0 {
		_ = m.finish(ctx)
		return
	}
	cc := ctx.Context()
	ch := make(chan any, 1)
	go func() {
		defer close(ch)
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-cc.Done():
		case <-timer.C:
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	ctx.AddEventStream(signaling.EventStream{Namespace: Namespace, Events: ch})
}

func (m *Module) onExt(ctx *signaling.ModuleContext) error {
	return m.finish(ctx)
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	if !ctx.DestroyRoom() {
		return
	}
	_ = ctx.Storage().ModuleValueDelete(ctx.Context(), m.room, stateKey)
}

func (m *Module) load(cc context.Context, store storage.Storage) (State, bool, error) {
	raw, ok, err := store.ModuleValueGet(cc, m.room, stateKey)
	if err != nil || !ok {
		return State{}, false, err
	}
	var state State
	if err := modutil.Unmarshal(raw, &state); err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

func startedFrame(state State) Outgoing {
	return Outgoing{
		Type: outStarted, Topic: state.Topic, Live: state.Live, MultipleChoice: state.MultipleChoice,
		Choices: state.Choices, DurationSeconds: state.DurationSeconds,
	}
}
