// Package timer implements the generic countdown/stopwatch module named in SPEC_FULL.md's
// DOMAIN MODULES section, grounded on original_source/crates/timer. Unlike breakout/polls (which
// derive their own deadlines from domain state they own), this module exists purely to let a
// moderator start a shared clock: a Start command names a kind ("countdown" or "stopwatch"), an
// optional duration, a title, and whether participants may mark themselves "ready" before it
// expires. Every participant's own instance arms its own local timer from the shared Config, the
// same per-participant-timer idiom internal/modules/breakout and internal/modules/polls already
// use.
package timer

import (
	"context"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
)

const Namespace ids.ModuleId = "timer"
const FeatureTimer ids.FeatureId = "timer"

const configKey = "timer:config"
const readyListKey = "timer:ready"

const (
	KindCountdown = "countdown"
	KindStopwatch = "stopwatch"
)

// Config is the single active-timer snapshot for a SignalingRoomId.
type Config struct {
	Kind             string        `json:"kind"`
	Title            string        `json:"title,omitempty"`
	Started          ids.Timestamp `json:"started"`
	DurationSeconds  *int64        `json:"duration_seconds,omitempty"`
	EnableReadyCheck bool          `json:"enable_ready_check"`
}

func (c Config) expiresAt() *ids.Timestamp {
	if c.Kind != KindCountdown || c.DurationSeconds == nil {
		return nil
	}
	t := c.Started.Add(time.Duration(*c.DurationSeconds) * time.Second)
	return &t
}

// Incoming is the client -> module command envelope.
type Incoming struct {
	Action           string `json:"action"`
	Kind             string `json:"kind,omitempty"`
	DurationSeconds  *int64 `json:"duration_seconds,omitempty"`
	Title            string `json:"title,omitempty"`
	EnableReadyCheck bool   `json:"enable_ready_check,omitempty"`
}

const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionReady = "ready"
)

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type            string               `json:"type"`
	Kind            string               `json:"kind,omitempty"`
	Title           string               `json:"title,omitempty"`
	DurationSeconds *int64               `json:"duration_seconds,omitempty"`
	Ready           []ids.ParticipantId  `json:"ready,omitempty"`
	Error           string               `json:"error,omitempty"`
}

const (
	outStarted = "started"
	outUpdated = "updated"
	outExpired = "expired"
	outStopped = "stopped"
	outError   = "error"
)

// signal is the exchange trigger every instance reacts to by re-reading Config/ready list fresh
// from storage.
type signal struct {
	Kind string `json:"kind"`
}

const (
	signalStarted = "started"
	signalReady   = "ready"
	signalStopped = "stopped"
)

type Module struct {
	self ids.ParticipantId
	room ids.SignalingRoomId
}

func Init(self ids.ParticipantId, signalingRoom ids.SignalingRoomId) *Module {
	return &Module{self: self, room: signalingRoom}
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureTimer} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.onJoined(ctx)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	case signaling.EventExchange:
		return m.onExchange(ctx, event.RawPayload)
	case signaling.EventExt:
		return m.onExpired(ctx)
	}
	return nil
}

func (m *Module) onJoined(ctx *signaling.ModuleContext) error {
	cfg, ok, err := m.loadConfig(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok {
		return nil
	}
	ctx.WsSend(startedFrame(cfg))
	m.armTimer(ctx, cfg)
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse timer command")
	}
	switch in.Action {
	case ActionStart:
		return m.start(ctx, in)
	case ActionStop:
		return m.stop(ctx)
	case ActionReady:
		return m.markReady(ctx)
	default:
		return signaling.NewProtocolError("unknown_action", "unknown timer action "+in.Action)
	}
}

func (m *Module) start(ctx *signaling.ModuleContext, in Incoming) error {
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can start a timer"})
		return signaling.NewAuthorizationError("only a moderator can start a timer")
	}
	kind := in.Kind
	if kind == "" {
		kind = KindCountdown
	}
	cfg := Config{
		Kind: kind, Title: in.Title, Started: ctx.Timestamp,
		DurationSeconds: in.DurationSeconds, EnableReadyCheck: in.EnableReadyCheck,
	}
	if err := ctx.Storage().ModuleValueSet(ctx.Context(), m.room, configKey, cfg); err != nil {
		return signaling.NewResourceError(err)
	}
	if err := ctx.Storage().ModuleValueDelete(ctx.Context(), m.room, readyListKey); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{Kind: signalStarted})
	return nil
}

func (m *Module) stop(ctx *signaling.ModuleContext) error {
	if ctx.Role != ids.RoleModerator {
		return signaling.NewAuthorizationError("only a moderator can stop a timer")
	}
	if err := ctx.Storage().ModuleValueDelete(ctx.Context(), m.room, configKey); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{Kind: signalStopped})
	return nil
}

func (m *Module) markReady(ctx *signaling.ModuleContext) error {
	cfg, ok, err := m.loadConfig(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok || !cfg.EnableReadyCheck {
		return signaling.NewStateError("ready_check_disabled", "this timer does not accept ready markers")
	}
	ready, err := m.loadReady(ctx.Context(), ctx.Storage())
	if err != nil {
		return signaling.NewResourceError(err)
	}
	for _, p := range ready {
		if p == m.self {
			return nil
		}
	}
	ready = append(ready, m.self)
	if err := ctx.Storage().ModuleValueSet(ctx.Context(), m.room, readyListKey, ready); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllSignalingRoomRoutingKey(m.room), signal{Kind: signalReady})
	return nil
}

func (m *Module) onExchange(ctx *signaling.ModuleContext, raw []byte) error {
	var sig signal
	if err := modutil.Unmarshal(raw, &sig); err != nil {
		return nil
	}
	switch sig.Kind {
	case signalStarted:
		cfg, ok, err := m.loadConfig(ctx.Context(), ctx.Storage())
		if err != nil {
			return signaling.NewResourceError(err)
		}
		if !ok {
			return nil
		}
		ctx.WsSend(startedFrame(cfg))
		m.armTimer(ctx, cfg)
	case signalReady:
		ready, err := m.loadReady(ctx.Context(), ctx.Storage())
		if err != nil {
			return signaling.NewResourceError(err)
		}
		ctx.WsSend(Outgoing{Type: outUpdated, Ready: ready})
	case signalStopped:
		ctx.WsSend(Outgoing{Type: outStopped})
	}
	return nil
}

func (m *Module) armTimer(ctx *signaling.ModuleContext, cfg Config) {
	expires := cfg.expiresAt()
	if expires == nil {
		return
	}
	remaining := expires.Time().Sub(ctx.Timestamp.Time())
	if remaining <= 0 {
		ctx.WsSend(Outgoing{Type: outExpired})
		return
	}
	cc := ctx.Context()
	ch := make(chan any, 1)
	go func() {
		defer close(ch)
		t := time.NewTimer(remaining)
		defer t.Stop()
		select {
		case <-cc.Done():
		case <-t.C:
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	ctx.AddEventStream(signaling.EventStream{Namespace: Namespace, Events: ch})
}

func (m *Module) onExpired(ctx *signaling.ModuleContext) error {
	ctx.WsSend(Outgoing{Type: outExpired})
	return nil
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	if !ctx.DestroyRoom() {
		return
	}
	_ = ctx.Storage().ModuleValueDelete(ctx.Context(), m.room, configKey)
	_ = ctx.Storage().ModuleValueDelete(ctx.Context(), m.room, readyListKey)
}

func (m *Module) loadConfig(cc context.Context, store storage.Storage) (Config, bool, error) {
	raw, ok, err := store.ModuleValueGet(cc, m.room, configKey)
	if err != nil || !ok {
		return Config{}, false, err
	}
	var cfg Config
	if err := modutil.Unmarshal(raw, &cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

func (m *Module) loadReady(cc context.Context, store storage.Storage) ([]ids.ParticipantId, error) {
	raw, ok, err := store.ModuleValueGet(cc, m.room, readyListKey)
	if err != nil || !ok {
		return nil, err
	}
	var ready []ids.ParticipantId
	if err := modutil.Unmarshal(raw, &ready); err != nil {
		return nil, err
	}
	return ready, nil
}

func startedFrame(cfg Config) Outgoing {
	return Outgoing{Type: outStarted, Kind: cfg.Kind, Title: cfg.Title, DurationSeconds: cfg.DurationSeconds}
}
