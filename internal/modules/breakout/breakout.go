// Package breakout implements the Breakout Room module worked through in spec.md §4.7 and
// exercised by test vector S2, grounded on
// original_source/crates/controller-core/.../breakout plus the teacher's waiting-room-style
// moderator-gated room-splitting idiom. A room's breakout config is a single set-once-per-run
// value stored on the main room; every participant's own module instance (whether still in the
// main room or already reconnected into a breakout SignalingRoomId) derives its own view —
// assignment, expiry, and grace deadline — from that shared config plus its own local clock,
// using exactly the per-participant-timer idiom spec.md §4.3 requires ("long work MUST be
// dispatched as a stream feeding Ext events").
package breakout

import (
	"context"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/modules/modutil"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
)

const Namespace ids.ModuleId = "breakout"
const FeatureBreakout ids.FeatureId = "breakout"

const configKey = "breakout:config"

// leavePeriod is the grace window after expiry before a still-connected breakout participant is
// forced back to the main room (spec.md §4.7).
const leavePeriod = 5 * time.Minute

// RoomEntry is one breakout room spawned by a Start command.
type RoomEntry struct {
	Id          ids.BreakoutRoomId  `json:"id"`
	Name        string              `json:"name"`
	Assignments []ids.ParticipantId `json:"assignments"`
}

// Config is the set-once-per-run breakout configuration, stored on the main room.
type Config struct {
	Rooms           []RoomEntry   `json:"rooms"`
	Started         ids.Timestamp `json:"started"`
	DurationSeconds *int64        `json:"duration_seconds,omitempty"`
}

func (c Config) expiresAt() *ids.Timestamp {
	if c.DurationSeconds == nil {
		return nil
	}
	t := c.Started.Add(time.Duration(*c.DurationSeconds) * time.Second)
	return &t
}

// roomInput is the client-supplied shape of one Start room entry (no id yet).
type roomInput struct {
	Name        string              `json:"name"`
	Assignments []ids.ParticipantId `json:"assignments"`
}

// Incoming is the client -> module command envelope.
type Incoming struct {
	Action          string      `json:"action"`
	Rooms           []roomInput `json:"rooms,omitempty"`
	DurationSeconds *int64      `json:"duration_seconds,omitempty"`
}

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Outgoing is the module -> client event envelope.
type Outgoing struct {
	Type       string               `json:"type"`
	Rooms      []RoomEntry          `json:"rooms,omitempty"`
	Expires    *ids.Timestamp       `json:"expires,omitempty"`
	Assignment *ids.BreakoutRoomId  `json:"assignment,omitempty"`
	Error      string               `json:"error,omitempty"`
}

const (
	outStarted            = "started"
	outExpired             = "expired"
	outLeavePeriodExpired  = "leave_period_expired"
	outStopped             = "stopped"
	outError               = "error"
)

// extMarker discriminates the two timers a breakout module instance may register.
type extMarker string

const (
	extExpired            extMarker = "expired"
	extLeavePeriodExpired extMarker = "leave_period_expired"
)

// Module is one participant's Breakout instance.
type Module struct {
	self ids.ParticipantId
	room ids.SignalingRoomId
}

// Init builds the Breakout module for a joining participant. If the participant is joining a
// breakout whose expiry plus grace window has already passed, Init returns an expired error
// (signaling.KindExpired, "breakout room has expired") instead of a module.
func Init(ctx context.Context, store storage.Storage, self ids.ParticipantId, signalingRoom ids.SignalingRoomId) (*Module, error) {
	if signalingRoom.IsBreakout() {
		cfg, ok, err := loadConfig(ctx, store, signalingRoom.Room)
		if err != nil {
			return nil, signaling.NewResourceError(err)
		}
		if ok {
			if expires := cfg.expiresAt(); expires != nil {
				deadline := expires.Add(leavePeriod)
				if deadline.Before(ids.Now()) {
					return nil, signaling.NewExpiredError("breakout room has expired")
				}
			}
		}
	}
	return &Module{self: self, room: signalingRoom}, nil
}

func (m *Module) Namespace() ids.ModuleId           { return Namespace }
func (m *Module) ProvidedFeatures() []ids.FeatureId { return []ids.FeatureId{FeatureBreakout} }

func (m *Module) OnEvent(ctx *signaling.ModuleContext, event signaling.Event) error {
	switch event.Kind {
	case signaling.EventJoined:
		return m.onJoined(ctx)
	case signaling.EventWsMessage:
		return m.onIncoming(ctx, event.RawPayload)
	case signaling.EventExchange:
		return m.onExchange(ctx, event.RawPayload)
	case signaling.EventExt:
		return m.onExt(ctx, event.ExtEvent)
	}
	return nil
}

// onJoined arms this participant's own expiry/leave-period timers from whatever config already
// exists, so a late joiner (or a participant who reconnected into a breakout) observes the same
// deadlines as everyone else without waiting for a fresh broadcast.
func (m *Module) onJoined(ctx *signaling.ModuleContext) error {
	cfg, ok, err := loadConfigCtx(ctx)
	if err != nil {
		return signaling.NewResourceError(err)
	}
	if !ok {
		return nil
	}
	m.armTimers(ctx, cfg)
	return nil
}

func (m *Module) onIncoming(ctx *signaling.ModuleContext, raw []byte) error {
	var in Incoming
	if err := modutil.Unmarshal(raw, &in); err != nil {
		return signaling.NewProtocolError("malformed_command", "could not parse breakout command")
	}
	switch in.Action {
	case ActionStart:
		return m.start(ctx, in)
	case ActionStop:
		return m.stop(ctx)
	default:
		return signaling.NewProtocolError("unknown_action", "unknown breakout action "+in.Action)
	}
}

func (m *Module) start(ctx *signaling.ModuleContext, in Incoming) error {
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can start breakout rooms"})
		return signaling.NewAuthorizationError("only a moderator can start breakout rooms")
	}
	if m.room.IsBreakout() {
		return signaling.NewStateError("not_main_room", "breakout rooms can only be started from the main room")
	}

	if _, active, err := loadConfigCtx(ctx); err != nil {
		return signaling.NewResourceError(err)
	} else if active {
		ctx.WsSend(Outgoing{Type: outError, Error: "breakout rooms are already active"})
		return signaling.NewStateError("already_active", "breakout rooms are already active")
	}

	rooms := make([]RoomEntry, 0, len(in.Rooms))
	for _, r := range in.Rooms {
		rooms = append(rooms, RoomEntry{Id: ids.NewBreakoutRoomId(), Name: r.Name, Assignments: r.Assignments})
	}
	cfg := Config{Rooms: rooms, Started: ctx.Timestamp, DurationSeconds: in.DurationSeconds}

	if err := ctx.Storage().ModuleValueSet(ctx.Context(), ids.MainRoom(m.room.Room), configKey, cfg); err != nil {
		return signaling.NewResourceError(err)
	}

	ctx.ExchangePublish(room.AllRoomRoutingKey(m.room.Room), cfg)
	return nil
}

func (m *Module) stop(ctx *signaling.ModuleContext) error {
	if ctx.Role != ids.RoleModerator {
		ctx.WsSend(Outgoing{Type: outError, Error: "only a moderator can stop breakout rooms"})
		return signaling.NewAuthorizationError("only a moderator can stop breakout rooms")
	}
	if err := ctx.Storage().ModuleValueDelete(ctx.Context(), ids.MainRoom(m.room.Room), configKey); err != nil {
		return signaling.NewResourceError(err)
	}
	ctx.ExchangePublish(room.AllRoomRoutingKey(m.room.Room), stopSignal{})
	return nil
}

// stopSignal is an empty marker distinguished from Config by its shape; onExchange tries Config
// first and falls back to treating an unparseable/empty payload as a stop.
type stopSignal struct {
	Stop bool `json:"stop"`
}

func (m *Module) onExchange(ctx *signaling.ModuleContext, raw []byte) error {
	var stop stopSignal
	if err := modutil.Unmarshal(raw, &stop); err == nil && stop.Stop {
		ctx.WsSend(Outgoing{Type: outStopped})
		if m.room.IsBreakout() {
			ctx.Exit(ids.CloseGoingAway)
		}
		return nil
	}

	var cfg Config
	if err := modutil.Unmarshal(raw, &cfg); err != nil {
		return nil
	}
	assignment := m.assignment(cfg)
	ctx.WsSend(Outgoing{Type: outStarted, Rooms: cfg.Rooms, Expires: cfg.expiresAt(), Assignment: assignment})
	m.armTimers(ctx, cfg)
	return nil
}

func (m *Module) assignment(cfg Config) *ids.BreakoutRoomId {
	for _, r := range cfg.Rooms {
		for _, p := range r.Assignments {
			if p == m.self {
				id := r.Id
				return &id
			}
		}
	}
	return nil
}

// armTimers registers local goroutine-backed timers for this participant's own expiry and
// (if already inside the breakout) the leave-period deadline, the per-connection alternative to
// a centrally scheduled timer spec.md §4.3 calls for.
func (m *Module) armTimers(ctx *signaling.ModuleContext, cfg Config) {
	expires := cfg.expiresAt()
	if expires == nil {
		return
	}
	remaining := expires.Time().Sub(ctx.Timestamp.Time())
	if remaining <= 0 {
		if m.room.IsBreakout() {
			ctx.WsSend(Outgoing{Type: outExpired})
			m.armLeavePeriod(ctx, expires.Add(leavePeriod))
		}
		return
	}
	m.scheduleExt(ctx, remaining, extExpired)
}

func (m *Module) armLeavePeriod(ctx *signaling.ModuleContext, deadline ids.Timestamp) {
	remaining := deadline.Time().Sub(ctx.Timestamp.Time())
	if remaining <= 0 {
		ctx.Exit(ids.CloseGoingAway)
		return
	}
	m.scheduleExt(ctx, remaining, extLeavePeriodExpired)
}

func (m *Module) scheduleExt(ctx *signaling.ModuleContext, d time.Duration, marker extMarker) {
	cc := ctx.Context()
	ch := make(chan any, 1)
	go func() {
		defer close(ch)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-cc.Done():
		case <-timer.C:
			select {
			case ch <- marker:
			default:
			}
		}
	}()
	ctx.AddEventStream(signaling.EventStream{Namespace: Namespace, Events: ch})
}

func (m *Module) onExt(ctx *signaling.ModuleContext, value any) error {
	marker, ok := value.(extMarker)
	if !ok {
		return nil
	}
	switch marker {
	case extExpired:
		if !m.room.IsBreakout() {
			return nil
		}
		ctx.WsSend(Outgoing{Type: outExpired})
		cfg, ok, err := loadConfigCtx(ctx)
		if err != nil {
			return signaling.NewResourceError(err)
		}
		if ok {
			if expires := cfg.expiresAt(); expires != nil {
				m.armLeavePeriod(ctx, expires.Add(leavePeriod))
			}
		}
	case extLeavePeriodExpired:
		ctx.WsSend(Outgoing{Type: outLeavePeriodExpired})
		ctx.Exit(ids.CloseGoingAway)
	}
	return nil
}

func (m *Module) OnDestroy(ctx *signaling.DestroyContext) {
	if !ctx.DestroyRoom() {
		return
	}
	_ = ctx.Storage().ModuleValueDelete(ctx.Context(), ids.MainRoom(m.room.Room), configKey)
}

func loadConfig(ctx context.Context, store storage.Storage, mainRoom ids.RoomId) (Config, bool, error) {
	raw, ok, err := store.ModuleValueGet(ctx, ids.MainRoom(mainRoom), configKey)
	if err != nil || !ok {
		return Config{}, false, err
	}
	var cfg Config
	if err := modutil.Unmarshal(raw, &cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

func loadConfigCtx(ctx *signaling.ModuleContext) (Config, bool, error) {
	raw, ok, err := ctx.Storage().ModuleValueGet(ctx.Context(), ids.MainRoom(ctx.Room.Room), configKey)
	if err != nil || !ok {
		return Config{}, false, err
	}
	var cfg Config
	if err := modutil.Unmarshal(raw, &cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
