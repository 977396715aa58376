// Package runner implements the per-participant event loop (spec.md §4.4): one Runner owns one
// WebSocket connection and drives it through Negotiating -> Starting -> Running -> Leaving ->
// Destroyed. It is the generalized descendant of the teacher's internal/v1/session.Client
// (readPump/writePump over a wsConnection interface, buffered send channel) fused with its own
// select loop instead of two independent goroutines racing on room state, so that exchange
// messages, WS frames and module-registered ext streams are all observed from one place — the
// way original_source/controller's runner.rs drives a single tokio::select! over the same
// sources.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/otcontroller/signaling/internal/exchange"
	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/room"
	"github.com/otcontroller/signaling/internal/signaling"
	"github.com/otcontroller/signaling/internal/storage"
	"github.com/otcontroller/signaling/internal/wire"
	"go.uber.org/zap"
)

// State is the runner's lifecycle position (spec.md §4.4).
type State int

const (
	StateNegotiating State = iota
	StateStarting
	StateRunning
	StateLeaving
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateLeaving:
		return "leaving"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// wsConnection is the minimal surface the runner needs from a WebSocket connection, mirroring
// the teacher's session.wsConnection so tests can substitute an in-memory fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// envelope is the WS wire frame exchanged with the client (spec.md §4.5):
// `{namespace, timestamp, payload}`.
type envelope struct {
	Namespace ids.ModuleId    `json:"namespace"`
	Timestamp ids.Timestamp   `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type incomingFrame struct {
	Namespace ids.ModuleId    `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// extDelivery tags an ext-stream value with the module namespace that registered the stream, so
// the runner can route it back as an EventExt targeted at that module.
type extDelivery struct {
	namespace ids.ModuleId
	value     any
}

// Runner drives one participant's WebSocket connection for the lifetime of their session in a
// room (or breakout room).
type Runner struct {
	logger *zap.Logger

	conn     wsConnection
	registry *signaling.Registry
	storage  storage.Storage
	exchange *exchange.Exchange
	roomSvc  *room.Room

	self          ids.ParticipantId
	role          ids.Role
	room          ids.SignalingRoomId
	displayName   string
	kind          ids.ParticipantKind
	creator       storage.CreatorInfo
	tariff        storage.Tariff
	event         *storage.Event
	alreadyJoined bool

	state   State
	stateMu sync.RWMutex

	send     chan []byte
	incoming chan incomingFrame
	extCh    chan extDelivery
	closed   chan struct{}

	exchangeSub *exchange.Subscription

	pingInterval time.Duration
	writeTimeout time.Duration
}

// Config bundles everything needed to construct a Runner.
type Config struct {
	Logger        *zap.Logger
	Conn          wsConnection
	Registry      *signaling.Registry
	Storage       storage.Storage
	Exchange      *exchange.Exchange
	Room          *room.Room
	Self          ids.ParticipantId
	Role          ids.Role
	SignalingRoom ids.SignalingRoomId
	DisplayName   string
	Kind          ids.ParticipantKind
	Creator       storage.CreatorInfo
	Tariff        storage.Tariff
	Event         *storage.Event
	// AlreadyJoined indicates the caller already ran room.Room.Join for this participant
	// (e.g. to resolve the tariff needed to build the module registry before the runner
	// exists). When true, dispatchJoined skips its own Join call instead of repeating the
	// same bookkeeping a second time.
	AlreadyJoined bool
	PingInterval  time.Duration
	WriteTimeout  time.Duration
}

func NewRunner(cfg Config) *Runner {
	pingInterval := cfg.PingInterval
	if pingInterval == 0 {
		pingInterval = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}

	return &Runner{
		logger:        cfg.Logger,
		conn:          cfg.Conn,
		registry:      cfg.Registry,
		storage:       cfg.Storage,
		exchange:      cfg.Exchange,
		roomSvc:       cfg.Room,
		self:          cfg.Self,
		role:          cfg.Role,
		room:          cfg.SignalingRoom,
		displayName:   cfg.DisplayName,
		kind:          cfg.Kind,
		creator:       cfg.Creator,
		tariff:        cfg.Tariff,
		event:         cfg.Event,
		alreadyJoined: cfg.AlreadyJoined,
		state:         StateNegotiating,
		send:          make(chan []byte, 16),
		incoming:      make(chan incomingFrame, 16),
		extCh:         make(chan extDelivery, 16),
		closed:        make(chan struct{}),
		pingInterval:  pingInterval,
		writeTimeout:  writeTimeout,
	}
}

func (r *Runner) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// Run drives the runner to completion: it dispatches EventJoined, enters the select loop, and on
// exit dispatches EventLeaving plus the module destroy pass. It blocks until the connection
// closes, the context is cancelled, or a module requests an exit.
func (r *Runner) Run(ctx context.Context) ids.CloseCode {
	r.setState(StateStarting)

	go r.readPump()
	go r.writePump()

	// The minimum subscription set from spec.md §6: the per-signaling-room `.all` key, the
	// cross-breakout `room.<r>.global.all` key (breakout start/stop, debrief, and anything
	// else that must reach every breakout of the room), and this participant's own
	// by_participant key.
	r.exchangeSub = r.exchange.Subscribe(
		room.AllSignalingRoomRoutingKey(r.room),
		room.AllRoomRoutingKey(r.room.Room),
		room.ByParticipantRoutingKey(r.room, r.self),
	)
	defer r.exchangeSub.Close()

	joinExit := r.dispatchJoined(ctx)
	if joinExit != nil {
		r.setState(StateLeaving)
		r.shutdown(ctx, ids.CleanupLocal)
		return *joinExit
	}

	r.setState(StateRunning)
	exitCode := r.loop(ctx)

	r.setState(StateLeaving)
	scope := r.dispatchLeaving(ctx)
	r.shutdown(ctx, scope)
	r.setState(StateDestroyed)
	return exitCode
}

// loop ticks pings on pingInterval but does not track missed pongs or enforce a read deadline on
// r.incoming; a client that stops responding is only noticed when its TCP connection eventually
// drops. Left open per spec.md §9.
func (r *Runner) loop(ctx context.Context) ids.CloseCode {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ids.CloseGoingAway

		case <-r.closed:
			return ids.CloseNormal

		case <-ticker.C:
			r.ping()

		case frame, ok := <-r.incoming:
			if !ok {
				return ids.CloseNormal
			}
			if exitCode := r.handleIncoming(ctx, frame); exitCode != nil {
				return *exitCode
			}

		case msg, ok := <-r.exchangeSub.Messages:
			if !ok {
				return ids.CloseInternal
			}
			if exitCode := r.handleExchange(ctx, msg); exitCode != nil {
				return *exitCode
			}

		case delivery, ok := <-r.extCh:
			if !ok {
				continue
			}
			if exitCode := r.handleExt(ctx, delivery); exitCode != nil {
				return *exitCode
			}
		}
	}
}

func (r *Runner) newArgs(ctx context.Context) (signaling.DispatchArgs, *[]signaling.OutgoingMessage) {
	outgoing := &[]signaling.OutgoingMessage{}
	publish := &[]signaling.ExchangePublication{}
	streams := &[]signaling.EventStream{}
	invalidate := new(bool)
	var exitCode *ids.CloseCode

	return signaling.DispatchArgs{
		Ctx:        ctx,
		Self:       r.self,
		Role:       r.role,
		Room:       r.room,
		Timestamp:  ids.Now(),
		Storage:    r.storage,
		Outgoing:   outgoing,
		Publish:    publish,
		Streams:    streams,
		Invalidate: invalidate,
		ExitCode:   &exitCode,
	}, outgoing
}

// flush drains an event dispatch's buffered side effects: outgoing WS frames, exchange
// publications, newly-registered ext streams, and — if any module called ctx.InvalidateData()
// — a re-broadcast announcing this participant's public state changed (spec.md §4.5). Every
// exchange publication is wrapped in a wire.Envelope tagging it with the module's namespace, so
// every other runner's handleExchange can route it back by namespace (spec.md §6).
func (r *Runner) flush(args signaling.DispatchArgs) *ids.CloseCode {
	for _, out := range *args.Outgoing {
		r.sendOutgoing(out)
	}
	for _, pub := range *args.Publish {
		env, err := wire.Wrap(pub.Namespace, pub.Payload)
		if err != nil {
			r.logger.Error("failed to wrap exchange publication", zap.Error(err))
			continue
		}
		if err := r.exchange.Publish(pub.RoutingKey, env); err != nil {
			r.logger.Warn("failed to publish to exchange", zap.Error(err))
		}
	}
	if *args.Invalidate {
		r.publishControl(room.AllSignalingRoomRoutingKey(r.room), controlExchangeEvent{Event: controlEventParticipantUpdated, Id: r.self})
	}
	for _, stream := range *args.Streams {
		r.adoptStream(stream)
	}
	return *args.ExitCode
}

func (r *Runner) adoptStream(stream signaling.EventStream) {
	go func() {
		for value := range stream.Events {
			select {
			case r.extCh <- extDelivery{namespace: stream.Namespace, value: value}:
			case <-r.closed:
				return
			}
		}
	}()
}

func (r *Runner) sendOutgoing(out signaling.OutgoingMessage) {
	payload, err := json.Marshal(out.Payload)
	if err != nil {
		r.logger.Error("failed to marshal outgoing module payload", zap.String("namespace", string(out.Namespace)), zap.Error(err))
		return
	}
	ts := ids.Now()
	if out.OverrideTimestamp != nil {
		ts = *out.OverrideTimestamp
	}
	frame, err := json.Marshal(envelope{Namespace: out.Namespace, Timestamp: ts, Payload: payload})
	if err != nil {
		r.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}
	select {
	case r.send <- frame:
	default:
		r.logger.Warn("dropping outgoing frame for slow client", zap.String("namespace", string(out.Namespace)))
	}
}

// dispatchJoined performs the Room Lifecycle bootstrap (storage singleton init, participant set
// add, counter increment) — unless the caller already ran it (r.alreadyJoined) to resolve the
// tariff needed to build the module registry before this Runner existed — before collecting
// every module's per-namespace JoinedSlots and assembling the control-namespace join_success
// frame (spec.md §4.6, §6).
func (r *Runner) dispatchJoined(ctx context.Context) *ids.CloseCode {
	if !r.alreadyJoined {
		_, err := r.roomSvc.Join(ctx, r.room, r.self, r.creator, r.tariff, r.event, room.ParticipantInfo{
			DisplayName: r.displayName,
			Role:        r.role,
			Kind:        r.kind,
		})
		if err != nil {
			if serr, ok := signaling.AsSignalingError(err); ok {
				r.logger.Info("join rejected", zap.String("code", serr.Code))
				code := ids.ClosePolicy
				return &code
			}
			r.logger.Error("room join bookkeeping failed", zap.Error(err))
			code := ids.CloseInternal
			return &code
		}
	}

	args, _ := r.newArgs(ctx)
	slots := r.registry.OnJoined(args)
	if exitCode := r.flush(args); exitCode != nil {
		return exitCode
	}

	peers, err := r.storage.ParticipantSetAll(ctx, r.room)
	if err != nil {
		r.logger.Error("failed to list participants for join success", zap.Error(err))
		peers = nil
	}

	participants := make([]participantDescriptor, 0, len(peers))
	for _, peer := range peers {
		if peer == r.self {
			continue
		}
		participants = append(participants, participantDescriptor{
			Id:         peer,
			ModuleData: buildPeerModuleData(slots, peer),
		})
	}

	r.sendControl(controlJoinSuccess{
		Id:           r.self,
		Role:         r.role,
		Participants: participants,
		ModuleData:   buildModuleData(slots),
	})

	r.publishControl(room.AllSignalingRoomRoutingKey(r.room), controlExchangeEvent{Event: controlEventParticipantJoined, Id: r.self})

	return nil
}

func (r *Runner) handleIncoming(ctx context.Context, frame incomingFrame) *ids.CloseCode {
	if frame.Namespace == wire.ControlNamespace {
		return r.handleControlIncoming(ctx, frame.Payload)
	}
	args, _ := r.newArgs(ctx)
	if err := r.registry.OnEventTargeted(args, frame.Namespace, signaling.Event{Kind: signaling.EventWsMessage, RawPayload: frame.Payload}); err != nil {
		if perr, ok := signaling.AsSignalingError(err); ok {
			r.logger.Debug("protocol error handling incoming frame", zap.String("namespace", string(frame.Namespace)), zap.String("code", perr.Code))
		}
	}
	return r.flush(args)
}

// handleExchange unwraps the wire.Envelope every exchange frame now carries and routes it by
// namespace, either to the control layer or to the targeted module (spec.md §6).
func (r *Runner) handleExchange(ctx context.Context, msg exchange.Message) *ids.CloseCode {
	var env wire.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Debug("dropping malformed exchange frame", zap.Error(err))
		return nil
	}
	if env.Namespace == wire.ControlNamespace {
		return r.handleControlExchange(ctx, env.Payload)
	}
	args, _ := r.newArgs(ctx)
	if err := r.registry.OnEventTargeted(args, env.Namespace, signaling.Event{Kind: signaling.EventExchange, RawPayload: env.Payload}); err != nil {
		if perr, ok := signaling.AsSignalingError(err); ok {
			r.logger.Debug("protocol error handling exchange frame", zap.String("namespace", string(env.Namespace)), zap.String("code", perr.Code))
		}
	}
	return r.flush(args)
}

func (r *Runner) handleExt(ctx context.Context, delivery extDelivery) *ids.CloseCode {
	args, _ := r.newArgs(ctx)
	_ = r.registry.OnEventTargeted(args, delivery.namespace, signaling.Event{Kind: signaling.EventExt, ExtEvent: delivery.value})
	return r.flush(args)
}

func (r *Runner) dispatchLeaving(ctx context.Context) ids.CleanupScope {
	args, _ := r.newArgs(ctx)
	r.registry.OnEventBroadcast(args, signaling.Event{Kind: signaling.EventLeaving})
	r.flush(args)

	scope, err := r.roomSvc.Leave(ctx, r.room, r.self)
	if err != nil {
		r.logger.Error("room leave bookkeeping failed", zap.Error(err))
		scope = ids.CleanupLocal
	}

	r.publishControl(room.AllSignalingRoomRoutingKey(r.room), controlExchangeEvent{Event: controlEventParticipantLeft, Id: r.self})

	return scope
}

func (r *Runner) ping() {
	select {
	case r.send <- nil: // nil signals writePump to send a protocol-level ping, not a data frame
	default:
	}
}

func (r *Runner) shutdown(ctx context.Context, scope ids.CleanupScope) {
	r.registry.Destroy(ctx, r.storage, r.room, scope)
	close(r.closed)
	_ = r.conn.Close()
}

// readPump reads frames off the WebSocket and forwards well-formed ones to the select loop,
// mirroring session.Client.readPump's read-decode-forward shape.
func (r *Runner) readPump() {
	defer func() {
		select {
		case <-r.closed:
		default:
			close(r.incoming)
		}
	}()

	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame incomingFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Debug("dropping malformed incoming frame", zap.Error(err))
			continue
		}

		select {
		case r.incoming <- frame:
		case <-r.closed:
			return
		}
	}
}

// writePump is the sole writer to the WebSocket connection, mirroring session.Client.writePump.
func (r *Runner) writePump() {
	defer func() { _ = r.conn.Close() }()

	for {
		select {
		case <-r.closed:
			return
		case data, ok := <-r.send:
			if !ok {
				return
			}
			_ = r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if data == nil {
				if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			}
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// Deliver injects a raw WS frame as though it were read from the socket; used by tests.
func (r *Runner) Deliver(namespace ids.ModuleId, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("runner: marshal test payload: %w", err)
	}
	select {
	case r.incoming <- incomingFrame{Namespace: namespace, Payload: raw}:
		return nil
	case <-r.closed:
		return fmt.Errorf("runner: closed")
	}
}
