// Package exchange implements the controller-to-controller message bus (spec.md §4.2): routing
// key subscriptions are held by a single actor goroutine (mirroring how
// original_source/opentalk-signaling-core/src/exchange_task.rs keeps its subscriber map owned by
// one task and reached only through a command channel), and mirrored across controller
// processes over Redis pub/sub the way the teacher's internal/v1/bus/redis.go does — sender-id
// tagging suppresses the echo of a controller's own publication coming back through Redis.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannel = "otcontroller:exchange"

// Message is what a subscriber receives: the routing key it matched on plus the raw payload
// bytes, left for the caller to unmarshal into whatever type their routing key implies.
type Message struct {
	RoutingKey string
	Data       []byte
}

type subscriberId uint64

type subscriberEntry struct {
	routingKeys []string
	ch          chan Message
}

type createSubscriberCmd struct {
	routingKeys []string
	reply       chan *Subscription
}

type dropSubscriberCmd struct {
	id subscriberId
}

type publishCmd struct {
	routingKey string
	data       []byte
	fromRedis  bool
}

// Exchange owns the subscriber registry and is reached only through its command channel; no
// exported method touches the registry directly, so it needs no external locking.
type Exchange struct {
	id      uuid.UUID
	logger  *zap.Logger
	cmd     chan any
	done    chan struct{}
	redis   *redis.Client
	redisCh string
}

// NewExchange starts the actor goroutine with no Redis mirroring (single-controller mode).
func NewExchange(logger *zap.Logger) *Exchange {
	return newExchange(logger, nil)
}

// NewExchangeWithRedis starts the actor goroutine and mirrors every publish onto Redis so other
// controller processes sharing the same Redis instance observe it too.
func NewExchangeWithRedis(logger *zap.Logger, client *redis.Client) *Exchange {
	return newExchange(logger, client)
}

func newExchange(logger *zap.Logger, client *redis.Client) *Exchange {
	e := &Exchange{
		id:      uuid.New(),
		logger:  logger,
		cmd:     make(chan any, 64),
		done:    make(chan struct{}),
		redis:   client,
		redisCh: redisChannel,
	}
	go e.run()
	if client != nil {
		go e.subscribeRedisWithReconnect()
	}
	return e
}

// Subscription is a live registration; call Close when the owning runner shuts down.
type Subscription struct {
	id       subscriberId
	Messages <-chan Message
	exchange *Exchange
}

func (s *Subscription) Close() {
	s.exchange.cmd <- dropSubscriberCmd{id: s.id}
}

// Subscribe registers interest in one or more routing keys. The returned channel is buffered
// (depth 8); a slow subscriber drops messages rather than stalling the exchange actor, matching
// the bounded mpsc channel exchange_task.rs uses per subscriber.
func (e *Exchange) Subscribe(routingKeys ...string) *Subscription {
	reply := make(chan *Subscription, 1)
	e.cmd <- createSubscriberCmd{routingKeys: routingKeys, reply: reply}
	return <-reply
}

// Publish fans the message out to local subscribers and mirrors it to Redis (if configured) so
// other controllers see it too.
func (e *Exchange) Publish(routingKey string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("exchange: marshal payload: %w", err)
	}
	e.cmd <- publishCmd{routingKey: routingKey, data: data}
	return nil
}

func (e *Exchange) Close() {
	close(e.done)
}

func (e *Exchange) run() {
	var nextId subscriberId
	subscribers := map[subscriberId]subscriberEntry{}
	routingKeys := map[string][]subscriberId{}

	for {
		select {
		case <-e.done:
			for _, sub := range subscribers {
				close(sub.ch)
			}
			return
		case raw := <-e.cmd:
			switch cmd := raw.(type) {
			case createSubscriberCmd:
				nextId++
				id := nextId
				ch := make(chan Message, 8)
				subscribers[id] = subscriberEntry{routingKeys: cmd.routingKeys, ch: ch}
				for _, key := range cmd.routingKeys {
					routingKeys[key] = append(routingKeys[key], id)
				}
				cmd.reply <- &Subscription{id: id, Messages: ch, exchange: e}

			case dropSubscriberCmd:
				entry, ok := subscribers[cmd.id]
				if !ok {
					continue
				}
				delete(subscribers, cmd.id)
				close(entry.ch)
				for _, key := range entry.routingKeys {
					remaining := routingKeys[key][:0]
					for _, id := range routingKeys[key] {
						if id != cmd.id {
							remaining = append(remaining, id)
						}
					}
					if len(remaining) == 0 {
						delete(routingKeys, key)
					} else {
						routingKeys[key] = remaining
					}
				}

			case publishCmd:
				for _, id := range routingKeys[cmd.routingKey] {
					entry := subscribers[id]
					select {
					case entry.ch <- Message{RoutingKey: cmd.routingKey, Data: cmd.data}:
					default:
						e.logger.Warn("dropping exchange message for slow subscriber", zap.String("routing_key", cmd.routingKey))
					}
				}

				if !cmd.fromRedis && e.redis != nil {
					e.publishToRedis(cmd.routingKey, cmd.data)
				}
			}
		}
	}
}

type wireMessage struct {
	Sender     string `json:"sender"`
	RoutingKey string `json:"routing_key"`
	Data       []byte `json:"data"`
}

func (e *Exchange) publishToRedis(routingKey string, data []byte) {
	msg := wireMessage{Sender: e.id.String(), RoutingKey: routingKey, Data: data}
	encoded, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error("failed to marshal exchange wire message", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.redis.Publish(ctx, e.redisCh, encoded).Err(); err != nil {
		e.logger.Warn("exchange redis publish failed", zap.Error(err))
	}
}

// subscribeRedisWithReconnect mirrors exchange_task.rs's reconnect loop: on disconnect it waits
// with exponential backoff (capped at 2s) before resubscribing. While disconnected, local
// subscribers are not notified that cross-controller delivery has lapsed (spec.md §4.2) — they
// keep receiving same-process publishes uninterrupted and only miss messages that would have
// arrived via Redis from another controller.
func (e *Exchange) subscribeRedisWithReconnect() {
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		select {
		case <-e.done:
			return
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		pubsub := e.redis.Subscribe(ctx, e.redisCh)
		ch := pubsub.Channel()

		connected := true
		for connected {
			select {
			case <-e.done:
				cancel()
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					connected = false
					break
				}
				e.handleRedisMessage([]byte(msg.Payload))
				backoff = 100 * time.Millisecond
			}
		}

		cancel()
		_ = pubsub.Close()
		e.logger.Warn("exchange lost redis subscription, reconnecting", zap.Duration("backoff", backoff))

		select {
		case <-e.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (e *Exchange) handleRedisMessage(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.logger.Warn("failed to unmarshal exchange wire message", zap.Error(err))
		return
	}
	if msg.Sender == e.id.String() {
		return // suppress echo of our own publish
	}
	e.cmd <- publishCmd{routingKey: msg.RoutingKey, data: msg.Data, fromRedis: true}
}
