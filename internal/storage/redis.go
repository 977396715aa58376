package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// RedisStorage is the multi-controller backend: every key lives in a shared Redis instance so
// any controller process can serve any participant. Adapted from the teacher's
// internal/v1/bus/redis.go connection/circuit-breaker scaffolding and internal/v1/room/redis.go's
// set-membership helpers, generalized from "room membership only" to the full Storage contract.
type RedisStorage struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// decrClampScript decrements a counter but never takes it below zero, matching the "saturating
// counter" invariant (spec.md §8) without a read-then-write race.
const decrClampScript = `
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then v = v - 1 end
redis.call('SET', KEYS[1], v)
return v
`

// NewRedisStorage opens a connection and verifies it with a PING, mirroring bus.NewService.
func NewRedisStorage(addr, password string, db int) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "storage-redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
	}

	return &RedisStorage{client: client, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (r *RedisStorage) Close() error { return r.client.Close() }

func (r *RedisStorage) exec(fn func() (any, error)) (any, error) {
	v, err := r.cb.Execute(fn)
	if err == gobreaker.ErrOpenState {
		return nil, NewResourceUnavailableError(err)
	}
	return v, err
}

// NewResourceUnavailableError wraps a circuit-breaker-open condition so callers can distinguish
// "Redis is unreachable right now" from a genuine data error.
func NewResourceUnavailableError(err error) error {
	return fmt.Errorf("storage: backend unavailable: %w", err)
}

// --- participant set ---

func (r *RedisStorage) ParticipantSetContains(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) (bool, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.SIsMember(ctx, participantsSetKey(room), string(participant)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *RedisStorage) ParticipantSetAdd(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) (bool, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.SAdd(ctx, participantsSetKey(room), string(participant)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(int64) > 0, nil
}

func (r *RedisStorage) ParticipantSetRemove(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) error {
	_, err := r.exec(func() (any, error) {
		return r.client.SRem(ctx, participantsSetKey(room), string(participant)).Result()
	})
	return err
}

func (r *RedisStorage) ParticipantSetAll(ctx context.Context, room ids.SignalingRoomId) ([]ids.ParticipantId, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.SMembers(ctx, participantsSetKey(room)).Result()
	})
	if err != nil {
		return nil, err
	}
	members := v.([]string)
	out := make([]ids.ParticipantId, len(members))
	for i, m := range members {
		out[i] = ids.ParticipantId(m)
	}
	return out, nil
}

func (r *RedisStorage) ParticipantSetCheckAllExist(ctx context.Context, room ids.SignalingRoomId, participants []ids.ParticipantId) (bool, error) {
	all, err := r.ParticipantSetAll(ctx, room)
	if err != nil {
		return false, err
	}
	present := make(map[ids.ParticipantId]struct{}, len(all))
	for _, p := range all {
		present[p] = struct{}{}
	}
	for _, p := range participants {
		if _, ok := present[p]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *RedisStorage) ParticipantSetExists(ctx context.Context, room ids.SignalingRoomId) (bool, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.Exists(ctx, participantsSetKey(room)).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(int64) > 0, nil
}

func (r *RedisStorage) ParticipantSetRemoveSet(ctx context.Context, room ids.SignalingRoomId) error {
	_, err := r.exec(func() (any, error) {
		return r.client.Del(ctx, participantsSetKey(room)).Result()
	})
	return err
}

// --- attributes (Redis hash per scope+key, field = participant id) ---

func (r *RedisStorage) AttributeGet(ctx context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId) (json.RawMessage, bool, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.HGet(ctx, attributeHashKey(scope, key), string(participant)).Result()
	})
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(v.(string)), true, nil
}

func (r *RedisStorage) AttributeSet(ctx context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = r.exec(func() (any, error) {
		return r.client.HSet(ctx, attributeHashKey(scope, key), string(participant), raw).Result()
	})
	return err
}

func (r *RedisStorage) AttributeDelete(ctx context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId) error {
	_, err := r.exec(func() (any, error) {
		return r.client.HDel(ctx, attributeHashKey(scope, key), string(participant)).Result()
	})
	return err
}

func (r *RedisStorage) AttributeGetForParticipants(ctx context.Context, scope AttributeScope, key AttributeKey, participants []ids.ParticipantId) ([]*json.RawMessage, error) {
	fields := make([]string, len(participants))
	for i, p := range participants {
		fields[i] = string(p)
	}
	v, err := r.exec(func() (any, error) {
		return r.client.HMGet(ctx, attributeHashKey(scope, key), fields...).Result()
	})
	if err != nil {
		return nil, err
	}
	raw := v.([]any)
	out := make([]*json.RawMessage, len(raw))
	for i, item := range raw {
		if item == nil {
			continue
		}
		rm := json.RawMessage(item.(string))
		out[i] = &rm
	}
	return out, nil
}

func (r *RedisStorage) AttributeRemoveKey(ctx context.Context, scope AttributeScope, key AttributeKey) error {
	_, err := r.exec(func() (any, error) {
		return r.client.Del(ctx, attributeHashKey(scope, key)).Result()
	})
	return err
}

// Bulk runs the batch inside a MULTI/EXEC transaction pipeline: every write commits together, and
// every Get's value is read from the same pipeline round-trip it was queued in.
func (r *RedisStorage) Bulk(ctx context.Context, actions BulkActions) ([]BulkResult, error) {
	v, err := r.exec(func() (any, error) {
		var getCmds []*redis.StringCmd
		var getIndexes []int
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, action := range actions.Actions {
				hk := attributeHashKey(action.Scope, action.Key)
				switch action.Kind {
				case ActionGet:
					cmd := pipe.HGet(ctx, hk, string(action.Participant))
					getCmds = append(getCmds, cmd)
					getIndexes = append(getIndexes, i)
				case ActionSet:
					pipe.HSet(ctx, hk, string(action.Participant), []byte(action.Value))
				case ActionDelete:
					pipe.HDel(ctx, hk, string(action.Participant))
				}
			}
			return nil
		})
		if err != nil && err != redis.Nil {
			return nil, err
		}

		results := make([]BulkResult, len(getCmds))
		for i, cmd := range getCmds {
			val, gerr := cmd.Result()
			if gerr == redis.Nil {
				results[i] = BulkResult{Found: false}
				continue
			}
			if gerr != nil {
				return nil, gerr
			}
			results[i] = BulkResult{Value: json.RawMessage(val), Found: true}
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]BulkResult), nil
}

// --- room singletons (compare-and-set via SetNX) ---

func (r *RedisStorage) tryInitSingleton(ctx context.Context, key string, value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = r.exec(func() (any, error) {
		ok, serr := r.client.SetNX(ctx, key, data, 0).Result()
		if serr != nil {
			return nil, serr
		}
		if ok {
			return nil, json.Unmarshal(data, out)
		}
		existing, serr := r.client.Get(ctx, key).Result()
		if serr != nil {
			return nil, serr
		}
		return nil, json.Unmarshal([]byte(existing), out)
	})
	return err
}

func (r *RedisStorage) getSingleton(ctx context.Context, key string, out any) (bool, error) {
	v, err := r.exec(func() (any, error) {
		val, gerr := r.client.Get(ctx, key).Result()
		if gerr == redis.Nil {
			return false, nil
		}
		if gerr != nil {
			return false, gerr
		}
		return true, json.Unmarshal([]byte(val), out)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *RedisStorage) deleteSingleton(ctx context.Context, key string) error {
	_, err := r.exec(func() (any, error) {
		return r.client.Del(ctx, key).Result()
	})
	return err
}

func (r *RedisStorage) TryInitTariff(ctx context.Context, room ids.RoomId, tariff Tariff) (Tariff, error) {
	var out Tariff
	err := r.tryInitSingleton(ctx, tariffKey(room), tariff, &out)
	return out, err
}

func (r *RedisStorage) GetTariff(ctx context.Context, room ids.RoomId) (*Tariff, error) {
	var out Tariff
	found, err := r.getSingleton(ctx, tariffKey(room), &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (r *RedisStorage) DeleteTariff(ctx context.Context, room ids.RoomId) error {
	return r.deleteSingleton(ctx, tariffKey(room))
}

func (r *RedisStorage) TryInitCreator(ctx context.Context, room ids.RoomId, creator CreatorInfo) (CreatorInfo, error) {
	var out CreatorInfo
	err := r.tryInitSingleton(ctx, creatorKey(room), creator, &out)
	return out, err
}

func (r *RedisStorage) GetCreator(ctx context.Context, room ids.RoomId) (*CreatorInfo, error) {
	var out CreatorInfo
	found, err := r.getSingleton(ctx, creatorKey(room), &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (r *RedisStorage) DeleteCreator(ctx context.Context, room ids.RoomId) error {
	return r.deleteSingleton(ctx, creatorKey(room))
}

func (r *RedisStorage) TryInitEvent(ctx context.Context, room ids.RoomId, event Event) (Event, error) {
	var out Event
	err := r.tryInitSingleton(ctx, eventKey(room), event, &out)
	return out, err
}

func (r *RedisStorage) GetEvent(ctx context.Context, room ids.RoomId) (*Event, error) {
	var out Event
	found, err := r.getSingleton(ctx, eventKey(room), &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (r *RedisStorage) DeleteEvent(ctx context.Context, room ids.RoomId) error {
	return r.deleteSingleton(ctx, eventKey(room))
}

// --- counters ---

func (r *RedisStorage) IncrementParticipantCount(ctx context.Context, room ids.RoomId) (int64, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.Incr(ctx, participantCountKey(room)).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (r *RedisStorage) DecrementParticipantCount(ctx context.Context, room ids.RoomId) (int64, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.Eval(ctx, decrClampScript, []string{participantCountKey(room)}).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (r *RedisStorage) GetParticipantCount(ctx context.Context, room ids.RoomId) (int64, bool, error) {
	v, err := r.exec(func() (any, error) {
		s, gerr := r.client.Get(ctx, participantCountKey(room)).Result()
		if gerr == redis.Nil {
			return nil, nil
		}
		return s, gerr
	})
	if err != nil {
		return 0, false, err
	}
	if v == nil {
		return 0, false, nil
	}
	var n int64
	if err := json.Unmarshal([]byte(v.(string)), &n); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (r *RedisStorage) DeleteParticipantCount(ctx context.Context, room ids.RoomId) error {
	return r.deleteSingleton(ctx, participantCountKey(room))
}

// --- room closes-at (first-writer-wins via SetNX) ---

func (r *RedisStorage) SetRoomClosesAt(ctx context.Context, room ids.SignalingRoomId, at ids.Timestamp) (bool, error) {
	data, err := json.Marshal(at)
	if err != nil {
		return false, err
	}
	v, err := r.exec(func() (any, error) {
		return r.client.SetNX(ctx, closesAtKey(room), data, 0).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *RedisStorage) GetRoomClosesAt(ctx context.Context, room ids.SignalingRoomId) (*ids.Timestamp, error) {
	var ts ids.Timestamp
	found, err := r.getSingleton(ctx, closesAtKey(room), &ts)
	if err != nil || !found {
		return nil, err
	}
	return &ts, nil
}

func (r *RedisStorage) RemoveRoomClosesAt(ctx context.Context, room ids.SignalingRoomId) error {
	return r.deleteSingleton(ctx, closesAtKey(room))
}

// --- skip-waiting-room TTL flag ---

func (r *RedisStorage) SetSkipWaitingRoomWithExpiry(ctx context.Context, participant ids.ParticipantId, value bool, ttl time.Duration) error {
	data, _ := json.Marshal(value)
	_, err := r.exec(func() (any, error) {
		return r.client.Set(ctx, skipWaitingRoomKey(participant), data, ttl).Result()
	})
	return err
}

func (r *RedisStorage) SetSkipWaitingRoomWithExpiryNX(ctx context.Context, participant ids.ParticipantId, value bool, ttl time.Duration) error {
	data, _ := json.Marshal(value)
	_, err := r.exec(func() (any, error) {
		return r.client.SetNX(ctx, skipWaitingRoomKey(participant), data, ttl).Result()
	})
	return err
}

func (r *RedisStorage) ResetSkipWaitingRoomExpiry(ctx context.Context, participant ids.ParticipantId, ttl time.Duration) error {
	_, err := r.exec(func() (any, error) {
		return r.client.Expire(ctx, skipWaitingRoomKey(participant), ttl).Result()
	})
	return err
}

func (r *RedisStorage) GetSkipWaitingRoom(ctx context.Context, participant ids.ParticipantId) (bool, error) {
	v, err := r.exec(func() (any, error) {
		s, gerr := r.client.Get(ctx, skipWaitingRoomKey(participant)).Result()
		if gerr == redis.Nil {
			return "false", nil
		}
		return s, gerr
	})
	if err != nil {
		return false, err
	}
	var out bool
	if err := json.Unmarshal([]byte(v.(string)), &out); err != nil {
		return false, err
	}
	return out, nil
}

func (r *RedisStorage) ConsumeNonce(ctx context.Context, namespace, id string, ttl time.Duration) (bool, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.SetNX(ctx, nonceKey(namespace, id), "1", ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// --- module-scoped values & lists ---

func (r *RedisStorage) ModuleValueGet(ctx context.Context, room ids.SignalingRoomId, moduleKey string) (json.RawMessage, bool, error) {
	v, err := r.exec(func() (any, error) {
		s, gerr := r.client.Get(ctx, moduleValueKey(room, moduleKey)).Result()
		if gerr == redis.Nil {
			return nil, nil
		}
		return s, gerr
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return json.RawMessage(v.(string)), true, nil
}

func (r *RedisStorage) ModuleValueSet(ctx context.Context, room ids.SignalingRoomId, moduleKey string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = r.exec(func() (any, error) {
		return r.client.Set(ctx, moduleValueKey(room, moduleKey), data, 0).Result()
	})
	return err
}

func (r *RedisStorage) ModuleValueDelete(ctx context.Context, room ids.SignalingRoomId, moduleKey string) error {
	return r.deleteSingleton(ctx, moduleValueKey(room, moduleKey))
}

func (r *RedisStorage) ModuleListAppend(ctx context.Context, room ids.SignalingRoomId, moduleKey string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = r.exec(func() (any, error) {
		return r.client.RPush(ctx, moduleValueKey(room, moduleKey), raw).Result()
	})
	return err
}

func (r *RedisStorage) ModuleListAll(ctx context.Context, room ids.SignalingRoomId, moduleKey string) ([]json.RawMessage, error) {
	v, err := r.exec(func() (any, error) {
		return r.client.LRange(ctx, moduleValueKey(room, moduleKey), 0, -1).Result()
	})
	if err != nil {
		return nil, err
	}
	items := v.([]string)
	out := make([]json.RawMessage, len(items))
	for i, it := range items {
		out[i] = json.RawMessage(it)
	}
	return out, nil
}

func (r *RedisStorage) ModuleListDelete(ctx context.Context, room ids.SignalingRoomId, moduleKey string) error {
	return r.deleteSingleton(ctx, moduleValueKey(room, moduleKey))
}
