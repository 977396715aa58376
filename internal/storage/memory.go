package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/tidwall/buntdb"
)

// MemoryStorage is the single-controller backend: an embedded, in-process buntdb instance.
// buntdb gives us two things a bespoke map+mutex would have to reinvent: native per-key TTLs
// (the skip-waiting-room flag) and a single-writer transaction that makes BulkActions'
// "all or none" requirement trivial to satisfy — every Bulk call is exactly one db.Update.
type MemoryStorage struct {
	db *buntdb.DB
}

// NewMemoryStorage opens a fresh in-process store. Safe for concurrent use across runners in
// the same process.
func NewMemoryStorage() (*MemoryStorage, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("storage: open buntdb: %w", err)
	}
	// Background TTL eviction keeps "expired ⇒ absent" observable without requiring every
	// reader to remember to check expiry (spec.md §3 expiring-map note).
	db.SetConfig(buntdb.Config{AutoShrinkDisabled: false})
	return &MemoryStorage{db: db}, nil
}

func (m *MemoryStorage) Close() error { return m.db.Close() }

// --- participant set ---

type stringSet = map[string]struct{}

func (m *MemoryStorage) readSet(tx *buntdb.Tx, key string) (stringSet, error) {
	set := stringSet{}
	val, err := tx.Get(key)
	if err != nil {
		if err == buntdb.ErrNotFound {
			return set, nil
		}
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(val), &list); err != nil {
		return nil, err
	}
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set, nil
}

func writeSet(tx *buntdb.Tx, key string, set stringSet) error {
	list := make([]string, 0, len(set))
	for v := range set {
		list = append(list, v)
	}
	data, _ := json.Marshal(list)
	_, _, err := tx.Set(key, string(data), nil)
	return err
}

func (m *MemoryStorage) ParticipantSetContains(_ context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) (bool, error) {
	var ok bool
	err := m.db.View(func(tx *buntdb.Tx) error {
		set, err := m.readSet(tx, participantsSetKey(room))
		if err != nil {
			return err
		}
		_, ok = set[string(participant)]
		return nil
	})
	return ok, err
}

func (m *MemoryStorage) ParticipantSetAdd(_ context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) (bool, error) {
	inserted := false
	err := m.db.Update(func(tx *buntdb.Tx) error {
		set, err := m.readSet(tx, participantsSetKey(room))
		if err != nil {
			return err
		}
		if _, exists := set[string(participant)]; exists {
			return nil
		}
		inserted = true
		set[string(participant)] = struct{}{}
		return writeSet(tx, participantsSetKey(room), set)
	})
	return inserted, err
}

func (m *MemoryStorage) ParticipantSetRemove(_ context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		set, err := m.readSet(tx, participantsSetKey(room))
		if err != nil {
			return err
		}
		delete(set, string(participant))
		if len(set) == 0 {
			if _, err := tx.Delete(participantsSetKey(room)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			return nil
		}
		return writeSet(tx, participantsSetKey(room), set)
	})
}

func (m *MemoryStorage) ParticipantSetAll(_ context.Context, room ids.SignalingRoomId) ([]ids.ParticipantId, error) {
	var out []ids.ParticipantId
	err := m.db.View(func(tx *buntdb.Tx) error {
		set, err := m.readSet(tx, participantsSetKey(room))
		if err != nil {
			return err
		}
		for v := range set {
			out = append(out, ids.ParticipantId(v))
		}
		return nil
	})
	return out, err
}

func (m *MemoryStorage) ParticipantSetCheckAllExist(_ context.Context, room ids.SignalingRoomId, participants []ids.ParticipantId) (bool, error) {
	all := true
	err := m.db.View(func(tx *buntdb.Tx) error {
		set, err := m.readSet(tx, participantsSetKey(room))
		if err != nil {
			return err
		}
		for _, p := range participants {
			if _, ok := set[string(p)]; !ok {
				all = false
				return nil
			}
		}
		return nil
	})
	return all, err
}

func (m *MemoryStorage) ParticipantSetExists(_ context.Context, room ids.SignalingRoomId) (bool, error) {
	exists := false
	err := m.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(participantsSetKey(room))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (m *MemoryStorage) ParticipantSetRemoveSet(_ context.Context, room ids.SignalingRoomId) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(participantsSetKey(room))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// --- attributes ---

func (m *MemoryStorage) readAttrHash(tx *buntdb.Tx, key string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	val, err := tx.Get(key)
	if err != nil {
		if err == buntdb.ErrNotFound {
			return out, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeAttrHash(tx *buntdb.Tx, key string, hash map[string]json.RawMessage) error {
	data, _ := json.Marshal(hash)
	_, _, err := tx.Set(key, string(data), nil)
	return err
}

func (m *MemoryStorage) AttributeGet(_ context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId) (json.RawMessage, bool, error) {
	var val json.RawMessage
	var found bool
	err := m.db.View(func(tx *buntdb.Tx) error {
		hash, err := m.readAttrHash(tx, attributeHashKey(scope, key))
		if err != nil {
			return err
		}
		val, found = hash[string(participant)]
		return nil
	})
	return val, found, err
}

func (m *MemoryStorage) AttributeSet(_ context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *buntdb.Tx) error {
		hash, err := m.readAttrHash(tx, attributeHashKey(scope, key))
		if err != nil {
			return err
		}
		hash[string(participant)] = raw
		return writeAttrHash(tx, attributeHashKey(scope, key), hash)
	})
}

func (m *MemoryStorage) AttributeDelete(_ context.Context, scope AttributeScope, key AttributeKey, participant ids.ParticipantId) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		hash, err := m.readAttrHash(tx, attributeHashKey(scope, key))
		if err != nil {
			return err
		}
		delete(hash, string(participant))
		return writeAttrHash(tx, attributeHashKey(scope, key), hash)
	})
}

func (m *MemoryStorage) AttributeGetForParticipants(_ context.Context, scope AttributeScope, key AttributeKey, participants []ids.ParticipantId) ([]*json.RawMessage, error) {
	out := make([]*json.RawMessage, len(participants))
	err := m.db.View(func(tx *buntdb.Tx) error {
		hash, err := m.readAttrHash(tx, attributeHashKey(scope, key))
		if err != nil {
			return err
		}
		for i, p := range participants {
			if v, ok := hash[string(p)]; ok {
				vv := v
				out[i] = &vv
			}
		}
		return nil
	})
	return out, err
}

func (m *MemoryStorage) AttributeRemoveKey(_ context.Context, scope AttributeScope, key AttributeKey) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(attributeHashKey(scope, key))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

func (m *MemoryStorage) Bulk(_ context.Context, actions BulkActions) ([]BulkResult, error) {
	var results []BulkResult
	err := m.db.Update(func(tx *buntdb.Tx) error {
		hashes := map[string]map[string]json.RawMessage{}
		loadHash := func(scope AttributeScope, key AttributeKey) (map[string]json.RawMessage, error) {
			k := attributeHashKey(scope, key)
			if h, ok := hashes[k]; ok {
				return h, nil
			}
			h, err := m.readAttrHash(tx, k)
			if err != nil {
				return nil, err
			}
			hashes[k] = h
			return h, nil
		}

		for _, action := range actions.Actions {
			hash, err := loadHash(action.Scope, action.Key)
			if err != nil {
				return err
			}
			switch action.Kind {
			case ActionGet:
				v, ok := hash[string(action.Participant)]
				results = append(results, BulkResult{Value: v, Found: ok})
			case ActionSet:
				hash[string(action.Participant)] = action.Value
			case ActionDelete:
				delete(hash, string(action.Participant))
			}
		}

		for key, hash := range hashes {
			if err := writeAttrHash(tx, key, hash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// --- room singletons ---

func (m *MemoryStorage) tryInitSingleton(key string, value any, out any) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		existing, err := tx.Get(key)
		if err == nil {
			return json.Unmarshal([]byte(existing), out)
		}
		if err != buntdb.ErrNotFound {
			return err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(key, string(data), nil); err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	})
}

func (m *MemoryStorage) getSingleton(key string, out any) (bool, error) {
	found := false
	err := m.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(val), out)
	})
	return found, err
}

func (m *MemoryStorage) deleteSingleton(key string) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

func (m *MemoryStorage) TryInitTariff(_ context.Context, room ids.RoomId, tariff Tariff) (Tariff, error) {
	var out Tariff
	err := m.tryInitSingleton(tariffKey(room), tariff, &out)
	return out, err
}

func (m *MemoryStorage) GetTariff(_ context.Context, room ids.RoomId) (*Tariff, error) {
	var out Tariff
	found, err := m.getSingleton(tariffKey(room), &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (m *MemoryStorage) DeleteTariff(_ context.Context, room ids.RoomId) error {
	return m.deleteSingleton(tariffKey(room))
}

func (m *MemoryStorage) TryInitCreator(_ context.Context, room ids.RoomId, creator CreatorInfo) (CreatorInfo, error) {
	var out CreatorInfo
	err := m.tryInitSingleton(creatorKey(room), creator, &out)
	return out, err
}

func (m *MemoryStorage) GetCreator(_ context.Context, room ids.RoomId) (*CreatorInfo, error) {
	var out CreatorInfo
	found, err := m.getSingleton(creatorKey(room), &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (m *MemoryStorage) DeleteCreator(_ context.Context, room ids.RoomId) error {
	return m.deleteSingleton(creatorKey(room))
}

func (m *MemoryStorage) TryInitEvent(_ context.Context, room ids.RoomId, event Event) (Event, error) {
	var out Event
	err := m.tryInitSingleton(eventKey(room), event, &out)
	return out, err
}

func (m *MemoryStorage) GetEvent(_ context.Context, room ids.RoomId) (*Event, error) {
	var out Event
	found, err := m.getSingleton(eventKey(room), &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (m *MemoryStorage) DeleteEvent(_ context.Context, room ids.RoomId) error {
	return m.deleteSingleton(eventKey(room))
}

// --- counters ---

func (m *MemoryStorage) IncrementParticipantCount(_ context.Context, room ids.RoomId) (int64, error) {
	var result int64
	err := m.db.Update(func(tx *buntdb.Tx) error {
		count := readCounter(tx, participantCountKey(room))
		count++
		return writeCounter(tx, participantCountKey(room), count, &result)
	})
	return result, err
}

func (m *MemoryStorage) DecrementParticipantCount(_ context.Context, room ids.RoomId) (int64, error) {
	var result int64
	err := m.db.Update(func(tx *buntdb.Tx) error {
		count := readCounter(tx, participantCountKey(room))
		if count > 0 {
			count--
		}
		return writeCounter(tx, participantCountKey(room), count, &result)
	})
	return result, err
}

func readCounter(tx *buntdb.Tx, key string) int64 {
	val, err := tx.Get(key)
	if err != nil {
		return 0
	}
	var n int64
	_ = json.Unmarshal([]byte(val), &n)
	return n
}

func writeCounter(tx *buntdb.Tx, key string, value int64, out *int64) error {
	data, _ := json.Marshal(value)
	if _, _, err := tx.Set(key, string(data), nil); err != nil {
		return err
	}
	*out = value
	return nil
}

func (m *MemoryStorage) GetParticipantCount(_ context.Context, room ids.RoomId) (int64, bool, error) {
	var found bool
	var n int64
	err := m.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(participantCountKey(room))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(val), &n)
	})
	return n, found, err
}

func (m *MemoryStorage) DeleteParticipantCount(_ context.Context, room ids.RoomId) error {
	return m.deleteSingleton(participantCountKey(room))
}

// --- room closes-at ---

func (m *MemoryStorage) SetRoomClosesAt(_ context.Context, room ids.SignalingRoomId, at ids.Timestamp) (bool, error) {
	set := false
	err := m.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Get(closesAtKey(room))
		if err == nil {
			return nil // first-writer-wins
		}
		if err != buntdb.ErrNotFound {
			return err
		}
		data, _ := json.Marshal(at)
		if _, _, err := tx.Set(closesAtKey(room), string(data), nil); err != nil {
			return err
		}
		set = true
		return nil
	})
	return set, err
}

func (m *MemoryStorage) GetRoomClosesAt(_ context.Context, room ids.SignalingRoomId) (*ids.Timestamp, error) {
	var ts ids.Timestamp
	found, err := m.getSingleton(closesAtKey(room), &ts)
	if err != nil || !found {
		return nil, err
	}
	return &ts, nil
}

func (m *MemoryStorage) RemoveRoomClosesAt(_ context.Context, room ids.SignalingRoomId) error {
	return m.deleteSingleton(closesAtKey(room))
}

// --- skip-waiting-room TTL flag ---

func (m *MemoryStorage) SetSkipWaitingRoomWithExpiry(_ context.Context, participant ids.ParticipantId, value bool, ttl time.Duration) error {
	data, _ := json.Marshal(value)
	return m.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(skipWaitingRoomKey(participant), string(data), &buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})
}

func (m *MemoryStorage) SetSkipWaitingRoomWithExpiryNX(_ context.Context, participant ids.ParticipantId, value bool, ttl time.Duration) error {
	data, _ := json.Marshal(value)
	return m.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Get(skipWaitingRoomKey(participant))
		if err == nil {
			return nil
		}
		if err != buntdb.ErrNotFound {
			return err
		}
		_, _, err = tx.Set(skipWaitingRoomKey(participant), string(data), &buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})
}

func (m *MemoryStorage) ResetSkipWaitingRoomExpiry(_ context.Context, participant ids.ParticipantId, ttl time.Duration) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(skipWaitingRoomKey(participant))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		_, _, err = tx.Set(skipWaitingRoomKey(participant), val, &buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})
}

func (m *MemoryStorage) GetSkipWaitingRoom(_ context.Context, participant ids.ParticipantId) (bool, error) {
	var value bool
	err := m.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(skipWaitingRoomKey(participant))
		if err == buntdb.ErrNotFound {
			value = false
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), &value)
	})
	return value, err
}

func (m *MemoryStorage) ConsumeNonce(_ context.Context, namespace, id string, ttl time.Duration) (bool, error) {
	firstUse := false
	err := m.db.Update(func(tx *buntdb.Tx) error {
		key := nonceKey(namespace, id)
		if _, err := tx.Get(key); err == nil {
			return nil
		} else if err != buntdb.ErrNotFound {
			return err
		}
		firstUse = true
		_, _, err := tx.Set(key, "1", &buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})
	return firstUse, err
}

// --- module-scoped values & lists ---

func (m *MemoryStorage) ModuleValueGet(_ context.Context, room ids.SignalingRoomId, moduleKey string) (json.RawMessage, bool, error) {
	var out json.RawMessage
	var found bool
	err := m.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(moduleValueKey(room, moduleKey))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		out = json.RawMessage(val)
		return nil
	})
	return out, found, err
}

func (m *MemoryStorage) ModuleValueSet(_ context.Context, room ids.SignalingRoomId, moduleKey string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(moduleValueKey(room, moduleKey), string(data), nil)
		return err
	})
}

func (m *MemoryStorage) ModuleValueDelete(_ context.Context, room ids.SignalingRoomId, moduleKey string) error {
	return m.deleteSingleton(moduleValueKey(room, moduleKey))
}

func (m *MemoryStorage) ModuleListAppend(_ context.Context, room ids.SignalingRoomId, moduleKey string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key := moduleValueKey(room, moduleKey)
	return m.db.Update(func(tx *buntdb.Tx) error {
		var list []json.RawMessage
		if val, err := tx.Get(key); err == nil {
			if err := json.Unmarshal([]byte(val), &list); err != nil {
				return err
			}
		} else if err != buntdb.ErrNotFound {
			return err
		}
		list = append(list, raw)
		data, _ := json.Marshal(list)
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
}

func (m *MemoryStorage) ModuleListAll(_ context.Context, room ids.SignalingRoomId, moduleKey string) ([]json.RawMessage, error) {
	var list []json.RawMessage
	key := moduleValueKey(room, moduleKey)
	err := m.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), &list)
	})
	return list, err
}

func (m *MemoryStorage) ModuleListDelete(_ context.Context, room ids.SignalingRoomId, moduleKey string) error {
	return m.deleteSingleton(moduleValueKey(room, moduleKey))
}
