package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "collab"

// Room events travel on one channel per room, subscribed by pattern.
const redisEventPattern = redisPrefix + ":room:*:events"

// enterScript resolves or claims the room of a key and adds the member
// in one step, so a room being closed cannot swallow the new member.
var enterScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
local created = 0
if not id then
	id = ARGV[1]
	redis.call('SET', KEYS[1], id)
	created = 1
end
redis.call('HSET', ARGV[2] .. id .. ':members', ARGV[3], ARGV[4])
return {id, created}
`)

// leaveScript removes a member and drops the room once it is empty.
// With ARGV[3] = "1" the room is dropped whoever is left.
var leaveScript = redis.NewScript(`
if ARGV[1] ~= '' then
	redis.call('HDEL', KEYS[2], ARGV[1])
end
if ARGV[3] ~= '1' and redis.call('HLEN', KEYS[2]) > 0 then
	return 0
end
if redis.call('GET', KEYS[1]) == ARGV[2] then
	redis.call('DEL', KEYS[1])
end
redis.call('DEL', KEYS[2], KEYS[3], KEYS[4])
return 1
`)

var updateMemberScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 0
`)

// redisRoomStore shares room state between server instances. Members and
// changes are hashes of JSON encoded values, the order counter a plain
// INCR key, and events go out with PUBLISH.
type redisRoomStore struct {
	rdb *redis.Client
}

func NewRedisRoomStore(rdb *redis.Client) RoomStore {
	return &redisRoomStore{rdb: rdb}
}

func redisKeyKey(key string) string      { return fmt.Sprintf("%s:key:%s", redisPrefix, key) }
func redisRoomPrefix() string            { return fmt.Sprintf("%s:room:", redisPrefix) }
func redisMembersKey(room string) string { return fmt.Sprintf("%s:room:%s:members", redisPrefix, room) }
func redisChangesKey(room string) string { return fmt.Sprintf("%s:room:%s:changes", redisPrefix, room) }
func redisOrderKey(room string) string   { return fmt.Sprintf("%s:room:%s:order", redisPrefix, room) }
func redisEventsKey(room string) string  { return fmt.Sprintf("%s:room:%s:events", redisPrefix, room) }

// globEscape quotes the pattern characters of a SCAN MATCH argument.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '*', '?', '[', ']':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *redisRoomStore) Enter(ctx context.Context, key string, m RoomMember) (string, bool, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode member: %w", err)
	}

	res, err := enterScript.Run(ctx, s.rdb, []string{redisKeyKey(key)},
		ulid.Make().String(), redisRoomPrefix(), m.Connection, string(encoded)).Slice()
	if err != nil {
		return "", false, fmt.Errorf("failed to enter room: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected enter reply %v", res)
	}
	id, _ := res[0].(string)
	created, _ := res[1].(int64)
	return id, created == 1, nil
}

func (s *redisRoomStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := s.rdb.Get(ctx, redisKeyKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read room: %w", err)
	}
	return id, true, nil
}

func (s *redisRoomStore) Rooms(ctx context.Context, prefix string) (map[string]string, error) {
	rooms := make(map[string]string)
	keyPrefix := redisKeyKey("")

	iter := s.rdb.Scan(ctx, 0, keyPrefix+globEscape(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		id, err := s.rdb.Get(ctx, redisKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read room: %w", err)
		}
		rooms[strings.TrimPrefix(redisKey, keyPrefix)] = id
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

func (s *redisRoomStore) Members(ctx context.Context, room string) ([]RoomMember, error) {
	raw, err := s.rdb.HGetAll(ctx, redisMembersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room members: %w", err)
	}

	members := make([]RoomMember, 0, len(raw))
	for conn, encoded := range raw {
		var m RoomMember
		if err := json.Unmarshal([]byte(encoded), &m); err != nil {
			return nil, fmt.Errorf("invalid member %s: %w", conn, err)
		}
		members = append(members, m)
	}
	SortMembers(members)
	return members, nil
}

func (s *redisRoomStore) UpdateMember(ctx context.Context, room string, m RoomMember) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode member: %w", err)
	}
	err = updateMemberScript.Run(ctx, s.rdb, []string{redisMembersKey(room)}, m.Connection, string(encoded)).Err()
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	return nil
}

func (s *redisRoomStore) leave(ctx context.Context, key, room, connection string, force bool) (bool, error) {
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	keys := []string{redisKeyKey(key), redisMembersKey(room), redisChangesKey(room), redisOrderKey(room)}
	closed, err := leaveScript.Run(ctx, s.rdb, keys, connection, room, forceArg).Int64()
	if err != nil {
		return false, err
	}
	return closed == 1, nil
}

func (s *redisRoomStore) Leave(ctx context.Context, key, room, connection string) (bool, error) {
	closed, err := s.leave(ctx, key, room, connection, false)
	if err != nil {
		return false, fmt.Errorf("failed to leave room: %w", err)
	}
	return closed, nil
}

func (s *redisRoomStore) Changes(ctx context.Context, room string) (map[string]any, error) {
	raw, err := s.rdb.HGetAll(ctx, redisChangesKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room changes: %w", err)
	}

	changes := make(map[string]any, len(raw))
	for field, encoded := range raw {
		var value any
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("invalid change for %s: %w", field, err)
		}
		changes[field] = value
	}
	return changes, nil
}

func (s *redisRoomStore) SetChange(ctx context.Context, room, field string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	if err := s.rdb.HSet(ctx, redisChangesKey(room), field, string(encoded)).Err(); err != nil {
		return fmt.Errorf("failed to store change: %w", err)
	}
	return nil
}

func (s *redisRoomStore) UnsetChange(ctx context.Context, room string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, redisChangesKey(room), fields...).Err(); err != nil {
		return fmt.Errorf("failed to remove change: %w", err)
	}
	return nil
}

func (s *redisRoomStore) ReplaceChanges(ctx context.Context, room string, changes map[string]any) error {
	values := make([]any, 0, len(changes)*2)
	for field, value := range changes {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode change: %w", err)
		}
		values = append(values, field, string(encoded))
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisChangesKey(room))
		if len(values) > 0 {
			pipe.HSet(ctx, redisChangesKey(room), values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace changes: %w", err)
	}
	return nil
}

func (s *redisRoomStore) NextOrder(ctx context.Context, room string) (int64, error) {
	order, err := s.rdb.Incr(ctx, redisOrderKey(room)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance order: %w", err)
	}
	return order, nil
}

func (s *redisRoomStore) Delete(ctx context.Context, key, room string) error {
	if _, err := s.leave(ctx, key, room, "", true); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

func (s *redisRoomStore) Publish(ctx context.Context, ev RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode room event: %w", err)
	}
	if err := s.rdb.Publish(ctx, redisEventsKey(ev.Room), data).Err(); err != nil {
		return fmt.Errorf("failed to publish room event: %w", err)
	}
	return nil
}

func (s *redisRoomStore) Subscribe(ctx context.Context) (<-chan RoomEvent, error) {
	pubsub := s.rdb.PSubscribe(ctx, redisEventPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to room events: %w", err)
	}

	out := make(chan RoomEvent, memoryEventBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev RoomEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[Collab] invalid room event on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
