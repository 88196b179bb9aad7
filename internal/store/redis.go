package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sync-service/internal/errs"
	"sync-service/internal/protocol"
)

// RedisStore implements Store on a single Redis. Each membership mutation is
// one Lua script, so a room's member set and its members' presence entries
// never disagree after a call returns.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a store whose keys start with keyPrefix and expire
// after ttl without activity.
func NewRedisStore(rdb *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if rdb == nil {
		panic("store: redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = "sync:"
	}
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) roomKey(code string) string {
	return s.keyPrefix + "room:" + code
}

func (s *RedisStore) membersKey(code string) string {
	return s.keyPrefix + "room:" + code + ":members"
}

func (s *RedisStore) presenceKey(conn string) string {
	return s.keyPrefix + "presence:" + conn
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "rooms"
}

func (s *RedisStore) throttleKey(key string) string {
	return s.keyPrefix + "throttle:" + key
}

func (s *RedisStore) ttlMillis() int64 {
	return s.ttl.Milliseconds()
}

func (s *RedisStore) CreateRoom(ctx context.Context, code, requester string, now time.Time) (bool, error) {
	keys := []string{s.roomKey(code), s.membersKey(code), s.indexKey(), s.presenceKey(requester)}
	n, err := createScript.Run(ctx, s.rdb, keys, code, requester, now.UnixMilli(), s.ttlMillis(), s.keyPrefix).Int64()
	if err != nil {
		return false, fmt.Errorf("store: create room %s: %w", code, err)
	}
	return n == 1, nil
}

func (s *RedisStore) GetRoom(ctx context.Context, code string) (*Room, error) {
	pipe := s.rdb.Pipeline()
	hash := pipe.HGetAll(ctx, s.roomKey(code))
	members := pipe.ZRange(ctx, s.membersKey(code), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: get room %s: %w", code, err)
	}
	fields := hash.Val()
	if len(fields) == 0 {
		return nil, errs.ErrRoomNotFound
	}

	r := &Room{
		Code:         code,
		Host:         fields["host"],
		Members:      members.Val(),
		VideoID:      fields["videoId"],
		CreatedAt:    millis(fields["createdAt"]),
		LastActivity: millis(fields["lastActivity"]),
		EmptySince:   millis(fields["emptySince"]),
	}
	if raw := fields["state"]; raw != "" {
		var st protocol.PlaybackState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("store: decode state for room %s: %w", code, err)
		}
		r.State = &st
	}
	return r, nil
}

func (s *RedisStore) Exists(ctx context.Context, code string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.roomKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", code, err)
	}
	return n == 1, nil
}

func (s *RedisStore) AddMember(ctx context.Context, code, requester string, now time.Time) (Join, error) {
	keys := []string{s.roomKey(code), s.membersKey(code), s.presenceKey(requester)}
	res, err := joinScript.Run(ctx, s.rdb, keys, code, requester, now.UnixMilli(), s.ttlMillis(), s.keyPrefix).Result()
	if err != nil {
		return Join{}, fmt.Errorf("store: add member %s to %s: %w", requester, code, err)
	}
	if n, ok := res.(int64); ok && n < 0 {
		return Join{}, errs.ErrRoomNotFound
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Join{}, fmt.Errorf("store: add member %s to %s: unexpected reply %v", requester, code, res)
	}
	count, _ := vals[0].(int64)
	added, _ := vals[1].(int64)
	newHost, _ := vals[2].(string)
	return Join{Count: int(count), Added: added == 1, NewHost: newHost}, nil
}

func (s *RedisStore) RemoveMember(ctx context.Context, code, requester string, now time.Time) (Removal, error) {
	keys := []string{s.roomKey(code), s.membersKey(code), s.indexKey(), s.presenceKey(requester)}
	vals, err := leaveScript.Run(ctx, s.rdb, keys, code, requester, now.UnixMilli(), s.ttlMillis(), s.keyPrefix).Slice()
	if err != nil {
		return Removal{}, fmt.Errorf("store: remove member %s from %s: %w", requester, code, err)
	}
	if len(vals) != 4 {
		return Removal{}, fmt.Errorf("store: remove member %s from %s: unexpected reply %v", requester, code, vals)
	}
	removed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	newHost, _ := vals[2].(string)
	deleted, _ := vals[3].(int64)
	return Removal{
		Removed:   removed == 1,
		Remaining: int(remaining),
		Deleted:   deleted == 1,
		NewHost:   newHost,
	}, nil
}

func (s *RedisStore) SaveState(ctx context.Context, code string, st protocol.PlaybackState, now time.Time) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: encode state for room %s: %w", code, err)
	}
	keys := []string{s.roomKey(code), s.membersKey(code)}
	n, err := saveStateScript.Run(ctx, s.rdb, keys, string(b), st.Timestamp, now.UnixMilli(), s.ttlMillis(), s.keyPrefix, st.VideoID).Int64()
	if err != nil {
		return fmt.Errorf("store: save state for room %s: %w", code, err)
	}
	switch n {
	case -1:
		return errs.ErrRoomNotFound
	case 0:
		return errs.ErrStaleState
	}
	return nil
}

func (s *RedisStore) SaveVideo(ctx context.Context, code, videoID string, now time.Time) error {
	keys := []string{s.roomKey(code), s.membersKey(code)}
	n, err := saveVideoScript.Run(ctx, s.rdb, keys, videoID, now.UnixMilli(), s.ttlMillis(), s.keyPrefix).Int64()
	if err != nil {
		return fmt.Errorf("store: save video for room %s: %w", code, err)
	}
	if n < 0 {
		return errs.ErrRoomNotFound
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, code string, now time.Time) error {
	keys := []string{s.roomKey(code), s.membersKey(code)}
	n, err := touchScript.Run(ctx, s.rdb, keys, now.UnixMilli(), s.ttlMillis(), s.keyPrefix).Int64()
	if err != nil {
		return fmt.Errorf("store: touch room %s: %w", code, err)
	}
	if n < 0 {
		return errs.ErrRoomNotFound
	}
	return nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, code string) error {
	keys := []string{s.roomKey(code), s.membersKey(code), s.indexKey()}
	if err := deleteScript.Run(ctx, s.rdb, keys, code, s.keyPrefix).Err(); err != nil {
		return fmt.Errorf("store: delete room %s: %w", code, err)
	}
	return nil
}

func (s *RedisStore) AcquireWindow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.throttleKey(key), "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("store: acquire window %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) ListRoomCodes(ctx context.Context) ([]string, error) {
	codes, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	return codes, nil
}

func (s *RedisStore) DropFromIndex(ctx context.Context, code string) error {
	if err := s.rdb.SRem(ctx, s.indexKey(), code).Err(); err != nil {
		return fmt.Errorf("store: drop %s from index: %w", code, err)
	}
	return nil
}

func (s *RedisStore) MarkEmpty(ctx context.Context, code string, now time.Time) (time.Time, error) {
	n, err := markEmptyScript.Run(ctx, s.rdb, []string{s.roomKey(code)}, now.UnixMilli()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("store: mark %s empty: %w", code, err)
	}
	if n < 0 {
		return time.Time{}, errs.ErrRoomNotFound
	}
	return time.UnixMilli(n), nil
}

func (s *RedisStore) ClearEmpty(ctx context.Context, code string) error {
	if err := s.rdb.HDel(ctx, s.roomKey(code), "emptySince").Err(); err != nil {
		return fmt.Errorf("store: clear empty mark on %s: %w", code, err)
	}
	return nil
}

func (s *RedisStore) RecordPresence(ctx context.Context, conn, code string) error {
	if err := s.rdb.Set(ctx, s.presenceKey(conn), code, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: record presence %s: %w", conn, err)
	}
	return nil
}

func (s *RedisStore) GetRoomFor(ctx context.Context, conn string) (string, error) {
	code, err := s.rdb.Get(ctx, s.presenceKey(conn)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get presence %s: %w", conn, err)
	}
	return code, nil
}

func (s *RedisStore) ClearPresence(ctx context.Context, conn string) error {
	if err := s.rdb.Del(ctx, s.presenceKey(conn)).Err(); err != nil {
		return fmt.Errorf("store: clear presence %s: %w", conn, err)
	}
	return nil
}

func millis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
