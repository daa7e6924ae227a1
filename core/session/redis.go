package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hash fields of a session record. Bag entries are stored as "d:<name>" so a
// write only touches the fields it carries.
const (
	fieldState   = "state"
	fieldStack   = "stack"
	fieldChat    = "chat_id"
	fieldVersion = "version"
	fieldEpoch   = "epoch"
	fieldCreated = "created_at"
	fieldUpdated = "updated_at"
	dataPrefix   = "d:"
)

// RedisStore keeps each session in one hash "<prefix>:<user>:<stack>" with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "relaybot:fsm"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:%d:%s", r.prefix, k.UserID, k.StackID)
}

// Get loads the hash for key.
func (r *RedisStore) Get(ctx context.Context, key Key) (*Session, error) {
	vals, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(key, vals)
}

// writeResult holds the replies of a queued write.
type writeResult struct {
	version *redis.IntCmd
	epoch   *redis.StringCmd
}

// Put upserts s in a MULTI block.
func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	var res writeResult
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		var err error
		res, err = r.queueWrite(ctx, pipe, s)
		return err
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	r.applyVersion(s, res)
	return nil
}

// CompareAndSwap uses WATCH on the hash; a concurrent write aborts the transaction.
func (r *RedisStore) CompareAndSwap(ctx context.Context, s *Session, expected uint64) error {
	key := r.key(s.Key())
	var res writeResult
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldVersion, fieldEpoch).Result()
		if err != nil {
			return err
		}
		raw, exists := vals[0].(string)
		current, _ := strconv.ParseUint(raw, 10, 64)
		epoch, _ := vals[1].(string)
		switch {
		case !exists && expected != 0:
			return ErrNotFound
		case exists && current != expected:
			return ErrConflict
		case exists && s.Epoch != "" && epoch != s.Epoch:
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			var qerr error
			res, qerr = r.queueWrite(ctx, pipe, s)
			return qerr
		})
		return err
	}, key)
	switch {
	case err == nil:
		r.applyVersion(s, res)
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	}
	return fmt.Errorf("redis cas: %w", err)
}

// Delete removes one session hash.
func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PurgeUser scans "<prefix>:<user>:*" and deletes every match.
func (r *RedisStore) PurgeUser(ctx context.Context, userID int64) (int, error) {
	pattern := fmt.Sprintf("%s:%d:*", r.prefix, userID)
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) queueWrite(ctx context.Context, pipe redis.Pipeliner, s *Session) (writeResult, error) {
	key := r.key(s.Key())
	stack, err := json.Marshal(s.Stack)
	if err != nil {
		return writeResult{}, fmt.Errorf("encode stack: %w", err)
	}
	now := r.now().UTC()
	values := []any{
		fieldState, s.State(),
		fieldStack, string(stack),
		fieldChat, s.ChatID,
		fieldUpdated, now.Format(time.RFC3339Nano),
	}
	for name, raw := range s.Data {
		values = append(values, dataPrefix+name, string(raw))
	}
	pipe.HSetNX(ctx, key, fieldCreated, now.Format(time.RFC3339Nano))
	pipe.HSetNX(ctx, key, fieldEpoch, newEpoch())
	pipe.HSet(ctx, key, values...)
	res := writeResult{
		version: pipe.HIncrBy(ctx, key, fieldVersion, 1),
		epoch:   pipe.HGet(ctx, key, fieldEpoch),
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	return res, nil
}

func (r *RedisStore) applyVersion(s *Session, res writeResult) {
	if res.version != nil {
		s.Version = uint64(res.version.Val())
	}
	if res.epoch != nil {
		s.Epoch = res.epoch.Val()
	}
	s.UpdatedAt = r.now().UTC()
}

func decodeHash(key Key, vals map[string]string) (*Session, error) {
	s := &Session{
		UserID:  key.UserID,
		StackID: key.StackID,
		Data:    make(map[string]json.RawMessage),
	}
	for field, v := range vals {
		switch {
		case strings.HasPrefix(field, dataPrefix):
			s.Data[strings.TrimPrefix(field, dataPrefix)] = json.RawMessage(v)
		case field == fieldStack:
			if err := json.Unmarshal([]byte(v), &s.Stack); err != nil {
				return nil, fmt.Errorf("decode stack: %w", err)
			}
		case field == fieldChat:
			s.ChatID, _ = strconv.ParseInt(v, 10, 64)
		case field == fieldVersion:
			s.Version, _ = strconv.ParseUint(v, 10, 64)
		case field == fieldEpoch:
			s.Epoch = v
		case field == fieldCreated:
			s.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
		case field == fieldUpdated:
			s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
		}
	}
	return s, nil
}
