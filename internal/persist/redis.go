package persist

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisLog keeps each room as a list. Sequence numbers are list positions,
// counted from 1, and shift when the room is compacted.
type RedisLog struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLog uses rdb, which is owned by the caller.
func NewRedisLog(rdb *redis.Client) *RedisLog {
	return &RedisLog{rdb: rdb, prefix: "collab:log:"}
}

func (l *RedisLog) key(room string) string {
	return l.prefix + room
}

func (l *RedisLog) Append(ctx context.Context, room string, update []byte) (uint64, error) {
	n, err := l.rdb.RPush(ctx, l.key(room), update).Result()
	return uint64(n), err
}

func (l *RedisLog) Entries(ctx context.Context, room string) ([]Entry, error) {
	values, err := l.rdb.LRange(ctx, l.key(room), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(values))
	for i, v := range values {
		entries[i] = Entry{Seq: uint64(i + 1), Update: []byte(v)}
	}
	return entries, nil
}

// Compact drops the first upto elements and pushes the snapshot in front in
// one MULTI block; elements pushed to the tail meanwhile survive.
func (l *RedisLog) Compact(ctx context.Context, room string, upto uint64, snapshot []byte) error {
	key := l.key(room)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LTrim(ctx, key, int64(upto), -1)
		pipe.LPush(ctx, key, snapshot)
		return nil
	})
	return err
}

func (l *RedisLog) Close() error {
	return nil
}
