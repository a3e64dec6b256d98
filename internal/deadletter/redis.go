package deadletter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore appends records to a Redis stream. The stream entry id is the
// Entry.ID used for removal.
type RedisStore struct {
	client *redis.Client
	stream string
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client *redis.Client, stream string) *RedisStore {
	return &RedisStore{client: client, stream: stream}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int, stream string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("deadletter: redis ping %s: %w", addr, err)
	}
	return NewRedisStore(client, stream), nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := rec.marshal()
	if err != nil {
		return err
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":   rec.ID,
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("deadletter: xadd to stream %s: %w", s.stream, err)
	}
	return nil
}

// List reads up to limit entries from the start of the stream. Entries
// without a decodable record are skipped.
func (s *RedisStore) List(ctx context.Context, limit int) ([]Entry, error) {
	var msgs []redis.XMessage
	var err error
	if limit > 0 {
		msgs, err = s.client.XRangeN(ctx, s.stream, "-", "+", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("deadletter: xrange stream %s: %w", s.stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		data, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		rec, err := unmarshalRecord([]byte(data))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: m.ID, Record: rec})
	}
	return entries, nil
}

func (s *RedisStore) Remove(ctx context.Context, entryID string) error {
	n, err := s.client.XDel(ctx, s.stream, entryID).Result()
	if err != nil {
		return fmt.Errorf("deadletter: xdel %s: %w", entryID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
