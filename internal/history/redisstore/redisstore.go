// Package redisstore keeps chat history in Redis.
//
// Layout, under a configurable prefix (default "novaflow"):
//
//	<prefix>:chats:seq   INCR counter handing out chat IDs
//	<prefix>:chats       SET of chat IDs
//	<prefix>:chat:<id>   LIST of JSON-encoded entries, oldest first
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/novaflow/internal/history"
)

// Options configures a Store.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key. Default: "novaflow".
	Prefix string
}

// Store is a Redis-backed [history.Store].
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ history.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(rdb, opts.Prefix), nil
}

// NewWithClient wraps an existing client. The Store takes ownership and
// closes it on Close.
func NewWithClient(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "novaflow"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) seqKey() string { return s.prefix + ":chats:seq" }
func (s *Store) setKey() string { return s.prefix + ":chats" }
func (s *Store) chatKey(id string) string { return s.prefix + ":chat:" + id }

// Create implements [history.Store].
func (s *Store) Create(ctx context.Context) (string, error) {
	n, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("redisstore: next id: %w", err)
	}
	id := fmt.Sprint(n)
	if err := s.rdb.SAdd(ctx, s.setKey(), id).Err(); err != nil {
		return "", fmt.Errorf("redisstore: create chat %s: %w", id, err)
	}
	return id, nil
}

// Exists implements [history.Store].
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if !history.ValidID(id) {
		return false, nil
	}
	ok, err := s.rdb.SIsMember(ctx, s.setKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: exists %s: %w", id, err)
	}
	return ok, nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list: %w", err)
	}
	history.SortIDs(ids)
	return ids, nil
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, id string, e history.Entry) error {
	if !history.ValidID(id) {
		return fmt.Errorf("%w: %q", history.ErrInvalidID, id)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redisstore: encode entry: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.setKey(), id)
		pipe.RPush(ctx, s.chatKey(id), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: append %s: %w", id, err)
	}
	return nil
}

// Read implements [history.Store].
func (s *Store) Read(ctx context.Context, id string) ([]history.Entry, error) {
	if !history.ValidID(id) {
		return nil, fmt.Errorf("%w: %q", history.ErrInvalidID, id)
	}
	raw, err := s.rdb.LRange(ctx, s.chatKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read %s: %w", id, err)
	}
	entries := make([]history.Entry, 0, len(raw))
	for _, r := range raw {
		var e history.Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("redisstore: decode entry in %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear implements [history.Store]. The ID counter restarts.
func (s *Store) Clear(ctx context.Context) error {
	ids, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return fmt.Errorf("redisstore: clear: %w", err)
	}
	keys := []string{s.setKey(), s.seqKey()}
	for _, id := range ids {
		keys = append(keys, s.chatKey(id))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redisstore: clear: %w", err)
	}
	return nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstore: %w", err)
	}
	return nil
}

// Close implements [history.Store].
func (s *Store) Close() error { return s.rdb.Close() }
