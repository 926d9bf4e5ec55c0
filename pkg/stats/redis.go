package stats

import (
	"context"
	"fmt"
	"strconv"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore keeps the counters in Redis so several daemons, or a
// dashboard, can share them.
type RedisStore struct {
	client *backend.Client
	prefix string
	owned  bool
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix sets the key prefix. A trailing ':' is added.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix + ":"
		}
	}
}

// NewRedisStore dials address.
func NewRedisStore(address, password string, db int, opts ...Option) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	s := NewRedisStoreFromClient(rdb, opts...)
	s.owned = true
	return s
}

// NewRedisStoreFromClient uses an existing client. Close leaves it open.
func NewRedisStoreFromClient(client *backend.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, prefix: "swapper3d:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) swapsKey() string      { return s.prefix + "swaps" }
func (s *RedisStore) actuationsKey() string { return s.prefix + "actuations" }
func (s *RedisStore) commandsKey() string   { return s.prefix + "actuations:by_command" }

func (s *RedisStore) IncSwaps(ctx context.Context) error {
	if err := s.client.Incr(ctx, s.swapsKey()).Err(); err != nil {
		return fmt.Errorf("stats: incr swaps: %w", err)
	}
	return nil
}

func (s *RedisStore) IncActuations(ctx context.Context, command string) error {
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, s.actuationsKey())
	pipe.HIncrBy(ctx, s.commandsKey(), command, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stats: incr actuations: %w", err)
	}
	return nil
}

func (s *RedisStore) Snapshot(ctx context.Context) (Snapshot, error) {
	pipe := s.client.Pipeline()
	swaps := pipe.Get(ctx, s.swapsKey())
	acts := pipe.Get(ctx, s.actuationsKey())
	byCmd := pipe.HGetAll(ctx, s.commandsKey())
	if _, err := pipe.Exec(ctx); err != nil && err != backend.Nil {
		return Snapshot{}, fmt.Errorf("stats: read counters: %w", err)
	}

	var snap Snapshot
	var err error
	if snap.Swaps, err = counter(swaps); err != nil {
		return Snapshot{}, err
	}
	if snap.Actuations, err = counter(acts); err != nil {
		return Snapshot{}, err
	}
	snap.ByCommand = make(map[string]int64, len(byCmd.Val()))
	for cmd, v := range byCmd.Val() {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("stats: %s count %q: %w", cmd, v, err)
		}
		snap.ByCommand[cmd] = n
	}
	return snap, nil
}

func counter(cmd *backend.StringCmd) (int64, error) {
	n, err := cmd.Int64()
	if err == backend.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stats: %s: %w", cmd.Args()[1], err)
	}
	return n, nil
}

// Ping checks the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
