// Package redisstore lets a coverage aggregator merge CoverageTrace
// bitsets for the same trace name across multiple dispatcher hosts, the
// same way the teacher's fabric.RedisHubStore lets multiple API pods
// share one spoke registry. This supplements the `.tr` file path from
// spec §6; it never replaces it.
package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/tracer/internal/errs"
	"github.com/ocx/tracer/internal/traceevent"
)

// Store merges per-signature coverage bitsets into Redis strings keyed
// by trace name, using Redis's SETBIT so concurrent
// hosts converge on the union of observed ids without a central writer.
type Store struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New connects to addr, mirroring the teacher's GoRedisAdapter dial
// options (internal/infra/redis_adapter.go).
func New(addr, password string, db int, keyPrefix string, ttl time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errs.New(errs.CacheFailure, "redisstore.New", err)
	}
	if keyPrefix == "" {
		keyPrefix = "tracer:cov:"
	}
	return &Store{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) key(traceName, signature string) string {
	return fmt.Sprintf("%s%s:%s", s.keyPrefix, traceName, signature)
}

// SetBit marks id as observed for signature within traceName, ORing
// into whatever other hosts have already recorded.
func (s *Store) SetBit(ctx context.Context, traceName, signature string, id uint32) error {
	key := s.key(traceName, signature)
	if err := s.rdb.SetBit(ctx, key, int64(id), 1).Err(); err != nil {
		return errs.New(errs.CacheFailure, "redisstore.SetBit", err)
	}
	if s.ttl > 0 {
		s.rdb.Expire(ctx, key, s.ttl)
	}
	return nil
}

// Merged returns the unioned bitset for signature across every host
// that has written to it, by reading the Redis string directly (Redis
// already keeps it OR-reduced via SetBit's read-modify-write).
func (s *Store) Merged(ctx context.Context, traceName, signature string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(traceName, signature)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.CacheFailure, "redisstore.Merged", err)
	}
	return data, nil
}

// Sink adapts Store to traceevent.Sink, so a tracer adds it directly
// to its MultiSink alongside the mandatory `.tr` writer: every block
// and branch hit is mirrored into Redis as it arrives, independent of
// the in-process CoverageAggregator's own per-stream bitset.
type Sink struct {
	Store     *Store
	TraceName string
}

func (Sink) MethodEnter(traceevent.MethodEnterEvent) {}

func (s Sink) CodeBlockExecute(e traceevent.CodeBlockExecuteEvent) {
	s.setBit(e.Signature, e.BlockID)
}

func (s Sink) BranchExecute(e traceevent.BranchExecuteEvent) {
	s.setBit(e.Signature, e.BranchID)
}

func (Sink) Commit(traceevent.CommitEvent) {}

func (s Sink) setBit(signature string, id uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Store.SetBit(ctx, s.TraceName, signature, id); err != nil {
		slog.Warn("redisstore: setbit failed", "error", err)
	}
}
