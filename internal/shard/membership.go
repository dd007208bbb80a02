package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Membership reports this worker's position in the cluster. It is queried on
// every settlement pass because membership can change at runtime.
type Membership interface {
	Shard(ctx context.Context) (index, count int, err error)
}

// Static is a Membership fixed by configuration. Set may be called when the
// surrounding orchestration reassigns the worker.
type Static struct {
	mu    sync.RWMutex
	index int
	count int
}

func NewStatic(index, count int) *Static { return &Static{index: index, count: count} }

func (s *Static) Set(index, count int) {
	s.mu.Lock()
	s.index, s.count = index, count
	s.mu.Unlock()
}

func (s *Static) Shard(context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index, s.count, nil
}

var ErrNotMember = errors.New("worker is not a live cluster member")

// RedisMembership keeps live workers in a sorted set scored by their last
// heartbeat. A worker's index is its position among live worker ids sorted
// lexically, so every worker derives the same assignment.
type RedisMembership struct {
	rdb      *redis.Client
	key      string
	workerID string
	ttl      time.Duration
	now      func() time.Time
}

func NewRedisMembership(rdb *redis.Client, key, workerID string, ttl time.Duration) *RedisMembership {
	return &RedisMembership{rdb: rdb, key: key, workerID: workerID, ttl: ttl, now: time.Now}
}

// Heartbeat refreshes this worker and evicts members that stopped beating.
func (m *RedisMembership) Heartbeat(ctx context.Context) error {
	now := m.now()
	if err := m.rdb.ZAdd(ctx, m.key, &redis.Z{Score: float64(now.Unix()), Member: m.workerID}).Err(); err != nil {
		return fmt.Errorf("membership heartbeat: %w", err)
	}
	stale := "(" + strconv.FormatInt(now.Add(-m.ttl).Unix(), 10)
	if err := m.rdb.ZRemRangeByScore(ctx, m.key, "-inf", stale).Err(); err != nil {
		return fmt.Errorf("membership evict: %w", err)
	}
	return nil
}

func (m *RedisMembership) Shard(ctx context.Context) (int, int, error) {
	min := strconv.FormatInt(m.now().Add(-m.ttl).Unix(), 10)
	members, err := m.rdb.ZRangeByScore(ctx, m.key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("membership list: %w", err)
	}
	sort.Strings(members)
	for i, id := range members {
		if id == m.workerID {
			return i, len(members), nil
		}
	}
	return 0, 0, ErrNotMember
}

// Leave removes the worker so the others pick up its range on their next pass.
func (m *RedisMembership) Leave(ctx context.Context) error {
	return m.rdb.ZRem(ctx, m.key, m.workerID).Err()
}

// CurrentRange resolves the membership into a key range.
func CurrentRange(ctx context.Context, m Membership) (Range, error) {
	index, count, err := m.Shard(ctx)
	if err != nil {
		return Range{}, err
	}
	return RangeFor(index, count)
}
