package shard

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_DeterministicAndInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("account-%d", i)
		k := Key(id)
		assert.Equal(t, k, Key(id))
		assert.True(t, k >= 0 && k < KeySpace)
	}
}

func TestRangeFor_TotalNonOverlappingCover(t *testing.T) {
	for count := 1; count <= 64; count++ {
		var next int64
		for index := 0; index < count; index++ {
			r, err := RangeFor(index, count)
			require.NoError(t, err)
			assert.Equal(t, next, r.Start, "gap or overlap at %d/%d", index, count)
			assert.True(t, r.End >= r.Start)
			next = r.End
		}
		assert.Equal(t, KeySpace, next, "count %d does not cover key space", count)
	}
}

func TestRangeFor_EveryKeyHasExactlyOneOwner(t *testing.T) {
	const count = 7
	for i := 0; i < 500; i++ {
		k := Key(strconv.Itoa(i))
		owners := 0
		for index := 0; index < count; index++ {
			r, _ := RangeFor(index, count)
			if r.Contains(k) {
				owners++
			}
		}
		assert.Equal(t, 1, owners)
	}
}

func TestRangeFor_Invalid(t *testing.T) {
	for _, c := range [][2]int{{0, 0}, {-1, 2}, {2, 2}, {0, -3}} {
		_, err := RangeFor(c[0], c[1])
		assert.ErrorIs(t, err, ErrInvalidShard)
	}
}

func TestStatic_Set(t *testing.T) {
	m := NewStatic(0, 1)
	r, err := CurrentRange(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, Full, r)

	m.Set(1, 2)
	r, err = CurrentRange(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, KeySpace/2, r.Start)
}

func TestRedisMembership(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	now := time.Unix(1_700_000_000, 0)
	m := NewRedisMembership(rdb, "ledger:workers", "worker-b", 30*time.Second)
	m.now = func() time.Time { return now }

	mock.ExpectZAdd("ledger:workers", &redis.Z{Score: float64(now.Unix()), Member: "worker-b"}).SetVal(1)
	mock.ExpectZRemRangeByScore("ledger:workers", "-inf", "(1699999970").SetVal(0)
	require.NoError(t, m.Heartbeat(context.Background()))

	mock.ExpectZRangeByScore("ledger:workers", &redis.ZRangeBy{Min: "1699999970", Max: "+inf"}).
		SetVal([]string{"worker-c", "worker-a", "worker-b"})
	index, count, err := m.Shard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, 3, count)

	mock.ExpectZRangeByScore("ledger:workers", &redis.ZRangeBy{Min: "1699999970", Max: "+inf"}).
		SetVal([]string{"worker-a"})
	_, _, err = m.Shard(context.Background())
	assert.ErrorIs(t, err, ErrNotMember)

	assert.NoError(t, mock.ExpectationsWereMet())
}
