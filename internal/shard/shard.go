// Package shard splits settlement work across workers. Every account id maps
// to a key in [0, KeySpace); a worker with index i of n owns a contiguous,
// disjoint slice of that space.
package shard

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// KeySpace is the number of distinct shard keys.
const KeySpace int64 = 1 << 30

var ErrInvalidShard = errors.New("invalid shard index/count")

// Key returns the shard key of an account or record id.
func Key(id string) int64 {
	return int64(xxhash.Sum64String(id) % uint64(KeySpace))
}

// KeyPtr is Key for the nullable settlementShardKey columns.
func KeyPtr(id string) *int64 {
	k := Key(id)
	return &k
}

// Range is the half-open key interval [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Full covers the whole key space.
var Full = Range{Start: 0, End: KeySpace}

func (r Range) Contains(key int64) bool { return key >= r.Start && key < r.End }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// RangeFor returns the key range owned by worker index of count. Boundaries
// are computed from the same formula for neighbours, so ranges never overlap
// and together cover [0, KeySpace).
func RangeFor(index, count int) (Range, error) {
	if count <= 0 || index < 0 || index >= count {
		return Range{}, fmt.Errorf("%w: %d/%d", ErrInvalidShard, index, count)
	}
	return Range{
		Start: KeySpace * int64(index) / int64(count),
		End:   KeySpace * int64(index+1) / int64(count),
	}, nil
}
