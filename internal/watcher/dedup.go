package watcher

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aboudjem/web3-listener/internal/monitoring"
)

// defaultDedupCapacity bounds the dedup cache. At a few hundred
// transactions per L2 block and ~2s block times this retains well over an
// hour of hashes, far beyond the window in which a pending transaction can
// still confirm.
const defaultDedupCapacity = 131072

// Dedup remembers which transaction hashes have already produced an event,
// shared between the pending and confirmed paths. Backed by a bounded LRU
// so a long run cannot grow without limit; evicting a hash after the
// retention window is the only soft-state degradation in the system.
type Dedup struct {
	cache *lru.Cache[common.Hash, struct{}]
}

// NewDedup builds the cache. capacity <= 0 selects the default.
func NewDedup(capacity int) (*Dedup, error) {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	cache, err := lru.New[common.Hash, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	return &Dedup{cache: cache}, nil
}

// Seen reports whether the hash has already been emitted, without marking.
func (d *Dedup) Seen(hash common.Hash) bool {
	return d.cache.Contains(hash)
}

// MarkIfNew atomically inserts the hash and reports whether it was absent.
// Exactly one caller per hash gets true; that caller emits the event.
func (d *Dedup) MarkIfNew(hash common.Hash) bool {
	already, _ := d.cache.ContainsOrAdd(hash, struct{}{})
	if !already {
		monitoring.DedupSize.Set(float64(d.cache.Len()))
	}
	return !already
}

// Len returns the number of retained hashes.
func (d *Dedup) Len() int {
	return d.cache.Len()
}
