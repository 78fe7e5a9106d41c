package watcher

import (
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

// Filter decides which transfers are worth emitting: a recipient must
// exist (contract creations are never transfers), the value must reach the
// threshold, and at least one side must be on the watch-list.
//
// Membership is over common.Address values, which are parsed bytes, so any
// mixed-case spelling of a watched address matches. The filter is immutable
// after construction and safe for concurrent reads.
type Filter struct {
	thresholdWei *big.Int
	watched      mapset.Set[common.Address]
	labels       map[common.Address]string
}

// NewFilter builds a filter from the threshold and a label-by-address map.
func NewFilter(thresholdWei *big.Int, wallets map[common.Address]string) *Filter {
	// Thread-unsafe variant on purpose: the set is never written after this
	// function returns, and concurrent reads of a plain map are safe.
	watched := mapset.NewThreadUnsafeSet[common.Address]()
	labels := make(map[common.Address]string, len(wallets))
	for addr, label := range wallets {
		watched.Add(addr)
		labels[addr] = label
	}
	return &Filter{
		thresholdWei: new(big.Int).Set(thresholdWei),
		watched:      watched,
		labels:       labels,
	}
}

// Match reports whether tx qualifies for emission and on which side(s) it
// touched the watch-list.
func (f *Filter) Match(tx *rpcclient.RawTransaction) (Side, bool) {
	if tx.To == nil {
		return 0, false
	}
	if tx.ValueWei().Cmp(f.thresholdWei) < 0 {
		return 0, false
	}

	fromWatched := f.watched.Contains(tx.From)
	toWatched := f.watched.Contains(*tx.To)
	switch {
	case fromWatched && toWatched:
		return SideBoth, true
	case fromWatched:
		return SideFrom, true
	case toWatched:
		return SideTo, true
	default:
		return 0, false
	}
}

// Label returns the configured label for an address, "" when unlabeled.
func (f *Filter) Label(addr common.Address) string {
	return f.labels[addr]
}

// ThresholdWei returns a copy of the configured threshold.
func (f *Filter) ThresholdWei() *big.Int {
	return new(big.Int).Set(f.thresholdWei)
}
