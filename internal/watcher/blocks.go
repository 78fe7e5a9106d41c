package watcher

import (
	"github.com/rs/zerolog"

	"github.com/Aboudjem/web3-listener/internal/monitoring"
	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

// BlockProcessor scans sequenced blocks for watched transfers and emits
// Confirmed events. Blocks arrive one at a time from the continuity engine,
// so transaction order within and across blocks is preserved.
type BlockProcessor struct {
	filter *Filter
	dedup  *Dedup
	sink   Sink
	log    zerolog.Logger
}

// NewBlockProcessor wires the confirmed path.
func NewBlockProcessor(filter *Filter, dedup *Dedup, sink Sink, log zerolog.Logger) *BlockProcessor {
	return &BlockProcessor{
		filter: filter,
		dedup:  dedup,
		sink:   sink,
		log:    log.With().Str("component", "block_processor").Logger(),
	}
}

// Process emits one Confirmed event per admitted transaction in the block.
// A hash already in the dedup set was emitted on the pending path and is
// skipped, keeping emission at-most-once per hash.
func (bp *BlockProcessor) Process(block *rpcclient.Block) {
	defer monitoring.BlocksProcessed.Inc()

	if len(block.Transactions) == 0 {
		return
	}

	number := uint64(block.Number)
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if bp.dedup.Seen(tx.Hash) {
			continue
		}
		side, ok := bp.filter.Match(tx)
		if !ok {
			continue
		}
		if !bp.dedup.MarkIfNew(tx.Hash) {
			continue // pending path won the race for this hash
		}

		ev := newEvent(EventConfirmed, tx, side, bp.filter, &number)
		monitoring.EventsEmitted.WithLabelValues(ev.Type.String()).Inc()
		bp.log.Debug().Str("tx", ev.TxHash).Uint64("block", number).
			Str("valueEth", ev.ValueEth).Msg("confirmed transfer detected")
		bp.sink(ev)
	}
}
