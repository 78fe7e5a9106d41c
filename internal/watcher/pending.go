package watcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Aboudjem/web3-listener/internal/monitoring"
	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

// TxReader is the slice of the RPC client the pending path needs.
type TxReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*rpcclient.RawTransaction, error)
}

// PendingProcessor resolves mempool hashes into transactions and emits
// Pending events. Hashes are processed concurrently by the worker pool;
// ordering between them is not observable and not promised.
type PendingProcessor struct {
	filter  *Filter
	dedup   *Dedup
	sink    Sink
	timeout time.Duration
	log     zerolog.Logger
}

// NewPendingProcessor wires the mempool path.
func NewPendingProcessor(filter *Filter, dedup *Dedup, sink Sink, timeout time.Duration, log zerolog.Logger) *PendingProcessor {
	return &PendingProcessor{
		filter:  filter,
		dedup:   dedup,
		sink:    sink,
		timeout: timeout,
		log:     log.With().Str("component", "pending_processor").Logger(),
	}
}

// Handle looks up one pending hash and emits if it qualifies. Every per-tx
// failure is swallowed at debug level: pending transactions vanish, nodes
// time out, none of it may disturb the stream.
func (pp *PendingProcessor) Handle(ctx context.Context, client TxReader, hash common.Hash) {
	monitoring.PendingHashesSeen.Inc()

	if pp.dedup.Seen(hash) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, pp.timeout)
	defer cancel()

	tx, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		monitoring.PendingLookupErrors.Inc()
		pp.log.Debug().Err(err).Str("hash", hash.Hex()).Msg("pending lookup failed")
		return
	}

	side, ok := pp.filter.Match(tx)
	if !ok {
		return
	}
	if !pp.dedup.MarkIfNew(hash) {
		return // confirmed path won the race for this hash
	}

	ev := newEvent(EventPending, tx, side, pp.filter, nil)
	monitoring.EventsEmitted.WithLabelValues(ev.Type.String()).Inc()
	pp.log.Debug().Str("tx", ev.TxHash).Str("valueEth", ev.ValueEth).
		Msg("pending transfer detected")
	pp.sink(ev)
}
