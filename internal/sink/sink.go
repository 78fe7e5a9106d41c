// Package sink provides the event outputs the CLI wires behind the core's
// single Sink callback: a structured terminal sink and an optional NATS
// publisher. The core never knows which of these (or how many) it is
// feeding.
package sink

import (
	"github.com/rs/zerolog"

	"github.com/Aboudjem/web3-listener/internal/watcher"
)

// Console renders every event as one structured log line.
func Console(log zerolog.Logger) watcher.Sink {
	log = log.With().Str("component", "transfers").Logger()
	return func(ev *watcher.TransferEvent) {
		entry := log.Info().
			Str("type", ev.Type.String()).
			Str("tx", ev.TxHash).
			Str("from", ev.From).
			Str("to", ev.To).
			Str("value_eth", ev.ValueEth).
			Str("watched_side", ev.WatchedSide.String()).
			Bool("seen_in_mempool", ev.SeenInMempool)
		if ev.FromLabel != "" {
			entry = entry.Str("from_label", ev.FromLabel)
		}
		if ev.ToLabel != "" {
			entry = entry.Str("to_label", ev.ToLabel)
		}
		if ev.BlockNumber != nil {
			entry = entry.Uint64("block", *ev.BlockNumber)
		}
		entry.Msg("whale transfer")
	}
}

// Fanout delivers each event to every sink in order.
func Fanout(sinks ...watcher.Sink) watcher.Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return func(ev *watcher.TransferEvent) {
		for _, s := range sinks {
			s(ev)
		}
	}
}
