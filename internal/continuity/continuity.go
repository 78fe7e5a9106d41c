// Package continuity turns an unreliable stream of head notifications into a
// gap-free, strictly ascending sequence of fully-fetched blocks.
//
// Head subscriptions on public endpoints drop messages, die silently and get
// re-armed on different nodes. The tracker only trusts the numbers: whatever
// arrives is classified against lastProcessed+1 as in-order, gap or stale,
// and gaps are repaired by fetching the missing range in ascending order
// before the new head is processed.
//
// All methods are serialized by an internal mutex; the orchestrator
// additionally funnels head notifications through a single goroutine, so
// blocks are handed downstream in ascending order with no overlap.
package continuity

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Aboudjem/web3-listener/internal/monitoring"
	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

// ChainReader is the slice of the RPC client the tracker needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*rpcclient.Block, error)
}

// BlockFunc receives every sequenced block, in ascending order.
type BlockFunc func(block *rpcclient.Block)

// ErrorFunc receives per-block backfill failures; the failed block is
// skipped, not retried.
type ErrorFunc func(number uint64, err error)

// defaultBackfillRate paces backfill fetches (blocks per second) so a large
// gap does not hammer a free public endpoint.
const defaultBackfillRate = 10

// Config wires a Tracker.
type Config struct {
	Client       ChainReader
	OnBlock      BlockFunc
	OnError      ErrorFunc
	BackfillRate float64 // blocks/sec during backfill; <=0 uses the default
	Logger       zerolog.Logger
}

// Tracker is the continuity engine. lastProcessed is monotonically
// non-decreasing for the life of a run, with a single exception: a new node
// whose tip is behind it (coarse reorg symptom) resets it downward with a
// warning.
type Tracker struct {
	mu          sync.Mutex
	client      ChainReader
	onBlock     BlockFunc
	onError     ErrorFunc
	limiter     *rate.Limiter
	log         zerolog.Logger
	last        uint64
	initialized bool
}

// New builds a Tracker. The client can be swapped later via
// HandleReconnection.
func New(cfg Config) *Tracker {
	rl := cfg.BackfillRate
	if rl <= 0 {
		rl = defaultBackfillRate
	}
	return &Tracker{
		client:  cfg.Client,
		onBlock: cfg.OnBlock,
		onError: cfg.OnError,
		limiter: rate.NewLimiter(rate.Limit(rl), 1),
		log:     cfg.Logger.With().Str("component", "block_continuity").Logger(),
	}
}

// Initialize records the node's current head as the high-water mark.
// That block itself is not processed; streaming starts at head+1.
// Idempotent: repeated calls are no-ops.
func (t *Tracker) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return nil
	}
	head, err := t.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("continuity: reading initial head: %w", err)
	}
	t.last = head
	t.initialized = true
	monitoring.LastProcessedBlock.Set(float64(head))
	t.log.Info().Uint64("head", head).Msg("initialized at current head")
	return nil
}

// LastProcessed returns the current high-water mark.
func (t *Tracker) LastProcessed() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.initialized
}

// ProcessNewBlock classifies a head notification and drives processing:
//
//	n == last+1  ordinary case: fetch, hand downstream, advance.
//	n  > last+1  gap: backfill [last+1, n-1] first, then process n.
//	n <= last    stale duplicate (or shallow reorg echo): ignored.
//
// Fetch errors on the head itself propagate to the caller so the pool can
// fail over; fetch errors inside a gap are reported via OnError and skipped,
// because losing one block beats stalling the sequence forever.
func (t *Tracker) ProcessNewBlock(ctx context.Context, n uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return fmt.Errorf("continuity: not initialized")
	}

	expected := t.last + 1
	switch {
	case n < expected:
		t.log.Debug().Uint64("block", n).Uint64("last", t.last).Msg("stale head ignored")
		return nil

	case n > expected:
		gap := n - expected
		monitoring.GapsDetected.Inc()
		t.log.Warn().Uint64("from", expected).Uint64("to", n-1).Uint64("missing", gap).
			Msgf("gap detected, backfilling %d blocks", gap)
		t.backfillLocked(ctx, expected, n-1)
	}

	// In-order case, and the tail of the gap case.
	block, err := t.client.BlockByNumber(ctx, n)
	if err != nil {
		return fmt.Errorf("continuity: fetching block %d: %w", n, err)
	}
	t.deliverLocked(block)
	t.last = n
	monitoring.LastProcessedBlock.Set(float64(n))
	return nil
}

// HandleReconnection repoints the tracker at a new client and repairs
// whatever was missed while disconnected.
func (t *Tracker) HandleReconnection(ctx context.Context, client ChainReader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client = client

	if !t.initialized {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("continuity: reading initial head: %w", err)
		}
		t.last = head
		t.initialized = true
		monitoring.LastProcessedBlock.Set(float64(head))
		t.log.Info().Uint64("head", head).Msg("initialized at current head")
		return nil
	}

	latest, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("continuity: reading head after reconnect: %w", err)
	}

	switch {
	case latest > t.last:
		t.log.Info().Uint64("from", t.last+1).Uint64("to", latest).
			Msg("catching up blocks missed while disconnected")
		t.backfillLocked(ctx, t.last+1, latest)
		t.last = latest
		monitoring.LastProcessedBlock.Set(float64(latest))

	case latest < t.last:
		// The new node is behind what we already processed. Either it is
		// lagging or a reorg replaced our blocks; we only detect the coarse
		// symptom and trust the new tip without rolling anything back.
		t.log.Warn().Uint64("last", t.last).Uint64("latest", latest).
			Msg("new node is behind last processed block, possible reorg")
		t.last = latest
		monitoring.LastProcessedBlock.Set(float64(latest))
	}
	return nil
}

// backfillLocked fetches and delivers [from, to] in ascending order,
// advancing last past every block whether or not its fetch succeeded.
func (t *Tracker) backfillLocked(ctx context.Context, from, to uint64) {
	for n := from; n <= to; n++ {
		if err := t.limiter.Wait(ctx); err != nil {
			t.reportLocked(n, err)
			t.last = n
			continue
		}
		block, err := t.client.BlockByNumber(ctx, n)
		if err != nil {
			t.reportLocked(n, err)
			t.last = n
			continue
		}
		t.deliverLocked(block)
		t.last = n
		monitoring.BlocksBackfilled.Inc()
		monitoring.LastProcessedBlock.Set(float64(n))
	}
}

func (t *Tracker) deliverLocked(block *rpcclient.Block) {
	if t.onBlock != nil {
		t.onBlock(block)
	}
}

func (t *Tracker) reportLocked(n uint64, err error) {
	monitoring.BackfillErrors.Inc()
	t.log.Error().Err(err).Uint64("block", n).Msg("backfill block failed, skipping")
	if t.onError != nil {
		t.onError(n, err)
	}
}
