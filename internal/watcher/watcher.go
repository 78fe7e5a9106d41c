// Package watcher is the transfer-detection pipeline: it turns raw block
// and mempool streams into filtered TransferEvents with at-most-once
// emission per transaction hash.
//
// The Watcher is the orchestrator. It owns the wiring between the endpoint
// pool, the continuity engine and the two processors, re-arms both
// subscriptions after every reconnection, and funnels all head
// notifications through a single goroutine so block processing is strictly
// serial.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Aboudjem/web3-listener/internal/continuity"
	"github.com/Aboudjem/web3-listener/internal/monitoring"
	"github.com/Aboudjem/web3-listener/internal/pool"
	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

const (
	defaultRequestTimeout = 10 * time.Second
	headsFunnelBuffer     = 128
	pendingQueueFactor    = 100 // queue slots per worker
)

// Config wires a Watcher.
type Config struct {
	Pool           *pool.Pool
	ThresholdWei   *big.Int
	Wallets        map[common.Address]string // label by address
	Sink           Sink
	DedupCapacity  int
	BackfillRate   float64
	RequestTimeout time.Duration
	PendingWorkers int // <=0 selects 2 x GOMAXPROCS
	Logger         zerolog.Logger
}

// Watcher runs the whole pipeline over whatever client the pool currently
// exposes.
type Watcher struct {
	pool    *pool.Pool
	tracker *continuity.Tracker
	blocks  *BlockProcessor
	pending *PendingProcessor
	dedup   *Dedup
	workers *workerPool
	log     zerolog.Logger

	mu              sync.Mutex
	client          pool.Client
	headSub         rpcclient.HeadStream
	pendingSub      rpcclient.PendingStream
	pendingDisabled bool
	started         bool

	heads  chan uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the config and assembles the pipeline. Nothing connects
// until Start.
func New(cfg Config) (*Watcher, error) {
	if cfg.Pool == nil {
		return nil, errors.New("watcher: pool is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("watcher: sink is required")
	}
	if cfg.ThresholdWei == nil || cfg.ThresholdWei.Sign() <= 0 {
		return nil, errors.New("watcher: positive threshold required")
	}
	if len(cfg.Wallets) == 0 {
		return nil, errors.New("watcher: at least one watched wallet required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PendingWorkers <= 0 {
		cfg.PendingWorkers = 2 * runtime.GOMAXPROCS(0)
	}

	dedup, err := NewDedup(cfg.DedupCapacity)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	filter := NewFilter(cfg.ThresholdWei, cfg.Wallets)
	blocks := NewBlockProcessor(filter, dedup, cfg.Sink, log)
	pending := NewPendingProcessor(filter, dedup, cfg.Sink, cfg.RequestTimeout, log)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		pool:    cfg.Pool,
		blocks:  blocks,
		pending: pending,
		dedup:   dedup,
		workers: newWorkerPool(cfg.PendingWorkers, cfg.PendingWorkers*pendingQueueFactor, log),
		log:     log.With().Str("component", "watcher").Logger(),
		heads:   make(chan uint64, headsFunnelBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	w.tracker = continuity.New(continuity.Config{
		OnBlock:      blocks.Process,
		BackfillRate: cfg.BackfillRate,
		Logger:       log,
	})
	return w, nil
}

// Start connects through the pool, initializes the continuity engine at the
// current head and arms both subscriptions. A connection that dies while
// being wired up is charged to its endpoint and the wiring retried against
// its replacement; transient network failure is never fatal here. ctx bounds
// startup only; Stop ends the run.
func (w *Watcher) Start(ctx context.Context) error {
	// Registered before the first Connect so no disconnect can slip between
	// connecting and listening; the started guard keeps the handler inert
	// until the initial wiring below is in place.
	w.pool.OnReconnect(w.handleReconnect)

	w.workers.start(w.ctx)

	var client pool.Client
	for {
		var err error
		client, err = w.pool.Connect(ctx)
		if err != nil {
			return fmt.Errorf("watcher: initial connect: %w", err)
		}

		w.mu.Lock()
		w.client = client
		w.mu.Unlock()

		if err := w.tracker.HandleReconnection(ctx, client); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("watcher: %w", err)
			}
			w.log.Warn().Err(err).Msg("connection failed during startup wiring, retrying")
			w.pool.ReportFailure(client, err)
			continue
		}

		if err := w.armSubscriptions(client); err != nil {
			if ctx.Err() != nil {
				return err
			}
			w.log.Warn().Err(err).Msg("subscribing failed during startup, retrying")
			continue
		}
		break
	}

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	// A rotation during the wiring above was ignored by the guard; if the
	// pool moved on meanwhile, adopt the replacement now.
	if current, err := w.pool.Connect(ctx); err == nil && current != client {
		w.handleReconnect(current)
	}

	w.wg.Add(1)
	go w.headLoop()

	w.log.Info().Str("endpoint", w.pool.CurrentEndpoint()).Msg("watching for transfers")
	return nil
}

// Stop tears the pipeline down: cancels the loops, drops the
// subscriptions and waits for every goroutine to finish. The pool is owned
// by the caller and is not destroyed here.
func (w *Watcher) Stop() {
	w.cancel()

	w.mu.Lock()
	headSub, pendingSub := w.headSub, w.pendingSub
	w.headSub, w.pendingSub = nil, nil
	w.mu.Unlock()

	if headSub != nil {
		headSub.Unsubscribe()
	}
	if pendingSub != nil {
		pendingSub.Unsubscribe()
	}

	w.wg.Wait()
	w.workers.stop()
	w.log.Info().Int64("dropped_pending_tasks", w.workers.droppedTasks()).Msg("watcher stopped")
}

// handleReconnect is the pool callback: tear down the old subscriptions,
// repair continuity against the new node, re-arm.
func (w *Watcher) handleReconnect(client pool.Client) {
	w.mu.Lock()
	if !w.started {
		// Start is still wiring the first connection; its retry loop will
		// pick this client up from the pool.
		w.mu.Unlock()
		return
	}
	oldHead, oldPending := w.headSub, w.pendingSub
	w.headSub, w.pendingSub = nil, nil
	w.client = client
	w.mu.Unlock()

	monitoring.Reconnections.Inc()

	if oldHead != nil {
		oldHead.Unsubscribe()
	}
	if oldPending != nil {
		oldPending.Unsubscribe()
	}

	if err := w.tracker.HandleReconnection(w.ctx, client); err != nil {
		w.log.Error().Err(err).Msg("continuity repair failed after reconnect")
		w.pool.ReportFailure(client, err)
		return
	}

	if err := w.armSubscriptions(client); err != nil {
		w.log.Error().Err(err).Msg("re-arming subscriptions failed")
	}
}

// armSubscriptions opens newHeads (mandatory) and newPendingTransactions
// (best-effort) on the given client and spawns their consumer goroutines.
// The consumers exit when their stream closes; the next reconnection spawns
// fresh ones.
func (w *Watcher) armSubscriptions(client pool.Client) error {
	headSub, err := client.SubscribeNewHeads(w.ctx)
	if err != nil {
		// Block monitoring cannot proceed on this connection; charge the
		// endpoint and let the pool rotate.
		w.pool.ReportFailure(client, fmt.Errorf("subscribing newHeads: %w", err))
		return fmt.Errorf("watcher: subscribing newHeads: %w", err)
	}

	w.mu.Lock()
	w.headSub = headSub
	pendingDisabled := w.pendingDisabled
	w.mu.Unlock()

	w.wg.Add(1)
	go w.consumeHeads(headSub)

	if pendingDisabled {
		return nil
	}

	pendingSub, err := client.SubscribePendingTxHashes(w.ctx)
	if err != nil {
		if rpcclient.IsUnsupported(err) {
			// Expected on many providers. Confirmed-only monitoring for the
			// rest of this session.
			w.mu.Lock()
			w.pendingDisabled = true
			w.mu.Unlock()
			w.log.Info().Err(err).Msg("mempool subscription not supported, confirmed-only mode")
			return nil
		}
		w.log.Warn().Err(err).Msg("mempool subscription failed, continuing without it")
		return nil
	}

	w.mu.Lock()
	w.pendingSub = pendingSub
	w.mu.Unlock()

	w.wg.Add(1)
	go w.consumePending(pendingSub, client)
	return nil
}

// headLoop is the single serialization point for block processing: every
// head from every subscription generation funnels through w.heads and is
// classified by the continuity engine one at a time.
func (w *Watcher) headLoop() {
	defer w.wg.Done()
	for {
		select {
		case n := <-w.heads:
			w.mu.Lock()
			client := w.client
			w.mu.Unlock()

			if err := w.tracker.ProcessNewBlock(w.ctx, n); err != nil {
				if w.ctx.Err() != nil {
					return
				}
				w.log.Error().Err(err).Uint64("head", n).Msg("head processing failed")
				w.pool.ReportFailure(client, err)
				continue
			}
			w.pool.NoteSuccess()
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) consumeHeads(sub rpcclient.HeadStream) {
	defer w.wg.Done()
	for n := range sub.Heads() {
		select {
		case w.heads <- n:
		case <-w.ctx.Done():
			return
		}
	}
	// Stream closed: the connection died or was replaced. The reconnect
	// callback arms a successor; nothing to do here.
}

func (w *Watcher) consumePending(sub rpcclient.PendingStream, client pool.Client) {
	defer w.wg.Done()
	for hash := range sub.Hashes() {
		h := hash
		w.workers.submit(func() {
			w.pending.Handle(w.ctx, client, h)
		})
	}
}

// DedupLen exposes the dedup cache size for the health endpoint.
func (w *Watcher) DedupLen() int {
	return w.dedup.Len()
}
