package watcher

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Aboudjem/web3-listener/internal/monitoring"
)

// task is a unit of work for the pending-fetch worker pool.
type task func()

// workerPool runs pending-transaction lookups on a fixed set of goroutines.
//
// The mempool firehose can deliver thousands of hashes per second; fetching
// each one on its own goroutine would balloon under load, so a bounded pool
// with a buffered queue absorbs bursts and drops the overflow. Dropping is
// acceptable here: a pending hash that never gets looked up still produces a
// Confirmed event when its block arrives.
type workerPool struct {
	workerCount int
	taskQueue   chan task
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     atomic.Int64
	log         zerolog.Logger
}

func newWorkerPool(workerCount, queueSize int, log zerolog.Logger) *workerPool {
	return &workerPool{
		workerCount: workerCount,
		taskQueue:   make(chan task, queueSize),
		log:         log.With().Str("component", "pending_workers").Logger(),
	}
}

// start launches the workers. The context stops them; tasks already queued
// when it ends are abandoned.
func (wp *workerPool) start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case t := <-wp.taskQueue:
			if t == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.log.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("worker panic recovered")
					}
				}()
				t()
			}()
		case <-wp.ctx.Done():
			return
		}
	}
}

// submit enqueues a task, dropping it when the queue is full.
func (wp *workerPool) submit(t task) {
	select {
	case wp.taskQueue <- t:
	default:
		wp.dropped.Add(1)
		monitoring.PendingTasksDropped.Inc()
	}
}

// stop waits for the workers to exit. Call after cancelling the context
// passed to start.
func (wp *workerPool) stop() {
	wp.wg.Wait()
}

func (wp *workerPool) droppedTasks() int64 {
	return wp.dropped.Load()
}
