package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

// eventRecorder is a Sink that collects events, safe for concurrent use.
type eventRecorder struct {
	mu     sync.Mutex
	events []*TransferEvent
}

func (r *eventRecorder) sink(ev *TransferEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []*TransferEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TransferEvent, len(r.events))
	copy(out, r.events)
	return out
}

// fakeTxReader resolves hashes from a fixed map; unknown hashes error.
type fakeTxReader struct {
	txs map[common.Hash]*rpcclient.RawTransaction
}

func (f *fakeTxReader) TransactionByHash(_ context.Context, hash common.Hash) (*rpcclient.RawTransaction, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, errors.New("transaction vanished")
	}
	return tx, nil
}

func makeBlock(number uint64, txs ...rpcclient.RawTransaction) *rpcclient.Block {
	return &rpcclient.Block{
		Number:       hexutil.Uint64(number),
		Transactions: txs,
	}
}

func TestDedupMarkIfNew(t *testing.T) {
	d, err := NewDedup(16)
	require.NoError(t, err)

	h := common.HexToHash("0x01")
	assert.False(t, d.Seen(h))
	assert.True(t, d.MarkIfNew(h))
	assert.False(t, d.MarkIfNew(h))
	assert.True(t, d.Seen(h))
	assert.Equal(t, 1, d.Len())
}

func TestDedupBoundedEviction(t *testing.T) {
	d, err := NewDedup(4)
	require.NoError(t, err)

	hashes := []common.Hash{
		common.HexToHash("0x01"), common.HexToHash("0x02"),
		common.HexToHash("0x03"), common.HexToHash("0x04"),
		common.HexToHash("0x05"),
	}
	for _, h := range hashes {
		d.MarkIfNew(h)
	}
	assert.Equal(t, 4, d.Len())
	assert.False(t, d.Seen(hashes[0]), "oldest hash should have been evicted")
	assert.True(t, d.Seen(hashes[4]))
}

func TestBlockProcessorEmitsQualifyingTransfers(t *testing.T) {
	f := testFilter(t, "100")
	d, err := NewDedup(0)
	require.NoError(t, err)
	rec := &eventRecorder{}
	bp := NewBlockProcessor(f, d, rec.sink, zerolog.Nop())

	to := whaleAddr
	bp.Process(makeBlock(7,
		*makeTx(t, "0x01", randomAddr, &to, "150"), // qualifies
		*makeTx(t, "0x02", randomAddr, &to, "50"),  // under threshold
		*makeTx(t, "0x03", randomAddr, &randomAddr, "500"), // unwatched
	))

	events := rec.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventConfirmed, ev.Type)
	assert.Equal(t, SideTo, ev.WatchedSide)
	require.NotNil(t, ev.BlockNumber)
	assert.Equal(t, uint64(7), *ev.BlockNumber)
	assert.False(t, ev.SeenInMempool)
}

func TestBlockProcessorPreservesTransactionOrder(t *testing.T) {
	f := testFilter(t, "100")
	d, err := NewDedup(0)
	require.NoError(t, err)
	rec := &eventRecorder{}
	bp := NewBlockProcessor(f, d, rec.sink, zerolog.Nop())

	to := whaleAddr
	bp.Process(makeBlock(7,
		*makeTx(t, "0x0a", randomAddr, &to, "200"),
		*makeTx(t, "0x0b", randomAddr, &to, "300"),
	))
	bp.Process(makeBlock(8,
		*makeTx(t, "0x0c", randomAddr, &to, "400"),
	))

	events := rec.all()
	require.Len(t, events, 3)
	assert.Equal(t, common.HexToHash("0x0a").Hex(), events[0].TxHash)
	assert.Equal(t, common.HexToHash("0x0b").Hex(), events[1].TxHash)
	assert.Equal(t, common.HexToHash("0x0c").Hex(), events[2].TxHash)
}

func TestPendingProcessorEmitsAndDeduplicates(t *testing.T) {
	f := testFilter(t, "100")
	d, err := NewDedup(0)
	require.NoError(t, err)
	rec := &eventRecorder{}
	pp := NewPendingProcessor(f, d, rec.sink, time.Second, zerolog.Nop())

	to := whaleAddr
	hash := common.HexToHash("0x01")
	reader := &fakeTxReader{txs: map[common.Hash]*rpcclient.RawTransaction{
		hash: makeTx(t, "0x01", randomAddr, &to, "150"),
	}}

	pp.Handle(context.Background(), reader, hash)
	pp.Handle(context.Background(), reader, hash) // duplicate notification

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventPending, events[0].Type)
	assert.True(t, events[0].SeenInMempool)
	assert.Nil(t, events[0].BlockNumber)
}

func TestPendingProcessorSwallowsLookupErrors(t *testing.T) {
	f := testFilter(t, "100")
	d, err := NewDedup(0)
	require.NoError(t, err)
	rec := &eventRecorder{}
	pp := NewPendingProcessor(f, d, rec.sink, time.Second, zerolog.Nop())

	reader := &fakeTxReader{txs: map[common.Hash]*rpcclient.RawTransaction{}}
	pp.Handle(context.Background(), reader, common.HexToHash("0xdead"))

	assert.Empty(t, rec.all())
	// A failed lookup must not poison the hash for the confirmed path.
	assert.False(t, d.Seen(common.HexToHash("0xdead")))
}

// A transfer observed pending first must not be re-emitted when its block
// confirms, and vice versa.
func TestAtMostOnceAcrossStreams(t *testing.T) {
	f := testFilter(t, "100")
	d, err := NewDedup(0)
	require.NoError(t, err)
	rec := &eventRecorder{}
	bp := NewBlockProcessor(f, d, rec.sink, zerolog.Nop())
	pp := NewPendingProcessor(f, d, rec.sink, time.Second, zerolog.Nop())

	to := whaleAddr
	hash := common.HexToHash("0x01")
	tx := makeTx(t, "0x01", randomAddr, &to, "150")
	reader := &fakeTxReader{txs: map[common.Hash]*rpcclient.RawTransaction{hash: tx}}

	// Pending first, then the confirming block.
	pp.Handle(context.Background(), reader, hash)
	bp.Process(makeBlock(7, *tx))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventPending, events[0].Type)

	// Opposite order with a fresh hash: block first, then a late pending echo.
	hash2 := common.HexToHash("0x02")
	tx2 := makeTx(t, "0x02", randomAddr, &to, "200")
	reader.txs[hash2] = tx2
	bp.Process(makeBlock(8, *tx2))
	pp.Handle(context.Background(), reader, hash2)

	events = rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventConfirmed, events[1].Type)
}

func TestAtMostOnceUnderConcurrency(t *testing.T) {
	f := testFilter(t, "100")
	d, err := NewDedup(0)
	require.NoError(t, err)
	rec := &eventRecorder{}
	bp := NewBlockProcessor(f, d, rec.sink, zerolog.Nop())
	pp := NewPendingProcessor(f, d, rec.sink, time.Second, zerolog.Nop())

	to := whaleAddr
	hash := common.HexToHash("0xbeef")
	tx := makeTx(t, "0xbeef", randomAddr, &to, "150")
	reader := &fakeTxReader{txs: map[common.Hash]*rpcclient.RawTransaction{hash: tx}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pp.Handle(context.Background(), reader, hash)
	}()
	go func() {
		defer wg.Done()
		bp.Process(makeBlock(7, *tx))
	}()
	wg.Wait()

	assert.Len(t, rec.all(), 1, "exactly one event per hash regardless of race outcome")
}

func TestWatcherConfigValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
