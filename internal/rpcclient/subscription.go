package rpcclient

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HeadStream is a live newHeads subscription. The channel closes when the
// stream ends (unsubscribe or connection loss); consumers treat that as
// end-of-stream and wait for the reconnect path to arm a fresh one.
type HeadStream interface {
	Heads() <-chan uint64
	Dropped() uint64
	Unsubscribe()
}

// PendingStream is a live newPendingTransactions subscription.
type PendingStream interface {
	Hashes() <-chan common.Hash
	Dropped() uint64
	Unsubscribe()
}

// subscription is one eth_subscribe channel on a client.
type subscription struct {
	id     string
	client *Client
	raw    chan json.RawMessage

	dropped   atomic.Uint64
	unsubOnce sync.Once
}

// Dropped returns how many notifications were discarded because the
// consumer fell behind.
func (s *subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe cancels the subscription on the node and closes the stream.
// Idempotent. The eth_unsubscribe call is best-effort: if the socket is
// already gone the server-side state died with it.
func (s *subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		c := s.client
		c.mu.Lock()
		_, live := c.subs[s.id]
		if live {
			delete(c.subs, s.id)
		}
		c.mu.Unlock()

		if !live {
			return // teardown already closed the channel
		}
		close(s.raw)
		if err := c.Call(context.Background(), nil, "eth_unsubscribe", s.id); err != nil {
			c.log.Debug().Err(err).Str("sub", s.id).Msg("eth_unsubscribe failed")
		}
	})
}

func (c *Client) subscribe(ctx context.Context, channel string, buffer int) (*subscription, error) {
	var id string
	if err := c.Call(ctx, &id, "eth_subscribe", channel); err != nil {
		return nil, err
	}

	sub := &subscription{
		id:     id,
		client: c,
		raw:    make(chan json.RawMessage, buffer),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(sub.raw)
		return nil, ErrClientClosed
	}
	c.subs[id] = sub
	c.mu.Unlock()

	c.log.Debug().Str("channel", channel).Str("sub", id).Msg("subscription established")
	return sub, nil
}

type headsSubscription struct {
	*subscription
	out chan uint64
}

func (s *headsSubscription) Heads() <-chan uint64 {
	return s.out
}

// SubscribeNewHeads opens a newHeads subscription on this connection and
// delivers the block number of every notification. Dropped heads are
// harmless: the continuity engine treats any jump as a gap and backfills.
func (c *Client) SubscribeNewHeads(ctx context.Context) (HeadStream, error) {
	sub, err := c.subscribe(ctx, "newHeads", headsBuffer)
	if err != nil {
		return nil, err
	}

	hs := &headsSubscription{subscription: sub, out: make(chan uint64, headsBuffer)}
	go func() {
		defer close(hs.out)
		for raw := range sub.raw {
			var head struct {
				Number *hexutil.Big `json:"number"`
			}
			if err := json.Unmarshal(raw, &head); err != nil || head.Number == nil {
				c.log.Warn().Err(err).Msg("discarding malformed head notification")
				continue
			}
			select {
			case hs.out <- head.Number.ToInt().Uint64():
			default:
				sub.dropped.Add(1)
			}
		}
	}()

	return hs, nil
}

type pendingSubscription struct {
	*subscription
	out chan common.Hash
}

func (s *pendingSubscription) Hashes() <-chan common.Hash {
	return s.out
}

// SubscribePendingTxHashes opens a newPendingTransactions subscription.
// Many providers refuse this channel; callers classify the error with
// IsUnsupported and degrade to confirmed-only monitoring.
func (c *Client) SubscribePendingTxHashes(ctx context.Context) (PendingStream, error) {
	sub, err := c.subscribe(ctx, "newPendingTransactions", pendingBuffer)
	if err != nil {
		return nil, err
	}

	ps := &pendingSubscription{subscription: sub, out: make(chan common.Hash, pendingBuffer)}
	go func() {
		defer close(ps.out)
		for raw := range sub.raw {
			var hash common.Hash
			if err := json.Unmarshal(raw, &hash); err != nil {
				c.log.Debug().Err(err).Msg("discarding malformed pending hash")
				continue
			}
			select {
			case ps.out <- hash:
			default:
				sub.dropped.Add(1)
			}
		}
	}()

	return ps, nil
}
