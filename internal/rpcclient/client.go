// Package rpcclient is a minimal streaming JSON-RPC 2.0 client speaking the
// eth_* namespace over a single persistent WebSocket connection.
//
// One connection carries everything: request/response calls and both
// subscription channels (newHeads, newPendingTransactions). Calls are matched
// to responses by numeric id; subscription notifications are fanned out to
// per-subscription channels by subscription id.
//
// Failure model: the socket is the unit of failure. Any read or write error
// tears the whole client down, fails every in-flight call with
// ErrClientClosed, closes every subscription channel, and fires the
// OnClose/OnError handler exactly once so the owner (the endpoint pool) can
// rotate.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 10 * time.Second
	dialHandshakeTimeout  = 10 * time.Second

	// Channel buffers for subscription fan-out. Heads are cheap to drop
	// (the continuity engine backfills any number we miss); the pending
	// firehose gets a deep buffer because every dropped hash is a missed
	// early warning.
	headsBuffer   = 64
	pendingBuffer = 4096
)

// Config carries the per-client knobs and the two asynchronous failure
// signals. Both handlers are optional and are invoked at most once, from the
// read loop goroutine, after the client is unusable.
type Config struct {
	RequestTimeout time.Duration
	Logger         zerolog.Logger

	// OnClose fires when the peer closed the socket (or the transport
	// surfaced a close frame). code/reason come from the close frame when
	// one was received.
	OnClose func(code int, reason string)

	// OnError fires for every other transport-level failure.
	OnError func(err error)
}

// Client is a JSON-RPC client bound to one WebSocket endpoint.
// All methods are safe for concurrent use.
type Client struct {
	endpoint   string
	conn       *websocket.Conn
	log        zerolog.Logger
	reqTimeout time.Duration

	onClose func(code int, reason string)
	onError func(err error)

	writeMu sync.Mutex // serializes frames onto the socket
	idSeq   atomic.Uint64

	mu      sync.Mutex // guards pending, subs and the closed flag
	pending map[uint64]chan *jsonrpcMessage
	subs    map[string]*subscription
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

type jsonrpcMessage struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type subscriptionNotification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Dial opens the WebSocket connection and starts the read loop.
// The context bounds the handshake only; the connection itself lives until
// Close or a transport failure.
func Dial(ctx context.Context, endpoint string, cfg Config) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{
		endpoint:   endpoint,
		conn:       conn,
		log:        cfg.Logger.With().Str("component", "rpcclient").Str("endpoint", endpoint).Logger(),
		reqTimeout: cfg.RequestTimeout,
		onClose:    cfg.OnClose,
		onError:    cfg.OnError,
		pending:    make(map[uint64]chan *jsonrpcMessage),
		subs:       make(map[string]*subscription),
		done:       make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// Endpoint returns the URL this client is connected to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Done is closed once the client is unusable, whatever the reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears the client down locally. Handlers are not invoked for a local
// close; OnClose/OnError are failure signals, not lifecycle notifications.
func (c *Client) Close() error {
	c.teardown(nil, true)
	return nil
}

// Call performs one JSON-RPC request and decodes the result into result
// (unless result is nil). A context without a deadline gets the configured
// per-call timeout. A JSON null result yields ErrNotFound.
func (c *Client) Call(ctx context.Context, result any, method string, params ...any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}

	id := c.idSeq.Add(1)
	req, err := marshalRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *jsonrpcMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		c.teardown(err, false)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result == nil {
			return nil
		}
		if len(resp.Result) == 0 || string(resp.Result) == "null" {
			return ErrNotFound
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%s: decoding result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return ErrClientClosed
	}
}

// BlockNumber returns the node's current head number. Doubles as the pool's
// liveness probe.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.Call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// BlockByNumber fetches a block with full transaction bodies.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var block Block
	if err := c.Call(ctx, &block, "eth_getBlockByNumber", hexutil.Uint64(number), true); err != nil {
		return nil, err
	}
	return &block, nil
}

// TransactionByHash fetches one transaction. Pending transactions regularly
// evaporate between notification and lookup, so ErrNotFound is an expected
// outcome here, not an anomaly.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*RawTransaction, error) {
	var tx RawTransaction
	if err := c.Call(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}
	return &tx, nil
}

func marshalRequest(id uint64, method string, params []any) ([]byte, error) {
	msg := jsonrpcMessage{
		Version: "2.0",
		ID:      json.RawMessage(strconv.FormatUint(id, 10)),
		Method:  method,
	}
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding params: %w", method, err)
	}
	msg.Params = raw
	return json.Marshal(&msg)
}

func (c *Client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop is the single reader of the socket. It dispatches responses to
// pending calls and notifications to subscriptions until the socket dies.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown(err, false)
			return
		}

		var msg jsonrpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding unparseable frame")
			continue
		}

		switch {
		case msg.Method == "eth_subscription":
			c.dispatchNotification(&msg)
		case len(msg.ID) > 0:
			c.dispatchResponse(&msg)
		default:
			c.log.Debug().Str("method", msg.Method).Msg("ignoring unexpected frame")
		}
	}
}

func (c *Client) dispatchResponse(msg *jsonrpcMessage) {
	id, err := strconv.ParseUint(string(msg.ID), 10, 64)
	if err != nil {
		c.log.Debug().Str("id", string(msg.ID)).Msg("response with non-numeric id")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
}

func (c *Client) dispatchNotification(msg *jsonrpcMessage) {
	var note subscriptionNotification
	if err := json.Unmarshal(msg.Params, &note); err != nil {
		c.log.Warn().Err(err).Msg("discarding malformed subscription notification")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[note.Subscription]
	if !ok {
		return
	}
	select {
	case sub.raw <- note.Result:
	default:
		sub.dropped.Add(1)
	}
}

// teardown makes the client permanently unusable. Safe to call from any
// goroutine, effective once.
func (c *Client) teardown(cause error, local bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := c.subs
		c.subs = make(map[string]*subscription)
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()

		for _, sub := range subs {
			close(sub.raw)
		}

		if local {
			return
		}

		var closeErr *websocket.CloseError
		switch {
		case errors.As(cause, &closeErr):
			c.log.Warn().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("connection closed by peer")
			if c.onClose != nil {
				c.onClose(closeErr.Code, closeErr.Text)
			}
		case cause != nil:
			c.log.Warn().Err(cause).Msg("connection failed")
			if c.onError != nil {
				c.onError(cause)
			}
		}
	})
}
