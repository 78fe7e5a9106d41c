// Package pool manages a ring of streaming RPC endpoints and keeps exactly
// one connection alive across provider failures.
//
// Public RPC fabric is unreliable by design: free endpoints drop sockets,
// rate-limit bursts, and go away for minutes at a time. The pool's contract
// with the rest of the program is simple: Connect blocks until some endpoint
// works, failures of the active connection trigger rotation and reconnection
// in the background, and registered OnReconnect callbacks run after every
// successful (re)connection so subscriptions can be re-armed. Transient
// failure is never fatal; only Destroy ends the pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Aboudjem/web3-listener/internal/monitoring"
	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

// ErrDestroyed is returned by Connect once Destroy has been called.
var ErrDestroyed = errors.New("pool: destroyed")

// Client is the capability surface the pool hands out. *rpcclient.Client
// satisfies it; tests substitute fakes through Config.Dial.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*rpcclient.Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*rpcclient.RawTransaction, error)
	SubscribeNewHeads(ctx context.Context) (rpcclient.HeadStream, error)
	SubscribePendingTxHashes(ctx context.Context) (rpcclient.PendingStream, error)
	Endpoint() string
	Close() error
}

// DialFunc builds a client for one endpoint. The default wraps
// rpcclient.Dial.
type DialFunc func(ctx context.Context, endpoint string, cfg rpcclient.Config) (Client, error)

// ReconnectFunc is invoked with the new client after every successful
// (re)connection, in registration order.
type ReconnectFunc func(client Client)

const (
	defaultBaseDelay           = 5 * time.Second
	defaultMaxCooldown         = 5 * time.Minute
	defaultHealthCheckInterval = 60 * time.Second
	defaultRequestTimeout      = 10 * time.Second

	// minRetryWait floors the all-endpoints-down sleep so a cooldown that
	// just expired does not spin the connect loop.
	minRetryWait = 500 * time.Millisecond
)

// Config holds the pool's tuning knobs. Zero values get defaults.
type Config struct {
	Endpoints           []string
	BaseDelay           time.Duration
	MaxCooldown         time.Duration
	HealthCheckInterval time.Duration
	RequestTimeout      time.Duration
	Logger              zerolog.Logger
	Dial                DialFunc
}

// Pool owns the endpoint ring, per-endpoint health and the single active
// client.
type Pool struct {
	endpoints []string
	cfg       Config
	dial      DialFunc
	log       zerolog.Logger

	mu              sync.Mutex
	health          map[string]*EndpointHealth
	currentIndex    int
	client          Client
	currentEndpoint string
	connecting      bool
	connectDone     chan struct{}
	destroyed       bool
	callbacks       []ReconnectFunc

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a pool over the given endpoints and starts the background
// health prober. At least one endpoint is required.
func New(cfg Config) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("pool: at least one endpoint required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = defaultMaxCooldown
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	p := &Pool{
		endpoints: cfg.Endpoints,
		cfg:       cfg,
		dial:      cfg.Dial,
		log:       cfg.Logger.With().Str("component", "ws_manager").Logger(),
		health:    make(map[string]*EndpointHealth, len(cfg.Endpoints)),
		stop:      make(chan struct{}),
	}
	if p.dial == nil {
		p.dial = func(ctx context.Context, endpoint string, c rpcclient.Config) (Client, error) {
			return rpcclient.Dial(ctx, endpoint, c)
		}
	}
	for _, ep := range cfg.Endpoints {
		p.health[ep] = &EndpointHealth{URL: ep, Status: StatusHealthy}
	}

	p.wg.Add(1)
	go p.probeLoop()

	return p, nil
}

// OnReconnect registers a callback to run after every successful
// (re)connection. Callbacks run in registration order; a panicking callback
// is logged and does not abort the connection.
func (p *Pool) OnReconnect(cb ReconnectFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// CurrentEndpoint returns the URL of the active connection, or "" while
// disconnected.
func (p *Pool) CurrentEndpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentEndpoint
}

// Status returns a snapshot of every endpoint's health, in ring order.
func (p *Pool) Status() []EndpointHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, *p.health[ep])
	}
	return out
}

// Connect returns the active client, establishing one if necessary. It
// blocks through rotation and cooldown waits and fails only when the pool is
// destroyed or the context ends. Concurrent callers share a single
// connection attempt.
func (p *Pool) Connect(ctx context.Context) (Client, error) {
	for {
		p.mu.Lock()
		switch {
		case p.destroyed:
			p.mu.Unlock()
			return nil, ErrDestroyed
		case p.client != nil:
			c := p.client
			p.mu.Unlock()
			return c, nil
		case p.connecting:
			done := p.connectDone
			p.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.stop:
				return nil, ErrDestroyed
			}
		}
		p.connecting = true
		done := make(chan struct{})
		p.connectDone = done
		p.mu.Unlock()

		client := p.connectRound(ctx)

		p.mu.Lock()
		p.connecting = false
		if client != nil {
			if p.destroyed {
				p.mu.Unlock()
				close(done)
				client.Close()
				return nil, ErrDestroyed
			}
			p.client = client
			p.currentEndpoint = client.Endpoint()
			cbs := append([]ReconnectFunc(nil), p.callbacks...)
			p.mu.Unlock()
			monitoring.ActiveEndpoint.WithLabelValues(client.Endpoint()).Set(1)
			close(done)
			p.runCallbacks(cbs, client)
			return client, nil
		}
		wait := p.shortestCooldownLocked()
		p.mu.Unlock()
		close(done)

		p.log.Warn().Dur("wait", wait).Msgf("all endpoints in cooldown, retrying in %s", wait.Round(time.Second))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.stop:
			return nil, ErrDestroyed
		}
	}
}

// Destroy tears the pool down: stops the prober, drops the active client and
// wakes every in-flight Connect with ErrDestroyed. Idempotent.
func (p *Pool) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	client := p.client
	current := p.currentEndpoint
	p.client = nil
	p.currentEndpoint = ""
	p.mu.Unlock()

	if current != "" {
		monitoring.ActiveEndpoint.WithLabelValues(current).Set(0)
	}

	p.stopOnce.Do(func() { close(p.stop) })
	if client != nil {
		client.Close()
	}
	p.wg.Wait()
}

// NoteSuccess records that the active connection did useful work. Once an
// endpoint has been failure-free for a full health-check interval its
// failCount resets, so an endpoint that flapped while active can climb back
// to Healthy without ever being probed from the outside.
func (p *Pool) NoteSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[p.currentEndpoint]
	if !ok {
		return
	}
	now := time.Now()
	h.LastSuccessTime = now
	if h.FailCount > 0 && now.Sub(h.LastErrorTime) >= p.cfg.HealthCheckInterval {
		p.log.Info().Str("endpoint", h.URL).Int("failCount", h.FailCount).
			Msg("active endpoint stable again, resetting failure count")
		h.FailCount = 0
		h.Status = StatusHealthy
		h.NextAvailableTime = time.Time{}
	}
}

// connectRound tries every endpoint once, in ring order. Returns the probed
// client on success, nil when the whole ring failed.
func (p *Pool) connectRound(ctx context.Context) Client {
	for range p.endpoints {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return nil
		}
		endpoint, ready := p.pickEndpointLocked(time.Now())
		p.mu.Unlock()
		if !ready {
			// Everything left is in cooldown; end the round so Connect can
			// sleep until the earliest endpoint frees up. Dialing early
			// would violate the endpoint's nextAvailableTime.
			return nil
		}

		client, err := p.dialAndProbe(ctx, endpoint)
		if err == nil {
			p.markHealthy(endpoint)
			p.log.Info().Str("endpoint", endpoint).Msg("connected")
			return client
		}

		p.recordFailure(endpoint, err)
		p.mu.Lock()
		p.currentIndex = (p.currentIndex + 1) % len(p.endpoints)
		p.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// pickEndpointLocked walks the ring from currentIndex and returns the first
// endpoint whose cooldown has expired. If none qualifies it
// points currentIndex at the endpoint whose cooldown expires soonest and
// reports ready=false, so the caller's wait logic applies uniformly.
func (p *Pool) pickEndpointLocked(now time.Time) (endpoint string, ready bool) {
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		idx := (p.currentIndex + i) % n
		if p.health[p.endpoints[idx]].available(now) {
			p.currentIndex = idx
			return p.endpoints[idx], true
		}
	}

	best := 0
	for i := 1; i < n; i++ {
		if p.health[p.endpoints[i]].NextAvailableTime.Before(p.health[p.endpoints[best]].NextAvailableTime) {
			best = i
		}
	}
	p.currentIndex = best
	return p.endpoints[best], false
}

// dialAndProbe opens a connection and verifies it answers eth_blockNumber
// before anyone else sees it.
func (p *Pool) dialAndProbe(ctx context.Context, endpoint string) (Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	// The read loop can fire these handlers before dial has even returned,
	// so the client reference they report against lives behind a mutex. A
	// signal arriving while the holder is still empty reports nil and is
	// ignored; the probe below fails on such a socket and the attempt is
	// charged to the endpoint the ordinary way.
	var holder struct {
		sync.Mutex
		client Client
	}
	held := func() Client {
		holder.Lock()
		defer holder.Unlock()
		return holder.client
	}
	clientCfg := rpcclient.Config{
		RequestTimeout: p.cfg.RequestTimeout,
		Logger:         p.cfg.Logger,
		OnClose: func(code int, reason string) {
			p.handleDisconnect(held(), fmt.Errorf("connection closed (%d): %s", code, reason))
		},
		OnError: func(err error) {
			p.handleDisconnect(held(), err)
		},
	}

	c, err := p.dial(dialCtx, endpoint, clientCfg)
	if err != nil {
		return nil, err
	}
	holder.Lock()
	holder.client = c
	holder.Unlock()

	probeCtx, cancelProbe := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancelProbe()
	if _, err := c.BlockNumber(probeCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("probe: %w", err)
	}
	return c, nil
}

// ReportFailure charges a failure of the active client to its endpoint and
// triggers rotation. This is how the orchestrator escalates errors the
// transport cannot see for itself (a failed head fetch, a refused
// subscribe). Reports against clients that are no longer active are ignored.
func (p *Pool) ReportFailure(client Client, cause error) {
	p.handleDisconnect(client, cause)
}

// handleDisconnect reacts to the active client failing: record the failure,
// drop the client, advance the ring and reconnect in the background. Signals
// from stale clients (already replaced) are ignored.
func (p *Pool) handleDisconnect(client Client, cause error) {
	p.mu.Lock()
	if p.destroyed || client == nil || client != p.client {
		p.mu.Unlock()
		return
	}
	failed := p.currentEndpoint
	p.client = nil
	p.currentEndpoint = ""
	p.recordFailureLocked(failed, cause)
	p.currentIndex = (p.currentIndex + 1) % len(p.endpoints)
	next := p.endpoints[p.currentIndex]
	p.mu.Unlock()

	client.Close() // idempotent; ensures a half-dead socket is fully gone
	monitoring.ActiveEndpoint.WithLabelValues(failed).Set(0)

	reason := "disconnect"
	if rpcclient.IsRateLimited(cause) {
		reason = "rate_limited"
	}
	monitoring.EndpointRotations.WithLabelValues(reason).Inc()
	p.log.Warn().Err(cause).Str("failed", failed).Str("rotating_to", next).
		Msgf("endpoint failed, rotating to %s", next)

	go func() {
		if _, err := p.Connect(context.Background()); err != nil && !errors.Is(err, ErrDestroyed) {
			p.log.Error().Err(err).Msg("background reconnect failed")
		}
	}()
}

func (p *Pool) markHealthy(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[endpoint]
	if !ok {
		return
	}
	h.Status = StatusHealthy
	h.FailCount = 0
	h.LastSuccessTime = time.Now()
	h.NextAvailableTime = time.Time{}
	h.LastError = ""
}

func (p *Pool) recordFailure(endpoint string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordFailureLocked(endpoint, cause)
}

func (p *Pool) recordFailureLocked(endpoint string, cause error) {
	h, ok := p.health[endpoint]
	if !ok {
		return
	}
	now := time.Now()
	h.FailCount++
	h.LastErrorTime = now
	if cause != nil {
		h.LastError = cause.Error()
	}
	cooldown := cooldownFor(h.FailCount, p.cfg.BaseDelay, p.cfg.MaxCooldown)
	h.NextAvailableTime = now.Add(cooldown)
	if h.FailCount < downThreshold {
		h.Status = StatusDegraded
	} else {
		h.Status = StatusDown
	}

	monitoring.EndpointFailures.WithLabelValues(endpoint).Inc()
	p.log.Warn().Str("endpoint", endpoint).Int("failCount", h.FailCount).
		Dur("cooldown", cooldown).Str("status", h.Status.String()).Err(cause).
		Msg("endpoint failure recorded")
}

// shortestCooldownLocked returns how long to sleep when the whole ring is in
// cooldown: the soonest NextAvailableTime, floored and capped.
func (p *Pool) shortestCooldownLocked() time.Duration {
	now := time.Now()
	wait := p.cfg.MaxCooldown
	for _, ep := range p.endpoints {
		if d := p.health[ep].NextAvailableTime.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < minRetryWait {
		wait = minRetryWait
	}
	return wait
}

func (p *Pool) runCallbacks(cbs []ReconnectFunc, client Client) {
	for i, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error().Interface("panic_value", r).Int("callback", i).
						Msg("reconnect callback panicked")
				}
			}()
			cb(client)
		}()
	}
}
