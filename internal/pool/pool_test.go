package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

// fakeClient satisfies the pool's Client surface. Subscriptions are never
// exercised by pool tests.
type fakeClient struct {
	endpoint string
	mu       sync.Mutex
	closed   bool
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (f *fakeClient) BlockByNumber(context.Context, uint64) (*rpcclient.Block, error) {
	return &rpcclient.Block{}, nil
}

func (f *fakeClient) TransactionByHash(context.Context, common.Hash) (*rpcclient.RawTransaction, error) {
	return nil, rpcclient.ErrNotFound
}

func (f *fakeClient) SubscribeNewHeads(context.Context) (rpcclient.HeadStream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) SubscribePendingTxHashes(context.Context) (rpcclient.PendingStream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Endpoint() string { return f.endpoint }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer scripts per-endpoint dial failures and records every attempt,
// including the transport config so tests can fire the failure handlers.
type fakeDialer struct {
	mu         sync.Mutex
	failures   map[string]int // remaining dial failures per endpoint
	delay      time.Duration
	errorEarly bool // fire OnError inside dial, before it returns
	dials      []string
	cfgs       []rpcclient.Config
	clients    []*fakeClient
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{failures: make(map[string]int)}
}

func (d *fakeDialer) failNext(endpoint string, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[endpoint] += times
}

func (d *fakeDialer) dial(_ context.Context, endpoint string, cfg rpcclient.Config) (Client, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	d.dials = append(d.dials, endpoint)
	d.cfgs = append(d.cfgs, cfg)
	early := d.errorEarly
	if d.failures[endpoint] > 0 {
		d.failures[endpoint]--
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	c := &fakeClient{endpoint: endpoint}
	d.clients = append(d.clients, c)
	d.mu.Unlock()

	if early && cfg.OnError != nil {
		cfg.OnError(errors.New("socket died during handshake"))
	}
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) lastCfg() rpcclient.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfgs[len(d.cfgs)-1]
}

const (
	epA = "wss://a.example/ws"
	epB = "wss://b.example/ws"
)

func newTestPool(t *testing.T, dialer *fakeDialer, endpoints ...string) *Pool {
	t.Helper()
	if len(endpoints) == 0 {
		endpoints = []string{epA, epB}
	}
	p, err := New(Config{
		Endpoints:           endpoints,
		BaseDelay:           10 * time.Millisecond,
		MaxCooldown:         time.Second,
		HealthCheckInterval: time.Hour, // keep the prober quiet unless a test drives it
		RequestTimeout:      time.Second,
		Logger:              zerolog.Nop(),
		Dial:                dialer.dial,
	})
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p
}

func TestNewRequiresEndpoints(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestConnectUsesFirstEndpoint(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(t, dialer)

	client, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epA, client.Endpoint())
	assert.Equal(t, epA, p.CurrentEndpoint())

	// A second Connect returns the same client without dialing again.
	again, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, client, again)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectRotatesPastFailingEndpoint(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failNext(epA, 1)
	p := newTestPool(t, dialer)

	client, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epB, client.Endpoint())

	status := p.Status()
	require.Len(t, status, 2)
	assert.Equal(t, StatusDegraded, status[0].Status)
	assert.Equal(t, 1, status[0].FailCount)
	assert.Equal(t, StatusHealthy, status[1].Status)
}

func TestConcurrentConnectSharesOneAttempt(t *testing.T) {
	dialer := newFakeDialer()
	dialer.delay = 50 * time.Millisecond
	p := newTestPool(t, dialer)

	var wg sync.WaitGroup
	clients := make([]Client, 4)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Connect(context.Background())
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, dialer.dialCount())
	for _, c := range clients[1:] {
		assert.Same(t, clients[0], c)
	}
}

func TestReportFailureRotatesAndReconnects(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(t, dialer)

	client, err := p.Connect(context.Background())
	require.NoError(t, err)

	var reconnected Client
	var mu sync.Mutex
	p.OnReconnect(func(c Client) {
		mu.Lock()
		reconnected = c
		mu.Unlock()
	})

	p.ReportFailure(client, errors.New("subscription refused"))

	assert.Eventually(t, func() bool {
		return p.CurrentEndpoint() == epB
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, client.(*fakeClient).isClosed(), "failed client must be closed")
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, reconnected)
	assert.Equal(t, epB, reconnected.Endpoint())
}

func TestReportFailureFromStaleClientIgnored(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(t, dialer)

	old, err := p.Connect(context.Background())
	require.NoError(t, err)
	p.ReportFailure(old, errors.New("boom"))

	require.Eventually(t, func() bool {
		return p.CurrentEndpoint() == epB
	}, 2*time.Second, 10*time.Millisecond)
	before := p.Status()

	// A late failure signal from the replaced client must change nothing.
	p.ReportFailure(old, errors.New("late echo"))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, epB, p.CurrentEndpoint())
	assert.Equal(t, before[1].FailCount, p.Status()[1].FailCount)
}

func TestConnectAfterDestroyFails(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(t, dialer)

	client, err := p.Connect(context.Background())
	require.NoError(t, err)

	p.Destroy()
	assert.True(t, client.(*fakeClient).isClosed())

	_, err = p.Connect(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestConnectHonorsContext(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failNext(epA, 100)
	p := newTestPool(t, dialer, epA)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := p.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectWaitsOutCooldown(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failNext(epA, 1)
	p := newTestPool(t, dialer, epA)

	start := time.Now()
	client, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epA, client.Endpoint())

	// The first attempt fails, which puts the only endpoint in cooldown; the
	// retry may not happen before the floor wait elapses.
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestReconnectCallbacksRunInOrderAndSurvivePanics(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(t, dialer)

	var mu sync.Mutex
	var order []int
	p.OnReconnect(func(Client) { mu.Lock(); order = append(order, 1); mu.Unlock() })
	p.OnReconnect(func(Client) { panic("callback bug") })
	p.OnReconnect(func(Client) { mu.Lock(); order = append(order, 3); mu.Unlock() })

	_, err := p.Connect(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 3}, order)
}

func TestNoteSuccessResetsAfterQuietInterval(t *testing.T) {
	dialer := newFakeDialer()
	p, err := New(Config{
		Endpoints:           []string{epA},
		BaseDelay:           10 * time.Millisecond,
		MaxCooldown:         time.Second,
		HealthCheckInterval: 30 * time.Millisecond,
		RequestTimeout:      time.Second,
		Logger:              zerolog.Nop(),
		Dial:                dialer.dial,
	})
	require.NoError(t, err)
	t.Cleanup(p.Destroy)

	_, err = p.Connect(context.Background())
	require.NoError(t, err)

	p.recordFailure(epA, errors.New("transient hiccup"))
	require.Equal(t, StatusDegraded, p.Status()[0].Status)

	// Too soon after the failure: the count must survive.
	p.NoteSuccess()
	assert.Equal(t, 1, p.Status()[0].FailCount)

	time.Sleep(40 * time.Millisecond)
	p.NoteSuccess()
	assert.Equal(t, 0, p.Status()[0].FailCount)
	assert.Equal(t, StatusHealthy, p.Status()[0].Status)
}

func TestProbeRecoversFailedEndpoint(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failNext(epA, 1)
	p := newTestPool(t, dialer)

	// Lands on B; A is degraded and cooling down.
	_, err := p.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, p.Status()[0].Status)

	// Let A's cooldown expire, then drive one probe round by hand.
	time.Sleep(30 * time.Millisecond)
	p.probeOnce()

	assert.Equal(t, StatusHealthy, p.Status()[0].Status)
	assert.Equal(t, 0, p.Status()[0].FailCount)
}

func TestProbeSkipsActiveEndpoint(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(t, dialer)

	_, err := p.Connect(context.Background())
	require.NoError(t, err)
	dials := dialer.dialCount()

	p.probeOnce()
	assert.Equal(t, dials, dialer.dialCount(), "healthy and active endpoints are not probed")
}

func TestCooldownFor(t *testing.T) {
	base := time.Second
	max := 5 * time.Minute

	assert.Equal(t, 2*time.Second, cooldownFor(1, base, max))
	assert.Equal(t, 4*time.Second, cooldownFor(2, base, max))
	assert.Equal(t, 8*time.Second, cooldownFor(3, base, max))
	assert.Equal(t, max, cooldownFor(10, base, max), "capped at max")
	assert.Equal(t, max, cooldownFor(60, base, max), "huge counts do not overflow")
}

func TestEndpointAvailability(t *testing.T) {
	now := time.Now()

	h := &EndpointHealth{Status: StatusHealthy}
	assert.True(t, h.available(now))

	h = &EndpointHealth{Status: StatusDegraded, NextAvailableTime: now.Add(time.Minute)}
	assert.False(t, h.available(now), "cooling down")

	h = &EndpointHealth{Status: StatusDegraded, NextAvailableTime: now.Add(-time.Minute)}
	assert.True(t, h.available(now), "cooldown expired")

	// Down is a reporting state, not a dialing veto: an expired cooldown
	// makes the endpoint dialable again without waiting for the prober.
	h = &EndpointHealth{Status: StatusDown, NextAvailableTime: now.Add(time.Minute)}
	assert.False(t, h.available(now))
	h = &EndpointHealth{Status: StatusDown, NextAvailableTime: now.Add(-time.Minute)}
	assert.True(t, h.available(now))
}

// A fully Down ring must recover through the connect path alone once
// cooldowns expire, even with the background prober idle.
func TestConnectRetriesDownEndpointAfterCooldown(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failNext(epA, downThreshold)
	p := newTestPool(t, dialer, epA)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := p.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, epA, client.Endpoint())
	assert.Equal(t, downThreshold+1, dialer.dialCount())
	assert.Equal(t, StatusHealthy, p.Status()[0].Status)
}

func TestTransportFailureHandlerRotates(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(t, dialer)

	client, err := p.Connect(context.Background())
	require.NoError(t, err)

	// The transport reports the active socket closed by the peer.
	dialer.lastCfg().OnClose(1006, "abnormal closure")

	assert.Eventually(t, func() bool {
		return p.CurrentEndpoint() == epB
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, client.(*fakeClient).isClosed())
}

func TestFailureSignalBeforeDialReturnsIsIgnored(t *testing.T) {
	dialer := newFakeDialer()
	dialer.errorEarly = true
	p := newTestPool(t, dialer)

	client, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epA, client.Endpoint())
	assert.Equal(t, epA, p.CurrentEndpoint())
}

func TestStatusEscalatesToDown(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(t, dialer)

	for i := 0; i < downThreshold; i++ {
		p.recordFailure(epA, errors.New("persistent failure"))
	}
	assert.Equal(t, StatusDown, p.Status()[0].Status)
	assert.Equal(t, downThreshold, p.Status()[0].FailCount)
}
