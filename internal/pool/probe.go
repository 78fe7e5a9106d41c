package pool

import (
	"context"
	"time"

	"github.com/Aboudjem/web3-listener/internal/rpcclient"
)

// probeLoop periodically re-checks endpoints that have failed. Only
// endpoints that are not Healthy, not currently active, and out of cooldown
// are probed; a probe opens a short-lived connection, asks for the block
// number and closes again, so it can never disturb the active stream.
//
// A successful probe promotes the endpoint straight back to Healthy. A
// failed probe changes nothing; the next interval will try again.
func (p *Pool) probeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeOnce()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) probeOnce() {
	now := time.Now()

	p.mu.Lock()
	active := p.currentEndpoint
	var candidates []string
	for _, ep := range p.endpoints {
		h := p.health[ep]
		if ep == active || h.Status == StatusHealthy || h.NextAvailableTime.After(now) {
			continue
		}
		candidates = append(candidates, ep)
	}
	p.mu.Unlock()

	for _, ep := range candidates {
		select {
		case <-p.stop:
			return
		default:
		}
		if err := p.Probe(ep); err != nil {
			p.log.Debug().Err(err).Str("endpoint", ep).Msg("health probe failed")
			continue
		}
		p.log.Info().Str("endpoint", ep).Msg("endpoint recovered, marking healthy")
		p.markHealthy(ep)
	}
}

// Probe opens a short-lived connection to one endpoint and issues a single
// eth_blockNumber. It does not touch health bookkeeping; callers decide what
// a success or failure means.
func (p *Pool) Probe(endpoint string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	defer cancel()

	client, err := p.dial(ctx, endpoint, rpcclient.Config{
		RequestTimeout: p.cfg.RequestTimeout,
		Logger:         p.cfg.Logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	_, err = client.BlockNumber(ctx)
	return err
}
