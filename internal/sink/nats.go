package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Aboudjem/web3-listener/internal/monitoring"
	"github.com/Aboudjem/web3-listener/internal/watcher"
)

// NATS publishes every TransferEvent as JSON to one subject, so other
// systems (alerting, dashboards) can consume the stream without touching
// the listener. Publish failures are logged and counted, never retried:
// the Sink contract is fire-and-forget.
type NATS struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATS connects with indefinite client-side reconnects; a NATS outage
// must not take the listener down.
func NewNATS(url, subject string, log zerolog.Logger) (*NATS, error) {
	log = log.With().Str("component", "nats_sink").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	log.Info().Str("url", conn.ConnectedUrl()).Str("subject", subject).Msg("NATS sink connected")
	return &NATS{conn: conn, subject: subject, log: log}, nil
}

// Emit satisfies watcher.Sink.
func (n *NATS) Emit(ev *watcher.TransferEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		monitoring.SinkErrors.WithLabelValues("nats").Inc()
		n.log.Error().Err(err).Str("tx", ev.TxHash).Msg("encoding event failed")
		return
	}
	if err := n.conn.Publish(n.subject, payload); err != nil {
		monitoring.SinkErrors.WithLabelValues("nats").Inc()
		n.log.Warn().Err(err).Str("tx", ev.TxHash).Msg("publishing event failed")
	}
}

// Close flushes buffered publishes and drops the connection.
func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.log.Debug().Err(err).Msg("NATS drain failed")
		n.conn.Close()
	}
}
