// web3-listener watches an EVM chain for large native-token transfers
// touching a curated set of wallets and reports them the moment they appear
// in the mempool or a confirmed block.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/Aboudjem/web3-listener/internal/config"
	"github.com/Aboudjem/web3-listener/internal/monitoring"
	"github.com/Aboudjem/web3-listener/internal/pool"
	"github.com/Aboudjem/web3-listener/internal/sink"
	"github.com/Aboudjem/web3-listener/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "web3-listener",
		Usage: "watch an EVM chain for whale transfers touching configured wallets",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "primary wss:// endpoint (overrides WEB3_WS_URL)"},
			&cli.StringSliceFlag{Name: "fallback", Usage: "additional endpoint, repeatable (overrides WEB3_FALLBACK_URLS)"},
			&cli.StringFlag{Name: "threshold", Usage: "minimum transfer size in ETH (overrides WHALE_THRESHOLD_ETH)"},
			&cli.StringSliceFlag{Name: "wallet", Usage: "watched wallet as label:0xaddress, repeatable"},
			&cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error"},
			&cli.StringFlag{Name: "log-format", Usage: "json|pretty"},
			&cli.BoolFlag{Name: "debug", Usage: "shorthand for --log-level debug"},
			&cli.StringFlag{Name: "monitor-addr", Usage: "health/metrics listen address (overrides MONITOR_ADDR)"},
			&cli.StringFlag{Name: "nats-url", Usage: "publish events to this NATS server (overrides NATS_URL)"},
		},
		Action: runListener,
		Commands: []*cli.Command{
			{
				Name:   "endpoints",
				Usage:  "probe every configured endpoint once and report",
				Action: probeEndpoints,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig merges env, .env and CLI flags, then validates.
func loadConfig(c *cli.Context) (*config.Config, error) {
	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "pretty"})

	cfg, err := config.Load(bootstrap)
	if err != nil {
		return nil, err
	}

	if c.IsSet("url") {
		cfg.WSURL = c.String("url")
	}
	if c.IsSet("fallback") {
		cfg.FallbackURLs = c.StringSlice("fallback")
	}
	if c.IsSet("threshold") {
		cfg.ThresholdETH = c.String("threshold")
	}
	if c.IsSet("wallet") {
		cfg.WatchedWallets = c.StringSlice("wallet")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	if c.IsSet("monitor-addr") {
		cfg.MonitorAddr = c.String("monitor-addr")
	}
	if c.IsSet("nats-url") {
		cfg.NATSURL = c.String("nats-url")
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runListener(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(log)

	p, err := pool.New(pool.Config{
		Endpoints:           cfg.Endpoints,
		BaseDelay:           cfg.BaseDelay,
		MaxCooldown:         cfg.MaxCooldown,
		HealthCheckInterval: cfg.HealthCheckInterval,
		RequestTimeout:      cfg.RequestTimeout,
		Logger:              log,
	})
	if err != nil {
		return err
	}
	defer p.Destroy()

	sinks := []watcher.Sink{sink.Console(log)}
	var natsSink *sink.NATS
	if cfg.NATSURL != "" {
		natsSink, err = sink.NewNATS(cfg.NATSURL, cfg.NATSSubject, log)
		if err != nil {
			return err
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink.Emit)
	}

	w, err := watcher.New(watcher.Config{
		Pool:           p,
		ThresholdWei:   cfg.ThresholdWei,
		Wallets:        cfg.Wallets,
		Sink:           sink.Fanout(sinks...),
		DedupCapacity:  cfg.DedupCapacity,
		BackfillRate:   cfg.BackfillRate,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	if cfg.MonitorAddr != "" {
		hs := monitoring.NewHealthServer(cfg.MonitorAddr, func() any { return p.Status() }, log)
		hs.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = hs.Shutdown(ctx)
		}()
	}

	// SIGINT/SIGTERM end the run; the same context aborts the initial
	// connect if the operator bails out early.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	w.Stop()
	return nil
}

func probeEndpoints(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	p, err := pool.New(pool.Config{
		Endpoints:      cfg.Endpoints,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer p.Destroy()

	fmt.Println("=== Endpoint probes ===")
	for _, ep := range cfg.Endpoints {
		if err := p.Probe(ep); err != nil {
			fmt.Printf("FAIL  %-50s %v\n", ep, err)
			continue
		}
		fmt.Printf("OK    %s\n", ep)
	}
	return nil
}
