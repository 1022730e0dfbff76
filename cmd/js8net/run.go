package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/js8net/internal/bridge"
	"github.com/danmuck/js8net/internal/clock"
	"github.com/danmuck/js8net/internal/config"
	"github.com/danmuck/js8net/internal/logging"
	"github.com/danmuck/js8net/internal/observability"
	"github.com/danmuck/js8net/internal/peer"
	"github.com/danmuck/js8net/internal/relay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	configPath  string
	metricsAddr string
	watch       bool
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the peer and APRS-IS clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			observability.InitLogger("js8net")
			cfg, err := loadConfig(opts.configPath, changed["config"])
			if err != nil {
				return err
			}
			if changed["metrics-addr"] {
				cfg.Metrics.Addr = opts.metricsAddr
			}
			applyLogConfig(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			d := newDaemon(cfg, clock.NewDrifting())
			log.Info().
				Str("call", cfg.Station.Call).
				Bool("peer", cfg.Peer.Enabled).
				Bool("relay", cfg.Relay.Enabled).
				Msg("js8net starting")
			watchPath := ""
			if opts.watch {
				watchPath = opts.configPath
			}
			return d.run(ctx, watchPath)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "js8net.toml", "config file path")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&opts.watch, "watch", false, "reload the config file when it changes")
	return cmd
}

// loadConfig reads path. A missing file falls back to defaults unless
// the path was given explicitly.
func loadConfig(path string, explicit bool) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			log.Warn().Str("path", path).Msg("config not found, using defaults")
			return config.Default(), nil
		}
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return config.Load(path)
}

func applyLogConfig(c config.LogConfig) {
	level, ok := logging.ParseLevel(c.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	logging.Apply(logging.Config{Level: level, Timestamp: true, JSON: c.JSON})
	log.Logger = log.Logger.With().Str("app", "js8net").Logger()
}

// daemon owns the long running clients and routes config changes to them.
type daemon struct {
	mu      sync.Mutex
	cfg     config.Config
	clock   clock.Clock
	heard   *bridge.HeardList
	inbound *bridge.InboundRelay
	mapper  *bridge.PeerMapper
	peer    *peer.Client
	relay   *relay.Client
	logger  zerolog.Logger
}

func newDaemon(cfg config.Config, c clock.Clock) *daemon {
	d := &daemon{
		cfg:    cfg,
		clock:  c,
		heard:  bridge.NewHeardList(c),
		logger: observability.Component("daemon"),
	}
	d.heard.Pin(cfg.Inbound.Stations)

	d.mapper = bridge.NewPeerMapper(nil, d.command)
	d.peer = peer.New(cfg.PeerClient(getVersion(), getRevision()), d.mapper, peer.WithClock(c))
	d.mapper.Bind(d.peer)

	d.inbound = bridge.NewInboundRelay(cfg.InboundRelay(), c, d.heard.Lookup, d.notice, func(text string) {
		d.command(bridge.CmdSendMessage, text)
	})
	relayCfg := cfg.RelayClient()
	relayCfg.Host, relayCfg.Port = relayTarget(cfg)
	d.relay = relay.New(relayCfg, d.inbound, relay.WithClock(c))
	d.relay.SetLocalStation(cfg.Station.Call, cfg.Station.Grid, cfg.Station.Info)
	d.peer.ConfigureServer(peerServer(cfg), cfg.Peer.Interfaces)
	return d
}

// relayTarget is the APRS-IS server, or nothing while the relay is off.
func relayTarget(cfg config.Config) (string, uint16) {
	if !cfg.Relay.Enabled {
		return "", 0
	}
	return cfg.Relay.Host, cfg.Relay.Port
}

func peerServer(cfg config.Config) string {
	if !cfg.Peer.Enabled {
		return ""
	}
	return cfg.Peer.Server
}

// command is where application commands from the peer and the inbound
// relay land. There is no transmitter attached, so they are logged.
func (d *daemon) command(kind, value string) {
	d.logger.Info().Str("command", kind).Str("value", value).Msg("application command")
}

func (d *daemon) notice(at time.Time, text string) {
	d.logger.Info().Time("at", at).Msg(text)
}

func (d *daemon) run(ctx context.Context, watchPath string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(d.peer.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(d.relay.Run(ctx)) })
	if watchPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, watchPath, config.DefaultDebounce, d.reload)
		})
	}
	d.mu.Lock()
	addr := d.cfg.Metrics.Addr
	d.mu.Unlock()
	if addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr) })
	}
	return g.Wait()
}

// reload pushes the runtime-adjustable settings from next to the clients.
func (d *daemon) reload(next config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.cfg
	d.cfg = next

	if prev.Station != next.Station {
		d.relay.SetLocalStation(next.Station.Call, next.Station.Grid, next.Station.Info)
	}
	host, port := relayTarget(next)
	d.relay.SetServer(host, port)
	d.relay.SetIncomingRelayEnabled(next.Relay.Incoming)
	d.relay.SetSkipPercent(next.Relay.SkipPercent)
	d.heard.Pin(next.Inbound.Stations)
	d.inbound.SetConfig(next.InboundRelay())

	d.peer.SetPort(next.Peer.Port)
	d.peer.SetMulticastTTL(next.Peer.TTL)
	d.peer.EnableInbound(next.Peer.Inbound)
	if peerServer(prev) != peerServer(next) || !slices.Equal(prev.Peer.Interfaces, next.Peer.Interfaces) {
		d.peer.ConfigureServer(peerServer(next), next.Peer.Interfaces)
	}

	if prev.Peer.ID != next.Peer.ID || prev.Peer.Heartbeat != next.Peer.Heartbeat {
		d.logger.Warn().Msg("peer identity changes apply on restart")
	}
	if prev.Metrics != next.Metrics {
		d.logger.Warn().Msg("metrics address changes apply on restart")
	}
	d.logger.Info().Msg("config applied")
}

func serveMetrics(ctx context.Context, addr string) error {
	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		return nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
