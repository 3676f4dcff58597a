package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/toolrelay/internal/agent"
	"github.com/gaspardpetit/toolrelay/internal/bridge"
	"github.com/gaspardpetit/toolrelay/internal/catalog"
	"github.com/gaspardpetit/toolrelay/internal/config"
	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/metrics"
	"github.com/gaspardpetit/toolrelay/internal/resilient"
	"github.com/gaspardpetit/toolrelay/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// bridgeURL adds the handler role and id to base.
func bridgeURL(base, handlerID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("role", bridge.RoleHandler)
	q.Set("handlerId", handlerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.HandlerConfig
	if err := config.Resolve(&cfg, os.Args[1:]); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "toolrelay-handler version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("toolrelay-handler version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo("handler", version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		m := http.NewServeMux()
		m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
	}

	var up agent.Upstream
	switch cfg.Upstream {
	case config.UpstreamLocal:
		up = agent.Local(catalog.NewDefault(cfg.Name, version))
	case config.UpstreamBroadcast:
		m, err := medium.Open(ctx, cfg.Medium)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("medium", cfg.Medium.Kind).Msg("open medium")
		}
		defer func() { _ = m.Close() }()
		up = agent.Broadcast(m, transport.BroadcastOptions{
			Channel:          cfg.Channel,
			Origin:           cfg.Origin,
			DiscoveryTimeout: cfg.DiscoveryTimeout,
		})
	default:
		logx.Log.Fatal().Str("upstream", cfg.Upstream).Msg("unknown upstream kind")
	}

	target, err := bridgeURL(cfg.BridgeURL, cfg.HandlerID)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("url", cfg.BridgeURL).Msg("bad bridge url")
	}
	dial := &websocket.DialOptions{}
	if cfg.ClientKey != "" {
		dial.HTTPHeader = http.Header{"Authorization": {"Bearer " + cfg.ClientKey}}
	}
	client := resilient.New(resilient.WebSocketDialer(target, dial, transport.WebSocketOptions{}), resilient.Options{
		Policy:   cfg.Reconnect,
		MaxQueue: cfg.MaxQueue,
	})
	client.OnStateChange(func(s resilient.State) {
		logx.Log.Info().Str("state", s.String()).Str("handler_id", cfg.HandlerID).Msg("bridge link")
	})

	logx.Log.Info().Str("handler_id", cfg.HandlerID).Str("name", cfg.Name).Str("upstream", cfg.Upstream).Str("bridge", cfg.BridgeURL).Msg("handler starting")
	err = agent.New(client, up, agent.Options{IdleTimeout: cfg.IdleTimeout}).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("handler exited")
	}
	logx.Log.Info().Msg("handler stopped")
}
