package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/toolrelay/internal/bridge"
	"github.com/gaspardpetit/toolrelay/internal/bridgestate"
	"github.com/gaspardpetit/toolrelay/internal/config"
	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/metrics"
	"github.com/gaspardpetit/toolrelay/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// defaults < file < env < args
	if err := config.Resolve(&cfg, os.Args[1:]); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "toolrelay-bridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("toolrelay-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo("bridge", version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store bridgestate.Store = bridgestate.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := bridgestate.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		store = rs
		logx.Log.Info().Msg("using redis state store")
	}

	mux := bridge.NewMultiplexer(bridge.Options{MaxQueue: cfg.MaxQueue})
	ws := bridge.NewServer(mux, bridge.ServerOptions{
		Heartbeat:      cfg.Heartbeat,
		SendBuffer:     cfg.SendBuffer,
		OriginPatterns: cfg.AllowedOrigins,
	})

	host, _ := os.Hostname()
	pub := &bridgestate.Publisher{
		Store:    store,
		BridgeID: fmt.Sprintf("%s:%d", host, cfg.Port),
		Version:  version,
		Interval: cfg.StateInterval,
		Source:   mux.Snapshot,
		Host:     true,
	}
	go pub.Run(ctx)

	opts := server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		ClientKey:      cfg.ClientKey,
		State:          pub,
		Store:          store,
	}
	var metricsSrv *http.Server
	if cfg.MetricsListenAddr() == cfg.ListenAddr() {
		opts.Metrics = reg
	} else {
		m := http.NewServeMux()
		m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsListenAddr(), Handler: m, ReadHeaderTimeout: 10 * time.Second}
	}
	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: server.New(ws, opts), ReadHeaderTimeout: 10 * time.Second}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		bridgestate.StartDrain()
		logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
		go func() {
			<-sigCh
			logx.Log.Warn().Msg("termination requested")
			os.Exit(1)
		}()
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		// websockets are hijacked and survive Shutdown
		mux.Close()
		waited := make(chan struct{})
		go func() {
			ws.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-shutdownCtx.Done():
			logx.Log.Warn().Msg("drain timeout exceeded; terminating")
		}
		cancel()
	}()

	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", metricsSrv.Addr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if cfg.ClientKey != "" {
		logx.Log.Info().Msg("client key required")
	}
	bridgestate.SetStatus(bridgestate.StatusReady)
	logx.Log.Info().Int("port", cfg.Port).Str("path", server.ConnectPath).Msg("bridge starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-ctx.Done()
	logx.Log.Info().Msg("bridge stopped")
}
