package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gaspardpetit/toolrelay/internal/catalog"
	"github.com/gaspardpetit/toolrelay/internal/config"
	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/metrics"
	"github.com/gaspardpetit/toolrelay/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ProviderConfig
	if err := config.Resolve(&cfg, os.Args[1:]); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "toolrelay-provider version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("toolrelay-provider version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo("provider", version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := medium.Open(ctx, cfg.Medium)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("medium", cfg.Medium.Kind).Msg("open medium")
	}
	defer func() { _ = m.Close() }()

	cat := catalog.NewDefault(cfg.Name, version)
	p := transport.NewBroadcastProvider(m, transport.BroadcastOptions{
		Channel:      cfg.Channel,
		Origin:       cfg.Origin,
		HandlerID:    cfg.HandlerID,
		Capabilities: cat.Capabilities(),
	})
	logx.Log.Info().Str("handler_id", p.HandlerID()).Str("medium", cfg.Medium.Kind).Strs("tools", cat.Tools()).Msg("provider starting")
	if err := catalog.Serve(ctx, p, cat); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("provider exited")
	}
	logx.Log.Info().Msg("provider stopped")
}
