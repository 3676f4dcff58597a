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

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/toolrelay/internal/bridge"
	"github.com/gaspardpetit/toolrelay/internal/config"
	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/relay"
	"github.com/gaspardpetit/toolrelay/internal/resilient"
	"github.com/gaspardpetit/toolrelay/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// bridgeURL adds the requester role and connection id to base.
func bridgeURL(base, connID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("role", bridge.RoleRequester)
	q.Set("connectionId", connID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func framer(name string) (transport.Framer, error) {
	switch name {
	case config.FramingNewline:
		return transport.NewlineFramer{}, nil
	case config.FramingLength:
		return transport.LengthPrefixFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", name)
	}
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.StdioConfig
	if err := config.Resolve(&cfg, os.Args[1:]); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "toolrelay-stdio version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		// stdout is reserved for protocol traffic
		fmt.Fprintf(os.Stderr, "toolrelay-stdio version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	f, err := framer(cfg.Framing)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("bad framing")
	}
	// keep one connection id across reconnects so a handler still holding an
	// upstream for it reuses that upstream. The bridge session itself starts
	// over: its queue and any reply in flight are lost with the old socket.
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = uuid.NewString()
	}
	target, err := bridgeURL(cfg.BridgeURL, cfg.ConnectionID)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logx.Log.Info().Str("conn_id", cfg.ConnectionID).Str("bridge", cfg.BridgeURL).Str("framing", cfg.Framing).Msg("stdio bridge starting")
	if err := relay.Join(ctx, transport.NewStdio(f), client); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("stdio bridge exited")
	}
	if err := client.LastError(); err != nil && client.State() == resilient.Failed {
		logx.Log.Error().Err(err).Msg("bridge unreachable")
		os.Exit(1)
	}
}
