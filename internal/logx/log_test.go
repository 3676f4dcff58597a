package logx_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolrelay/internal/logx"
)

func TestConfigureLogLevel(t *testing.T) {
	logx.Configure("all")
	if zerolog.GlobalLevel() != zerolog.TraceLevel {
		t.Fatalf("expected trace level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("WARNING")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("none")
	if zerolog.GlobalLevel() != zerolog.Disabled {
		t.Fatalf("expected disabled level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("bogus")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestComponentField(t *testing.T) {
	logx.Configure("info")
	var buf bytes.Buffer
	prev := logx.Log
	logx.Log = zerolog.New(&buf)
	defer func() { logx.Log = prev }()

	l := logx.Component("bridge")
	l.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"component":"bridge"`) {
		t.Fatalf("missing component field: %s", buf.String())
	}
}
