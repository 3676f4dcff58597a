package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/toolrelay/internal/resilient"
)

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		want        string
	}{
		{name: "linux", goos: "linux", home: "/home/user", want: "/etc/toolrelay/bridge.yaml"},
		{name: "darwin", goos: "darwin", home: "/Users/test", want: "/Users/test/Library/Application Support/toolrelay/bridge.yaml"},
		{name: "windows", goos: "windows", programData: "D:\\Data\\", want: "D:/Data/toolrelay/bridge.yaml"},
		{name: "windows default ProgramData", goos: "windows", want: "C:/ProgramData/toolrelay/bridge.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveConfigPath(tt.goos, tt.home, tt.programData, "bridge.yaml")
			assert.Equal(t, tt.want, strings.ReplaceAll(got, "\\", "/"))
		})
	}
}

func TestFileFromArgs(t *testing.T) {
	assert.Equal(t, "a.yaml", FileFromArgs([]string{"--port", "1", "--config", "a.yaml"}))
	assert.Equal(t, "b.toml", FileFromArgs([]string{"-config=b.toml"}))
	assert.Equal(t, "", FileFromArgs([]string{"--config"}))
	assert.Equal(t, "", FileFromArgs(nil))
}

func TestSplitComma(t *testing.T) {
	assert.Nil(t, splitComma(""))
	assert.Equal(t, []string{"a", "b"}, splitComma(" a, ,b "))
}

func TestBridgeDefaults(t *testing.T) {
	var c BridgeConfig
	c.SetDefaults()
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 1024, c.MaxQueue)
	assert.Equal(t, 15*time.Second, c.Heartbeat)
	assert.Equal(t, ":8080", c.MetricsListenAddr())
	c.MetricsAddr = ":9090"
	assert.Equal(t, ":9090", c.MetricsListenAddr())
}

func TestBridgePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nmax_queue: 5\nheartbeat: 3s\nallowed_origins: [\"https://a\"]\n"), 0o600))

	var c BridgeConfig
	c.SetDefaults()
	require.NoError(t, c.LoadFile(path))
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, 5, c.MaxQueue)
	assert.Equal(t, 3*time.Second, c.Heartbeat)
	assert.Equal(t, []string{"https://a"}, c.AllowedOrigins)

	t.Setenv("MAX_QUEUE", "7")
	t.Setenv("METRICS_PORT", "9100")
	t.Setenv("ALLOWED_ORIGINS", "https://b,https://c")
	c.ApplyEnv()
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, 7, c.MaxQueue)
	assert.Equal(t, ":9100", c.MetricsAddr)
	assert.Equal(t, []string{"https://b", "https://c"}, c.AllowedOrigins)

	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	c.BindFlagsFromCurrent(fs)
	require.NoError(t, fs.Parse([]string{"--max-queue", "9", "--metrics-port", "127.0.0.1:9200"}))
	assert.Equal(t, 9, c.MaxQueue)
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, "127.0.0.1:9200", c.MetricsAddr)
}

func TestHandlerTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "handler.toml")
	body := `
bridge_url = "ws://bridge:8080/connect"
upstream = "broadcast"
idle_timeout = "30s"

[medium]
kind = "nats"
url = "nats://127.0.0.1:4222"
channel = "tools"

[reconnect]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
max_retries = 4
connect_timeout = "1s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	var c HandlerConfig
	c.SetDefaults()
	require.NoError(t, c.LoadFile(path))
	assert.Equal(t, "ws://bridge:8080/connect", c.BridgeURL)
	assert.Equal(t, UpstreamBroadcast, c.Upstream)
	assert.Equal(t, 30*time.Second, c.IdleTimeout)
	assert.Equal(t, "nats", c.Medium.Kind)
	assert.Equal(t, "tools", c.Medium.Channel)
	assert.Equal(t, resilient.Policy{
		InitialDelay:   250 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       5 * time.Second,
		MaxRetries:     4,
		ConnectTimeout: time.Second,
	}, c.Reconnect)

	t.Setenv("RECONNECT_MAX_RETRIES", "0")
	t.Setenv("MEDIUM_CHANNEL", "other")
	c.ApplyEnv()
	assert.Equal(t, 0, c.Reconnect.MaxRetries)
	assert.Equal(t, "other", c.Medium.Channel)
}

func TestHandlerDefaults(t *testing.T) {
	var c HandlerConfig
	c.SetDefaults()
	assert.NotEmpty(t, c.HandlerID)
	assert.NotEmpty(t, c.Name)
	assert.Equal(t, UpstreamLocal, c.Upstream)
	assert.Equal(t, resilient.DefaultPolicy(), c.Reconnect)
}

func TestProviderFlags(t *testing.T) {
	var c ProviderConfig
	c.SetDefaults()
	fs := flag.NewFlagSet("provider", flag.ContinueOnError)
	c.BindFlagsFromCurrent(fs)
	require.NoError(t, fs.Parse([]string{"--medium", "memory", "--origin", "app://a", "--handler-id", "h1"}))
	assert.Equal(t, "memory", c.Medium.Kind)
	assert.Equal(t, "app://a", c.Origin)
	assert.Equal(t, "h1", c.HandlerID)
}

func TestStdioEnv(t *testing.T) {
	var c StdioConfig
	c.SetDefaults()
	assert.Equal(t, FramingNewline, c.Framing)
	assert.Equal(t, "warn", c.LogLevel)
	t.Setenv("FRAMING", FramingLength)
	t.Setenv("RECONNECT_INITIAL_DELAY", "2s")
	c.ApplyEnv()
	assert.Equal(t, FramingLength, c.Framing)
	assert.Equal(t, 2*time.Second, c.Reconnect.InitialDelay)
}

func TestLoadOptional(t *testing.T) {
	var c BridgeConfig
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	require.NoError(t, LoadOptional(missing, false, &c))
	require.Error(t, LoadOptional(missing, true, &c))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("port: [\n"), 0o600))
	require.Error(t, LoadOptional(bad, false, &c))
}

func TestResolveLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bridge_url: ws://file/connect\nframing: length\nmax_queue: 3\n"), 0o600))
	t.Setenv("MAX_QUEUE", "8")

	var c StdioConfig
	require.NoError(t, Resolve(&c, []string{"--config", path}))
	assert.Equal(t, "ws://file/connect", c.BridgeURL)
	assert.Equal(t, FramingLength, c.Framing)
	assert.Equal(t, 8, c.MaxQueue)

	var missing StdioConfig
	require.Error(t, Resolve(&missing, []string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}))
}
