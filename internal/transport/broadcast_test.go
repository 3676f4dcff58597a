package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

func testCaps() wire.Capabilities {
	return wire.Capabilities{
		Identity:        wire.Identity{Name: "sandbox", Version: "1.0.0"},
		FeatureFlags:    []string{"tools"},
		ProtocolVersion: "2025-06-18",
	}
}

// echoProvider starts a provider that answers every request with its params.
func echoProvider(t *testing.T, m medium.Medium, opts BroadcastOptions) (*BroadcastProvider, *recorder) {
	t.Helper()
	p := NewBroadcastProvider(m, opts)
	rec := record(p)
	p.OnMessage(func(msg wire.Message) {
		rec.msgs <- msg
		if msg.Kind() == wire.KindRequest {
			resp := wire.Message{JSONRPC: wire.Version, ID: msg.ID, Result: msg.Params}
			if len(resp.Result) == 0 {
				resp.Result = []byte(`{}`)
			}
			_ = p.Send(context.Background(), resp)
		}
	})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p, rec
}

func TestBroadcastRequesterBindsAndCorrelates(t *testing.T) {
	ctx := context.Background()
	m := medium.NewMemory("bcast")
	defer m.Close()
	opts := BroadcastOptions{Channel: "tools", Capabilities: testCaps(), DiscoveryTimeout: time.Second}
	p, _ := echoProvider(t, m, opts)

	r1 := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", DiscoveryTimeout: time.Second})
	r2 := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", DiscoveryTimeout: time.Second})
	rec1, rec2 := record(r1), record(r2)
	require.NoError(t, r1.Start(ctx))
	require.NoError(t, r2.Start(ctx))
	defer r1.Close()
	defer r2.Close()

	assert.Equal(t, p.HandlerID(), r1.HandlerID())
	got, ok := r1.Capabilities()
	require.True(t, ok)
	assert.Equal(t, "sandbox", got.Identity.Name)

	require.NoError(t, r1.Send(ctx, mustRequest(t, wire.StringID("one"), "tools/call", map[string]string{"from": "r1"})))
	require.NoError(t, r2.Send(ctx, mustRequest(t, wire.StringID("two"), "tools/call", map[string]string{"from": "r2"})))

	m1 := rec1.next(t)
	assert.Equal(t, wire.StringID("one"), m1.ID)
	assert.JSONEq(t, `{"from":"r1"}`, string(m1.Result))
	m2 := rec2.next(t)
	assert.Equal(t, wire.StringID("two"), m2.ID)
	rec1.noMessage(t, 50*time.Millisecond)
	rec2.noMessage(t, 50*time.Millisecond)

	assert.ElementsMatch(t, []string{r1.ConnectionID(), r2.ConnectionID()}, p.ActiveConnections())
	assert.Equal(t, 0, p.Pending())
}

func TestBroadcastRequesterSendBeforeStart(t *testing.T) {
	m := medium.NewMemory("bcast")
	defer m.Close()
	r := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools"})
	err := r.Send(context.Background(), mustRequest(t, wire.NumberID(1), "x", nil))
	assert.ErrorIs(t, err, wire.ErrNotStarted)
}

func TestBroadcastRequesterNoProvider(t *testing.T) {
	m := medium.NewMemory("bcast")
	defer m.Close()
	r := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", DiscoveryTimeout: 50 * time.Millisecond})
	rec := record(r)

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, wire.ErrNoProviderFound)
	rec.waitClosed(t)
	assert.ErrorIs(t, r.Start(context.Background()), wire.ErrChannelClosed)
}

func TestBroadcastIgnoresOtherChannelAndOrigin(t *testing.T) {
	m := medium.NewMemory("bcast")
	defer m.Close()
	echoProvider(t, m, BroadcastOptions{Channel: "other", Capabilities: testCaps()})
	echoProvider(t, m, BroadcastOptions{Channel: "tools", Origin: "https://a.example", Capabilities: testCaps()})

	r := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", Origin: "https://b.example", DiscoveryTimeout: 100 * time.Millisecond})
	record(r)
	assert.ErrorIs(t, r.Start(context.Background()), wire.ErrNoProviderFound)
}

func TestBroadcastProviderRejectsDuplicateAndUnknownIDs(t *testing.T) {
	ctx := context.Background()
	m := medium.NewMemory("bcast")
	defer m.Close()
	p := NewBroadcastProvider(m, BroadcastOptions{Channel: "tools", Capabilities: testCaps()})
	prec := record(p)
	require.NoError(t, p.Start(ctx))
	defer p.Close()

	r := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", DiscoveryTimeout: time.Second})
	record(r)
	require.NoError(t, r.Start(ctx))
	defer r.Close()

	req := mustRequest(t, wire.NumberID(5), "slow", nil)
	require.NoError(t, r.Send(ctx, req))
	require.NoError(t, r.Send(ctx, req))

	got := prec.next(t)
	assert.Equal(t, "slow", got.Method)
	assert.Equal(t, r.ConnectionID(), got.ConnectionID)
	assert.True(t, wire.IsProtocol(prec.nextErr(t), wire.DuplicateRequestID))
	prec.noMessage(t, 50*time.Millisecond)

	err := p.Send(ctx, mustResponse(t, wire.NumberID(99), "nope"))
	assert.True(t, wire.IsProtocol(err, wire.UnknownRequestID))
}

func TestBroadcastNotificationFansOut(t *testing.T) {
	ctx := context.Background()
	m := medium.NewMemory("bcast")
	defer m.Close()
	p, _ := echoProvider(t, m, BroadcastOptions{Channel: "tools", Capabilities: testCaps()})

	var recs []*recorder
	for i := 0; i < 2; i++ {
		r := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", DiscoveryTimeout: time.Second})
		recs = append(recs, record(r))
		require.NoError(t, r.Start(ctx))
		defer r.Close()
	}
	require.Eventually(t, func() bool { return len(p.ActiveConnections()) == 2 }, time.Second, 10*time.Millisecond)

	note, err := wire.NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, note))
	for _, rec := range recs {
		assert.Equal(t, "notifications/tools/list_changed", rec.next(t).Method)
	}
}

func TestBroadcastDisconnectForgetsConnection(t *testing.T) {
	ctx := context.Background()
	m := medium.NewMemory("bcast")
	defer m.Close()
	p, _ := echoProvider(t, m, BroadcastOptions{Channel: "tools", Capabilities: testCaps()})

	r := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", DiscoveryTimeout: time.Second})
	record(r)
	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return len(p.ActiveConnections()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, r.Close())
	require.Eventually(t, func() bool { return len(p.ActiveConnections()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastProviderCloseReachesRequester(t *testing.T) {
	ctx := context.Background()
	m := medium.NewMemory("bcast")
	defer m.Close()
	p := NewBroadcastProvider(m, BroadcastOptions{Channel: "tools", Capabilities: testCaps()})
	record(p)
	require.NoError(t, p.Start(ctx))

	r := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", DiscoveryTimeout: time.Second})
	rec := record(r)
	require.NoError(t, r.Start(ctx))

	require.NoError(t, p.Close())
	rec.waitClosed(t)
	assert.ErrorIs(t, r.Send(ctx, mustRequest(t, wire.NumberID(1), "x", nil)), wire.ErrChannelClosed)
}

func TestBroadcastCloseFiresOnCloseOnce(t *testing.T) {
	ctx := context.Background()
	m := medium.NewMemory("bcast")
	defer m.Close()
	p := NewBroadcastProvider(m, BroadcastOptions{Channel: "tools", Capabilities: testCaps()})
	prec := record(p)
	require.NoError(t, p.Start(ctx))

	r := NewBroadcastRequester(m, BroadcastOptions{Channel: "tools", DiscoveryTimeout: time.Second})
	rrec := record(r)
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	rrec.waitClosed(t)
	prec.waitClosed(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), rrec.closes.Load())
	assert.Equal(t, int32(1), prec.closes.Load())
}
