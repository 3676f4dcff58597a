package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gaspardpetit/toolrelay/internal/transport"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// endpoint is the far side of one half of a relay.
type endpoint struct {
	t    *transport.Duplex
	msgs chan wire.Message
	done chan struct{}
}

func newEndpoint(t *testing.T, p transport.Port) *endpoint {
	t.Helper()
	e := &endpoint{t: transport.NewDuplex(p), msgs: make(chan wire.Message, 16), done: make(chan struct{})}
	e.t.OnMessage(func(m wire.Message) { e.msgs <- m })
	e.t.OnClose(func() { close(e.done) })
	require.NoError(t, e.t.Start(context.Background()))
	return e
}

func (e *endpoint) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case m := <-e.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return wire.Message{}
	}
}

// pair returns an unstarted transport for the relay and a started endpoint
// talking to it.
func pair(t *testing.T) (transport.Transport, *endpoint) {
	near, far := transport.NewPipe()
	return transport.NewDuplex(near), newEndpoint(t, far)
}

func TestJoinForwardsBothWays(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a, left := pair(t)
	b, right := pair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Join(ctx, a, b) }()

	req, err := wire.NewRequest(wire.NumberID(1), "tools/list", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return left.t.Send(ctx, req) == nil }, time.Second, 10*time.Millisecond)
	got := right.next(t)
	require.Equal(t, "tools/list", got.Method)
	require.Equal(t, wire.NumberID(1), got.ID)

	resp, err := wire.NewResponse(wire.NumberID(1), map[string]any{"tools": []any{}})
	require.NoError(t, err)
	require.NoError(t, right.t.Send(ctx, resp))
	back := left.next(t)
	require.True(t, back.IsReply())
	require.Equal(t, wire.NumberID(1), back.ID)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	_ = left.t.Close()
	_ = right.t.Close()
}

func TestJoinEndsWhenOneSideCloses(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a, left := pair(t)
	b, right := pair(t)

	errc := make(chan error, 1)
	go func() { errc <- Join(context.Background(), a, b) }()

	// give Join a moment to start both sides before the far end goes away
	n, err := wire.NewNotification("ping", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return left.t.Send(context.Background(), n) == nil }, time.Second, 10*time.Millisecond)
	right.next(t)

	require.NoError(t, left.t.Close())
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return")
	}
	select {
	case <-right.done:
	case <-time.After(2 * time.Second):
		t.Fatal("far side not closed")
	}
}
