package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

func caps(name string) wire.Capabilities {
	return wire.Capabilities{
		Identity:        wire.Identity{Name: name, Version: "1.0.0"},
		FeatureFlags:    []string{"tools"},
		ProtocolVersion: "2025-06-18",
	}
}

func serve(t *testing.T, m medium.Medium, r Responder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ready := make(chan struct{})
	go func() {
		ch, err := m.Subscribe(ctx)
		if err != nil {
			close(ready)
			return
		}
		close(ready)
		for b := range ch {
			env, err := wire.DecodeEnvelope(b)
			if err != nil {
				continue
			}
			_, _ = r.Answer(ctx, m, env)
		}
	}()
	<-ready
}

func TestDiscoverFirstProvider(t *testing.T) {
	m := medium.NewMemory("discovery")
	defer m.Close()
	serve(t, m, Responder{Channel: "tools", HandlerID: "h1", Capabilities: caps("sandbox")})

	found, err := Discover(context.Background(), m, Options{Channel: "tools", ConnectionID: "c1", Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "h1", found[0].HandlerID)
	assert.Equal(t, "sandbox", found[0].Capabilities.Identity.Name)
}

func TestDiscoverDeduplicatesHandlerIdentity(t *testing.T) {
	m := medium.NewMemory("discovery")
	defer m.Close()
	serve(t, m, Responder{Channel: "tools", HandlerID: "same", Capabilities: caps("a")})
	serve(t, m, Responder{Channel: "tools", HandlerID: "same", Capabilities: caps("b")})

	found, err := Discover(context.Background(), m, Options{Channel: "tools", ConnectionID: "c1", Timeout: 200 * time.Millisecond, EnumerateAll: true})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestDiscoverEnumeratesDistinctProviders(t *testing.T) {
	m := medium.NewMemory("discovery")
	defer m.Close()
	serve(t, m, Responder{Channel: "tools", HandlerID: "h1", Capabilities: caps("a")})
	serve(t, m, Responder{Channel: "tools", HandlerID: "h2", Capabilities: caps("b")})
	serve(t, m, Responder{Channel: "other", HandlerID: "h3", Capabilities: caps("c")})

	found, err := Discover(context.Background(), m, Options{Channel: "tools", ConnectionID: "c1", Timeout: 200 * time.Millisecond, EnumerateAll: true})
	require.NoError(t, err)
	ids := []string{}
	for _, p := range found {
		ids = append(ids, p.HandlerID)
	}
	assert.ElementsMatch(t, []string{"h1", "h2"}, ids)
}

func TestDiscoverTimeout(t *testing.T) {
	m := medium.NewMemory("discovery")
	defer m.Close()
	serve(t, m, Responder{Channel: "tools", Origin: "https://other.example", HandlerID: "h1", Capabilities: caps("a")})

	r := NewRequester(Options{Channel: "tools", Origin: "https://app.example", ConnectionID: "c1", Timeout: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := m.Subscribe(ctx)
	require.NoError(t, err)
	go func() {
		for b := range ch {
			if env, err := wire.DecodeEnvelope(b); err == nil {
				r.Offer(env)
			}
		}
	}()
	_, err = r.Discover(ctx, m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, wire.ErrNoProviderFound))
	var te *TimeoutError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, NoProviderFound, r.State())
}

func TestOfferIgnoresForeignAnswers(t *testing.T) {
	r := NewRequester(Options{Channel: "tools", ConnectionID: "c1"})
	c := caps("a")
	env := wire.Envelope{Channel: "tools", Dir: wire.ToRequester, Type: wire.TypeDiscoveryResponse, ConnectionID: "c1", HandlerID: "h1", Capabilities: &c}
	assert.False(t, r.Offer(env), "idle requester must not accept answers")

	r.state = Discovering
	r.seen = map[string]bool{}
	other := env
	other.ConnectionID = "c2"
	assert.False(t, r.Offer(other))
	assert.True(t, r.Offer(env))
	assert.False(t, r.Offer(env), "duplicate handler id")
}

func TestResponderMatches(t *testing.T) {
	r := Responder{Channel: "tools", Origin: "app", HandlerID: "h"}
	ok := wire.Envelope{Channel: "tools", Origin: "app", Dir: wire.ToProvider, Type: wire.TypeDiscoveryRequest, ConnectionID: "c"}
	assert.True(t, r.Matches(ok))
	bad := ok
	bad.Origin = "evil"
	assert.False(t, r.Matches(bad))
	bad = ok
	bad.Dir = wire.ToRequester
	assert.False(t, r.Matches(bad))
}
