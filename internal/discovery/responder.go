package discovery

import (
	"context"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// Responder answers discovery requests on behalf of one provider.
type Responder struct {
	Channel      string
	Origin       string
	HandlerID    string
	Capabilities wire.Capabilities
}

// Matches reports whether env is a discovery request this responder answers.
func (r Responder) Matches(env wire.Envelope) bool {
	if env.Type != wire.TypeDiscoveryRequest || env.Dir != wire.ToProvider {
		return false
	}
	if env.Channel != r.Channel || env.ConnectionID == "" {
		return false
	}
	return r.Origin == "" || env.Origin == r.Origin
}

// Answer replies to env when it is a matching discovery request. The medium
// has no return path so the answer is broadcast, addressed by connection id.
func (r Responder) Answer(ctx context.Context, m medium.Medium, env wire.Envelope) (bool, error) {
	if !r.Matches(env) {
		return false, nil
	}
	caps := r.Capabilities
	resp := wire.Envelope{
		Channel:      r.Channel,
		Origin:       r.Origin,
		Dir:          wire.ToRequester,
		Type:         wire.TypeDiscoveryResponse,
		ConnectionID: env.ConnectionID,
		HandlerID:    r.HandlerID,
		Capabilities: &caps,
	}
	b, err := resp.Encode()
	if err != nil {
		return true, err
	}
	logx.Log.Debug().Str("handler_id", r.HandlerID).Str("conn_id", env.ConnectionID).Msg("answering discovery")
	if err := m.Publish(ctx, b); err != nil {
		return true, &wire.ChannelError{Op: "publish discovery response", Err: err}
	}
	return true, nil
}

// Serve answers discovery requests on m until ctx ends. It is meant for
// providers that do not otherwise read the medium.
func (r Responder) Serve(ctx context.Context, m medium.Medium) error {
	ch, err := m.Subscribe(ctx)
	if err != nil {
		return err
	}
	for b := range ch {
		env, err := wire.DecodeEnvelope(b)
		if err != nil {
			continue
		}
		if _, err := r.Answer(ctx, m, env); err != nil {
			logx.Log.Warn().Err(err).Str("handler_id", r.HandlerID).Msg("discovery answer failed")
		}
	}
	return ctx.Err()
}
