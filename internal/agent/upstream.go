package agent

import (
	"context"

	"github.com/gaspardpetit/toolrelay/internal/catalog"
	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/medium"
	"github.com/gaspardpetit/toolrelay/internal/transport"
)

// Upstream opens the transport that serves one bridge connection. The
// returned transport must not have been started.
type Upstream func(ctx context.Context, connID string) (transport.Transport, error)

// Local serves every connection from h in process, over a duplex pipe.
func Local(h catalog.Handler) Upstream {
	return func(ctx context.Context, connID string) (transport.Transport, error) {
		near, far := transport.NewPipe()
		go func() {
			if err := catalog.Serve(ctx, transport.NewDuplex(far), h); err != nil && ctx.Err() == nil {
				logx.Log.Warn().Err(err).Str("conn_id", connID).Msg("local catalog stopped")
			}
		}()
		return transport.NewDuplex(near), nil
	}
}

// Broadcast forwards every connection to a provider discovered on m. Each
// connection binds on its own, so connections may land on different
// providers.
func Broadcast(m medium.Medium, opts transport.BroadcastOptions) Upstream {
	return func(_ context.Context, connID string) (transport.Transport, error) {
		o := opts
		o.ConnectionID = connID
		return transport.NewBroadcastRequester(m, o), nil
	}
}
