// Package relay splices two transports together.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/transport"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// Join starts a and b and forwards every message each one delivers to the
// other, unchanged, until either closes or ctx ends. Both are closed when
// Join returns. Neither transport may have been started.
func Join(ctx context.Context, a, b transport.Transport) error {
	var once sync.Once
	done := make(chan struct{})
	stop := func() { once.Do(func() { close(done) }) }

	wire1 := func(name string, from, to transport.Transport) {
		from.OnMessage(func(m wire.Message) {
			if err := to.Send(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
				logx.Log.Warn().Err(err).Str("from", name).Str("method", m.Method).Msg("relay: forward failed")
			}
		})
		from.OnError(func(err error) {
			if wire.Recoverable(err) {
				logx.Log.Debug().Err(err).Str("side", name).Msg("relay: dropped message")
				return
			}
			logx.Log.Warn().Err(err).Str("side", name).Msg("relay: transport error")
		})
		from.OnClose(func() {
			logx.Log.Debug().Str("side", name).Msg("relay: side closed")
			stop()
		})
	}
	wire1("a", a, b)
	wire1("b", b, a)

	if err := a.Start(ctx); err != nil {
		_ = b.Close()
		return err
	}
	if err := b.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = a.Close()
	_ = b.Close()
	return err
}
