// Package transport implements the channel adapters. Each adapter binds one
// physical channel (broadcast medium, duplex port, websocket, byte stream) to
// the same Transport contract so consumers never care which one they hold.
package transport

import (
	"context"

	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// Transport is the contract every channel adapter implements.
//
// Callbacks must be registered before Start. They are invoked from a single
// goroutine per transport, in the order the peer sent the messages. Close
// deregisters every callback before OnClose fires, and OnClose fires exactly
// once whether the local side or the peer closed.
type Transport interface {
	// Start opens the channel. A second call fails with wire.ErrAlreadyStarted.
	// ctx bounds the start-up only, not the lifetime of the channel.
	Start(ctx context.Context) error
	// Send delivers one message. It fails with wire.ErrNotStarted or
	// wire.ErrChannelClosed.
	Send(ctx context.Context, msg wire.Message) error
	// Close is idempotent and always safe.
	Close() error

	OnMessage(func(wire.Message))
	OnClose(func())
	OnError(func(error))
}

// Targeted is implemented by transports that can address one connection
// among several, such as a broadcast provider.
type Targeted interface {
	SendTo(ctx context.Context, connID string, msg wire.Message) error
}
