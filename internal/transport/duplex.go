package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// Duplex adapts a Port. Identity is implicit in which port the caller was
// handed; there is no discovery.
type Duplex struct {
	lifecycle
	port   Port
	cancel context.CancelFunc
}

// NewDuplex wraps p. The transport owns p from Start on.
func NewDuplex(p Port) *Duplex {
	return &Duplex{port: p}
}

// Start implements Transport.
func (d *Duplex) Start(context.Context) error {
	if err := d.markStarted(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	go d.readLoop(ctx)
	return nil
}

func (d *Duplex) readLoop(ctx context.Context) {
	for {
		b, err := d.port.Recv(ctx)
		if err != nil {
			d.terminate(err)
			return
		}
		m, err := wire.Parse(b)
		if err != nil {
			logx.Log.Debug().Err(err).Msg("duplex: dropping malformed message")
			d.reportError(err)
			continue
		}
		d.deliver(m)
	}
}

// terminate handles the end of the read side. Peer-initiated closure
// surfaces as OnClose exactly once.
func (d *Duplex) terminate(err error) {
	if d.isClosed() {
		return
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, context.Canceled) {
		d.reportError(&wire.ChannelError{Op: "recv", Err: err})
	}
	d.teardown()
}

// Send implements Transport. A send racing a closure is reported through
// OnError and returned as wire.ErrChannelClosed.
func (d *Duplex) Send(ctx context.Context, m wire.Message) error {
	if err := d.checkSend(); err != nil {
		return err
	}
	b, err := m.Encode()
	if err != nil {
		return err
	}
	if err := d.port.Send(ctx, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.reportError(&wire.ChannelError{Op: "send", Err: err})
		return fmt.Errorf("%w: %v", wire.ErrChannelClosed, err)
	}
	return nil
}

// Close implements Transport.
func (d *Duplex) Close() error {
	d.teardown()
	return nil
}

func (d *Duplex) teardown() {
	if !d.shutdown() {
		return
	}
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = d.port.Close()
}
