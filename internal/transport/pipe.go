package transport

import (
	"context"
	"io"
	"sync"
)

// Port is a pre-established, ordered, message-oriented 1:1 channel, such as
// the link to a long-lived background worker. Recv returns io.EOF once the
// peer closed and every message it sent has been read.
type Port interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// pipeCore is shared by both ends of an in-memory pipe.
type pipeCore struct {
	done chan struct{}
	once sync.Once
}

func (c *pipeCore) close() {
	c.once.Do(func() { close(c.done) })
}

type pipeEnd struct {
	core *pipeCore
	in   <-chan []byte
	out  chan<- []byte
}

// NewPipe returns two connected in-memory ports. Closing either end closes
// the pipe; messages already sent can still be received.
func NewPipe() (Port, Port) {
	return NewPipeSize(64)
}

// NewPipeSize is NewPipe with an explicit per-direction buffer.
func NewPipeSize(buffer int) (Port, Port) {
	core := &pipeCore{done: make(chan struct{})}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	return &pipeEnd{core: core, in: ba, out: ab}, &pipeEnd{core: core, in: ab, out: ba}
}

func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.core.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- append([]byte(nil), data...):
		return nil
	case <-p.core.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.core.done:
		select {
		case b := <-p.in:
			return b, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.core.close()
	return nil
}
