package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// Stream adapts an ordered byte stream (stdio, a socket, a serial line)
// using a Framer to find message boundaries.
type Stream struct {
	lifecycle
	r      io.Reader
	w      io.Writer
	framer Framer
	wmu    sync.Mutex
}

// NewStream reads frames from r and writes them to w. A nil framer selects
// NewlineFramer.
func NewStream(r io.Reader, w io.Writer, framer Framer) *Stream {
	if framer == nil {
		framer = NewlineFramer{}
	}
	return &Stream{r: r, w: w, framer: framer}
}

// NewStdio binds a stream transport to the process' standard input and
// output.
func NewStdio(framer Framer) *Stream {
	return NewStream(os.Stdin, os.Stdout, framer)
}

// Start implements Transport.
func (s *Stream) Start(context.Context) error {
	if err := s.markStarted(); err != nil {
		return err
	}
	go s.readLoop()
	return nil
}

func (s *Stream) readLoop() {
	br := bufio.NewReaderSize(s.r, 64<<10)
	for {
		frame, err := s.framer.ReadFrame(br)
		if err != nil {
			var se *wire.StructuralError
			if errors.As(err, &se) {
				logx.Log.Debug().Err(err).Msg("stream: skipping frame")
				s.reportError(err)
				continue
			}
			s.terminate(err)
			return
		}
		m, err := wire.Parse(frame)
		if err != nil {
			logx.Log.Debug().Err(err).Msg("stream: dropping malformed message")
			s.reportError(err)
			continue
		}
		s.deliver(m)
	}
}

func (s *Stream) terminate(err error) {
	if s.isClosed() {
		return
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		s.reportError(&wire.ChannelError{Op: "read", Err: err})
	}
	s.teardown()
}

// Send implements Transport. Writes are serialized so frames never
// interleave.
func (s *Stream) Send(ctx context.Context, m wire.Message) error {
	if err := s.checkSend(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := m.Encode()
	if err != nil {
		return err
	}
	s.wmu.Lock()
	err = s.framer.WriteFrame(s.w, b)
	s.wmu.Unlock()
	var se *wire.StructuralError
	if errors.As(err, &se) {
		return err
	}
	if err != nil {
		s.reportError(&wire.ChannelError{Op: "write", Err: err})
		return fmt.Errorf("%w: %v", wire.ErrChannelClosed, err)
	}
	return nil
}

// Close implements Transport.
func (s *Stream) Close() error {
	s.teardown()
	return nil
}

func (s *Stream) teardown() {
	if !s.shutdown() {
		return
	}
	if c, ok := s.w.(io.Closer); ok {
		_ = c.Close()
	}
	if c, ok := s.r.(io.Closer); ok {
		_ = c.Close()
	}
}
