package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// recorder captures every callback a transport fires.
type recorder struct {
	msgs   chan wire.Message
	errs   chan error
	closed chan struct{}
	closes atomic.Int32
}

func record(t Transport) *recorder {
	r := &recorder{
		msgs:   make(chan wire.Message, 64),
		errs:   make(chan error, 64),
		closed: make(chan struct{}, 8),
	}
	t.OnMessage(func(m wire.Message) { r.msgs <- m })
	t.OnError(func(err error) { r.errs <- err })
	t.OnClose(func() {
		r.closes.Add(1)
		r.closed <- struct{}{}
	})
	return r
}

func (r *recorder) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return wire.Message{}
	}
}

func (r *recorder) nextErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func (r *recorder) noMessage(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-r.msgs:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(d):
	}
}

func mustRequest(t *testing.T, id wire.ID, method string, params any) wire.Message {
	t.Helper()
	m, err := wire.NewRequest(id, method, params)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func mustResponse(t *testing.T, id wire.ID, result any) wire.Message {
	t.Helper()
	m, err := wire.NewResponse(id, result)
	if err != nil {
		t.Fatal(err)
	}
	return m
}
