package transport

import (
	"sync"

	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// lifecycle carries the state machine and callbacks shared by every adapter.
type lifecycle struct {
	mu      sync.Mutex
	started bool
	closed  bool

	onMessage func(wire.Message)
	onClose   func()
	onError   func(error)
}

func (l *lifecycle) OnMessage(fn func(wire.Message)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

func (l *lifecycle) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *lifecycle) OnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

// markStarted applies the start guard.
func (l *lifecycle) markStarted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return wire.ErrChannelClosed
	}
	if l.started {
		return wire.ErrAlreadyStarted
	}
	l.started = true
	return nil
}

// checkSend reports why a send cannot proceed, if it cannot.
func (l *lifecycle) checkSend() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return wire.ErrChannelClosed
	}
	if !l.started {
		return wire.ErrNotStarted
	}
	return nil
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *lifecycle) deliver(m wire.Message) {
	l.mu.Lock()
	fn := l.onMessage
	l.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (l *lifecycle) reportError(err error) {
	l.mu.Lock()
	fn := l.onError
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// shutdown marks the lifecycle closed, drops every callback, then fires the
// close callback. Only the first caller gets true; it owns resource teardown.
func (l *lifecycle) shutdown() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	fn := l.onClose
	l.onMessage = nil
	l.onError = nil
	l.onClose = nil
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}
