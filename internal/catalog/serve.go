package catalog

import (
	"context"
	"errors"
	"sync"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/transport"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// Serve starts t and answers every request it delivers with h until ctx
// ends or the transport closes. Messages from one connection are handled
// one at a time in arrival order; different connections are served
// concurrently, so a slow call never stalls the transport's reader. A
// message that reached t tagged with a connection id is answered with the
// same tag.
func Serve(ctx context.Context, t transport.Transport, h Handler) error {
	hctx, cancel := context.WithCancel(ctx)
	l := newLanes()
	defer func() {
		cancel()
		l.wait()
	}()

	closed := make(chan struct{})
	t.OnClose(func() { close(closed) })
	t.OnError(func(err error) {
		if wire.Recoverable(err) {
			logx.Log.Debug().Err(err).Msg("catalog: dropped message")
			return
		}
		logx.Log.Warn().Err(err).Msg("catalog: transport error")
	})
	t.OnMessage(func(m wire.Message) {
		l.push(m, func(m wire.Message) {
			resp, ok := h.Handle(hctx, m)
			if !ok {
				return
			}
			resp.ConnectionID = m.ConnectionID
			if err := t.Send(hctx, resp); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, wire.ErrChannelClosed) {
				logx.Log.Warn().Err(err).Str("method", m.Method).Str("conn_id", m.ConnectionID).Msg("catalog: reply not sent")
			}
		})
	})
	if err := t.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		_ = t.Close()
		<-closed
		return ctx.Err()
	case <-closed:
		return nil
	}
}

// lanes runs one worker per connection id while that connection has
// messages waiting, keeping each connection's messages in order.
type lanes struct {
	mu    sync.Mutex
	queue map[string][]wire.Message
	wg    sync.WaitGroup
}

func newLanes() *lanes {
	return &lanes{queue: map[string][]wire.Message{}}
}

// push queues m on its connection's lane and starts a worker for the lane
// if none is running. It never blocks.
func (l *lanes) push(m wire.Message, run func(wire.Message)) {
	key := m.ConnectionID
	l.mu.Lock()
	q, running := l.queue[key]
	l.queue[key] = append(q, m)
	if !running {
		l.wg.Add(1)
	}
	l.mu.Unlock()
	if !running {
		go l.work(key, run)
	}
}

func (l *lanes) work(key string, run func(wire.Message)) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queue[key]
		if len(q) == 0 {
			delete(l.queue, key)
			l.mu.Unlock()
			return
		}
		m := q[0]
		l.queue[key] = q[1:]
		l.mu.Unlock()
		run(m)
	}
}

func (l *lanes) wait() { l.wg.Wait() }
