package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// Defaults for websocket transports.
const (
	DefaultHeartbeat    = 30 * time.Second
	DefaultReadLimit    = 16 << 20
	DefaultWriteTimeout = 10 * time.Second
)

// WebSocketOptions tune a websocket transport.
type WebSocketOptions struct {
	// Heartbeat is the ping interval; negative disables pings.
	Heartbeat time.Duration
	// ReadLimit caps a single frame.
	ReadLimit int64
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.Heartbeat == 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// WebSocket adapts a websocket connection. Each text frame carries exactly
// one wire message.
type WebSocket struct {
	lifecycle
	conn   *websocket.Conn
	opts   WebSocketOptions
	cancel context.CancelFunc
}

// DialWebSocket connects to url and returns an unstarted transport.
func DialWebSocket(ctx context.Context, url string, dial *websocket.DialOptions, opts WebSocketOptions) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, dial)
	if err != nil {
		return nil, &wire.ChannelError{Op: "dial", Err: err}
	}
	return NewWebSocket(conn, opts), nil
}

// NewWebSocket wraps an established connection, typically one returned by
// websocket.Accept.
func NewWebSocket(conn *websocket.Conn, opts WebSocketOptions) *WebSocket {
	opts = opts.withDefaults()
	conn.SetReadLimit(opts.ReadLimit)
	return &WebSocket{conn: conn, opts: opts}
}

// Start implements Transport.
func (w *WebSocket) Start(context.Context) error {
	if err := w.markStarted(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	go w.readLoop(ctx)
	if w.opts.Heartbeat > 0 {
		go w.pingLoop(ctx)
	}
	return nil
}

func (w *WebSocket) readLoop(ctx context.Context) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			w.terminate(err)
			return
		}
		m, err := wire.Parse(data)
		if err != nil {
			logx.Log.Debug().Err(err).Msg("websocket: dropping malformed frame")
			w.reportError(err)
			continue
		}
		w.deliver(m)
	}
}

func (w *WebSocket) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, w.opts.Heartbeat)
			err := w.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				w.terminate(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *WebSocket) terminate(err error) {
	if w.isClosed() {
		return
	}
	status := websocket.CloseStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
		w.reportError(&wire.ChannelError{Op: "read", Err: err})
	}
	w.teardown(websocket.StatusGoingAway, "peer gone")
}

// Send implements Transport.
func (w *WebSocket) Send(ctx context.Context, m wire.Message) error {
	if err := w.checkSend(); err != nil {
		return err
	}
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return w.SendRaw(ctx, b)
}

// SendRaw writes an already encoded message.
func (w *WebSocket) SendRaw(ctx context.Context, b []byte) error {
	if err := w.checkSend(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
	defer cancel()
	if err := w.conn.Write(wctx, websocket.MessageText, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.reportError(&wire.ChannelError{Op: "write", Err: err})
		return fmt.Errorf("%w: %v", wire.ErrChannelClosed, err)
	}
	return nil
}

// Close implements Transport.
func (w *WebSocket) Close() error {
	w.teardown(websocket.StatusNormalClosure, "closing")
	return nil
}

func (w *WebSocket) teardown(code websocket.StatusCode, reason string) {
	if !w.shutdown() {
		return
	}
	_ = w.conn.Close(code, reason)
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
