package bridge

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// HeaderRole may carry the role instead of the role query parameter.
const HeaderRole = "X-Toolrelay-Role"

// ErrBackpressure is returned when a peer's send buffer is full.
var ErrBackpressure = errors.New("peer send buffer full")

// ServerOptions tune the websocket front of the multiplexer.
type ServerOptions struct {
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	// SendBuffer is the number of frames a peer may have waiting to be
	// written before sends fail with ErrBackpressure.
	SendBuffer int
	// OriginPatterns are passed to websocket.Accept; empty accepts
	// same-origin requests only.
	OriginPatterns []string
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Heartbeat == 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 16 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Server accepts requester and handler websockets for a Multiplexer.
type Server struct {
	mux  *Multiplexer
	opts ServerOptions

	wg sync.WaitGroup
}

// NewServer returns a server feeding m.
func NewServer(m *Multiplexer, opts ServerOptions) *Server {
	return &Server{mux: m, opts: opts.withDefaults()}
}

// Multiplexer returns the multiplexer behind the server.
func (s *Server) Multiplexer() *Multiplexer { return s.mux }

// Wait blocks until every connection handled by the server has ended.
func (s *Server) Wait() { s.wg.Wait() }

func roleOf(r *http.Request) string {
	role := r.URL.Query().Get("role")
	if role == "" {
		role = r.Header.Get(HeaderRole)
	}
	return strings.ToLower(strings.TrimSpace(role))
}

// ServeHTTP upgrades GET {path}?role=requester|handler. A requester may ask
// to keep a connection id with ?connectionId=, a handler may name itself
// with ?handlerId=.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := roleOf(r)
	var id string
	switch role {
	case RoleRequester:
		id = r.URL.Query().Get("connectionId")
		if id == "" {
			id = uuid.NewString()
		}
	case RoleHandler:
		id = r.URL.Query().Get("handlerId")
		if id == "" {
			id = ulid.Make().String()
		}
	default:
		http.Error(w, "role must be requester or handler", http.StatusBadRequest)
		return
	}

	// a stale socket may still hold the id; refusing before the upgrade
	// makes the dial fail so the peer backs off
	if s.mux.Connected(role, id) {
		logx.Log.Warn().Str("role", role).Str("peer_id", id).Msg("rejecting peer; id in use")
		http.Error(w, "id in use", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		logx.Log.Debug().Err(err).Str("role", role).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	p := &wsPeer{id: id, role: role, conn: conn, out: make(chan []byte, s.opts.SendBuffer), done: make(chan struct{}), cancel: cancel, writeTimeout: s.opts.WriteTimeout}
	if role == RoleHandler {
		p.onDrain = func() { s.mux.Resume(id) }
	}

	s.wg.Add(1)
	defer s.wg.Done()
	// the writer runs before registration so a handler adopting pending
	// sessions is drained while its queues are flushed
	go p.writeLoop(ctx)
	if role == RoleRequester {
		err = s.mux.AddRequester(p)
	} else {
		err = s.mux.AddHandler(p)
	}
	if err != nil {
		logx.Log.Warn().Err(err).Str("role", role).Str("peer_id", id).Msg("rejecting peer")
		p.closeWith(websocket.StatusPolicyViolation, "id in use")
		return
	}
	if s.opts.Heartbeat > 0 {
		go p.pingLoop(ctx, s.opts.Heartbeat)
	}
	s.readLoop(ctx, p)

	if role == RoleRequester {
		s.mux.RemoveRequester(id)
	} else {
		s.mux.RemoveHandler(id)
	}
	p.Close("closing")
}

func (s *Server) readLoop(ctx context.Context, p *wsPeer) {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logx.Log.Debug().Err(err).Str("role", p.role).Str("peer_id", p.id).Msg("peer read ended")
			}
			return
		}
		if p.role == RoleRequester {
			err = s.mux.FromRequester(p.id, data)
		} else {
			err = s.mux.FromHandler(p.id, data)
		}
		if err != nil {
			logBridgeError(p, err)
		}
	}
}

func logBridgeError(p *wsPeer, err error) {
	ev := logx.Log.Warn()
	if wire.Recoverable(err) {
		ev = logx.Log.Debug()
	}
	ev.Err(err).Str("role", p.role).Str("peer_id", p.id).Msg("dropping message")
}

// wsPeer is a websocket peer with a buffered writer goroutine.
type wsPeer struct {
	id           string
	role         string
	conn         *websocket.Conn
	out          chan []byte
	done         chan struct{}
	once         sync.Once
	cancel       context.CancelFunc
	writeTimeout time.Duration

	// blocked is set when a Send found the buffer full; onDrain is called
	// once the writer has brought it back under half.
	blocked atomic.Bool
	onDrain func()
}

func (p *wsPeer) ID() string { return p.id }

// Send queues data for the writer goroutine without blocking.
func (p *wsPeer) Send(data []byte) error {
	select {
	case <-p.done:
		return wire.ErrChannelClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	default:
		p.blocked.Store(true)
		return ErrBackpressure
	}
}

func (p *wsPeer) Close(reason string) {
	p.closeWith(websocket.StatusNormalClosure, reason)
}

func (p *wsPeer) closeWith(code websocket.StatusCode, reason string) {
	p.once.Do(func() {
		close(p.done)
		go func() {
			_ = p.conn.Close(code, reason)
			p.cancel()
		}()
	})
}

func (p *wsPeer) writeLoop(ctx context.Context) {
	for {
		select {
		case b := <-p.out:
			wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
			err := p.conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				logx.Log.Debug().Err(err).Str("peer_id", p.id).Msg("peer write failed")
				p.Close("write failed")
				return
			}
			if p.onDrain != nil && p.blocked.Load() && len(p.out) <= cap(p.out)/2 {
				p.blocked.Store(false)
				p.onDrain()
			}
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *wsPeer) pingLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			err := p.conn.Ping(pctx)
			cancel()
			if err != nil {
				p.Close("ping timeout")
				return
			}
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
