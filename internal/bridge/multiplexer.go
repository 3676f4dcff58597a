// Package bridge multiplexes many requesters over a pool of handlers. Each
// requester gets a session bound to at most one handler; messages forwarded
// to a handler carry the session's connection id so one handler socket can
// serve many requesters.
package bridge

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/toolrelay/internal/logx"
	"github.com/gaspardpetit/toolrelay/internal/metrics"
	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// DefaultMaxQueue bounds a pending session's queue when Options.MaxQueue is
// zero.
const DefaultMaxQueue = 1024

var (
	// ErrDuplicatePeer is returned when a peer id is already connected.
	ErrDuplicatePeer = errors.New("peer id already connected")
	// ErrUnknownSession is returned for traffic from a requester that has
	// no session.
	ErrUnknownSession = errors.New("unknown session")
)

// Roles a peer can connect as.
const (
	RoleRequester = "requester"
	RoleHandler   = "handler"
)

// Peer is one connected socket as seen by the multiplexer. Send must not
// block; it is called with the multiplexer's lock held so that per-session
// order is kept.
type Peer interface {
	ID() string
	Send(data []byte) error
	Close(reason string)
}

// Options tune a Multiplexer.
type Options struct {
	// MaxQueue bounds each session's queue, whether it waits for a handler
	// or for a busy one. When full the oldest message is dropped.
	MaxQueue int
}

type session struct {
	id        string
	requester Peer
	handler   string
	queue     [][]byte
	seq       uint64
	created   time.Time
	dropped   int
}

type handler struct {
	peer      Peer
	sessions  map[string]struct{}
	connected time.Time
}

// Multiplexer routes between requesters and handlers. Assignment is round
// robin over the connected handlers in the order they connected.
type Multiplexer struct {
	maxQueue int

	mu       sync.Mutex
	sessions map[string]*session
	handlers map[string]*handler
	order    []string
	next     int
	seq      uint64
}

// NewMultiplexer returns an empty multiplexer.
func NewMultiplexer(opts Options) *Multiplexer {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	return &Multiplexer{
		maxQueue: opts.MaxQueue,
		sessions: map[string]*session{},
		handlers: map[string]*handler{},
	}
}

// pickLocked returns the next handler in rotation, or "" when none is
// connected.
func (m *Multiplexer) pickLocked() string {
	if len(m.order) == 0 {
		return ""
	}
	if m.next >= len(m.order) {
		m.next = 0
	}
	id := m.order[m.next]
	m.next = (m.next + 1) % len(m.order)
	return id
}

// AddRequester opens a session for p. The session is assigned to the next
// handler in rotation, or left pending when there is none.
func (m *Multiplexer) AddRequester(p Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := p.ID()
	if _, ok := m.sessions[id]; ok {
		return ErrDuplicatePeer
	}
	m.seq++
	s := &session{id: id, requester: p, seq: m.seq, created: time.Now()}
	m.sessions[id] = s
	if hid := m.pickLocked(); hid != "" {
		m.assignLocked(s, hid)
		logx.Log.Info().Str("conn_id", id).Str("handler_id", hid).Msg("requester connected")
	} else {
		logx.Log.Info().Str("conn_id", id).Msg("requester connected; no handler, session pending")
	}
	m.gaugesLocked()
	return nil
}

// RemoveRequester discards p's session and anything queued for it. Handlers
// are not told.
func (m *Multiplexer) RemoveRequester(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	if h := m.handlers[s.handler]; h != nil {
		delete(h.sessions, id)
	}
	logx.Log.Info().Str("conn_id", id).Int("discarded", len(s.queue)).Msg("requester disconnected")
	m.gaugesLocked()
}

// AddHandler registers p and hands it every pending session, flushing their
// queues in order.
func (m *Multiplexer) AddHandler(p Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := p.ID()
	if _, ok := m.handlers[id]; ok {
		return ErrDuplicatePeer
	}
	m.handlers[id] = &handler{peer: p, sessions: map[string]struct{}{}, connected: time.Now()}
	m.order = append(m.order, id)
	adopted := 0
	for _, s := range m.pendingLocked() {
		m.assignLocked(s, id)
		adopted++
	}
	logx.Log.Info().Str("handler_id", id).Int("adopted", adopted).Msg("handler connected")
	m.gaugesLocked()
	return nil
}

// RemoveHandler drops a handler. Each session it served moves to the next
// surviving handler in rotation, or back to pending. Requests already sent
// to the dead handler are not replayed.
func (m *Multiplexer) RemoveHandler(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[id]
	if !ok {
		return
	}
	delete(m.handlers, id)
	for i, hid := range m.order {
		if hid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.next > i {
				m.next--
			}
			break
		}
	}
	orphans := make([]string, 0, len(h.sessions))
	for sid := range h.sessions {
		orphans = append(orphans, sid)
	}
	sort.Slice(orphans, func(i, j int) bool {
		return m.sessions[orphans[i]].seq < m.sessions[orphans[j]].seq
	})
	moved := 0
	for _, sid := range orphans {
		s := m.sessions[sid]
		s.handler = ""
		if hid := m.pickLocked(); hid != "" {
			m.assignLocked(s, hid)
			metrics.RecordReassignment()
			moved++
		}
	}
	logx.Log.Info().Str("handler_id", id).Int("sessions", len(orphans)).Int("reassigned", moved).Msg("handler disconnected")
	m.gaugesLocked()
}

// pendingLocked returns pending sessions, oldest first.
func (m *Multiplexer) pendingLocked() []*session {
	var out []*session
	for _, s := range m.sessions {
		if s.handler == "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// assignLocked binds s to handler hid and flushes its queue.
func (m *Multiplexer) assignLocked(s *session, hid string) {
	h := m.handlers[hid]
	s.handler = hid
	h.sessions[s.id] = struct{}{}
	m.flushLocked(s)
}

// flushLocked sends s's queue to its handler in order. It stops at the first
// message the handler cannot take; that message and the rest stay queued
// until Resume or a reassignment.
func (m *Multiplexer) flushLocked(s *session) {
	h := m.handlers[s.handler]
	if h == nil || len(s.queue) == 0 {
		return
	}
	sent := 0
	for _, b := range s.queue {
		if err := h.peer.Send(b); err != nil {
			logx.Log.Debug().Err(err).Str("conn_id", s.id).Str("handler_id", s.handler).Int("held", len(s.queue)-sent).Msg("handler busy; holding queue")
			break
		}
		metrics.RecordBridgeMessage(metrics.ToHandler, metrics.Forwarded)
		sent++
	}
	s.queue = s.queue[sent:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	if sent > 0 {
		logx.Log.Debug().Str("conn_id", s.id).Str("handler_id", s.handler).Int("flushed", sent).Msg("flushed session queue")
	}
}

// Resume retries the held queues of every session served by handler id,
// oldest session first. The websocket front calls it once the handler's
// send buffer has room again.
func (m *Multiplexer) Resume(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[id]
	if !ok {
		return
	}
	var held []*session
	for sid := range h.sessions {
		if s := m.sessions[sid]; s != nil && len(s.queue) > 0 {
			held = append(held, s)
		}
	}
	sort.Slice(held, func(i, j int) bool { return held[i].seq < held[j].seq })
	for _, s := range held {
		m.flushLocked(s)
	}
}

// Connected reports whether a peer with id is connected in role.
func (m *Multiplexer) Connected(role, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch role {
	case RoleRequester:
		_, ok := m.sessions[id]
		return ok
	case RoleHandler:
		_, ok := m.handlers[id]
		return ok
	}
	return false
}

// FromRequester forwards a message from requester connID to its handler,
// tagged with connID. It is queued instead while the session is pending or
// while earlier messages are still held for a busy handler. A malformed
// message is returned as a *wire.StructuralError and dropped.
func (m *Multiplexer) FromRequester(connID string, raw []byte) error {
	if _, err := wire.Parse(raw); err != nil {
		metrics.RecordBridgeMessage(metrics.ToHandler, metrics.Rejected)
		return err
	}
	tagged, err := wire.Tag(raw, connID)
	if err != nil {
		metrics.RecordBridgeMessage(metrics.ToHandler, metrics.Rejected)
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connID]
	if !ok {
		return ErrUnknownSession
	}
	if h := m.handlers[s.handler]; h != nil && len(s.queue) == 0 {
		if err := h.peer.Send(tagged); err == nil {
			metrics.RecordBridgeMessage(metrics.ToHandler, metrics.Forwarded)
			return nil
		}
	}
	if len(s.queue) >= m.maxQueue {
		s.queue = s.queue[1:]
		s.dropped++
		metrics.RecordBridgeMessage(metrics.ToHandler, metrics.Dropped)
		logx.Log.Warn().Str("conn_id", connID).Int("max_queue", m.maxQueue).Msg("session queue full; dropping oldest message")
	}
	s.queue = append(s.queue, tagged)
	metrics.RecordBridgeMessage(metrics.ToHandler, metrics.Queued)
	m.flushLocked(s)
	return nil
}

// FromHandler routes a message from a handler back to the requester named
// by its connection tag, with the tag removed. A message without a tag is a
// ProtocolError; one for a requester that has gone is dropped silently.
func (m *Multiplexer) FromHandler(handlerID string, raw []byte) error {
	connID, rest, err := wire.Untag(raw)
	if err != nil {
		metrics.RecordBridgeMessage(metrics.ToRequester, metrics.Rejected)
		return err
	}
	if _, err := wire.Parse(rest); err != nil {
		metrics.RecordBridgeMessage(metrics.ToRequester, metrics.Rejected)
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connID]
	if !ok {
		metrics.RecordBridgeMessage(metrics.ToRequester, metrics.Dropped)
		logx.Log.Debug().Str("conn_id", connID).Str("handler_id", handlerID).Msg("requester gone; dropping reply")
		return nil
	}
	if err := s.requester.Send(rest); err != nil {
		metrics.RecordBridgeMessage(metrics.ToRequester, metrics.Dropped)
		return err
	}
	metrics.RecordBridgeMessage(metrics.ToRequester, metrics.Forwarded)
	return nil
}

// Close disconnects every peer.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	var peers []Peer
	for _, s := range m.sessions {
		peers = append(peers, s.requester)
	}
	for _, h := range m.handlers {
		peers = append(peers, h.peer)
	}
	m.sessions = map[string]*session{}
	m.handlers = map[string]*handler{}
	m.order = nil
	m.next = 0
	m.gaugesLocked()
	m.mu.Unlock()
	for _, p := range peers {
		p.Close("bridge shutting down")
	}
}

func (m *Multiplexer) gaugesLocked() {
	pending := 0
	for _, s := range m.sessions {
		if s.handler == "" {
			pending++
		}
	}
	metrics.SetBridgeSessions(len(m.sessions)-pending, pending)
	metrics.SetBridgePeers(RoleRequester, len(m.sessions))
	metrics.SetBridgePeers(RoleHandler, len(m.handlers))
}
