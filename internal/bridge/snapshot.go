package bridge

import (
	"sort"
	"time"
)

// HandlerSnapshot describes one connected handler.
type HandlerSnapshot struct {
	ID          string    `json:"id"`
	Sessions    int       `json:"sessions"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SessionSnapshot describes one requester session.
type SessionSnapshot struct {
	ID        string    `json:"id"`
	HandlerID string    `json:"handler_id,omitempty"`
	Pending   bool      `json:"pending"`
	Queued    int       `json:"queued"`
	Dropped   int       `json:"dropped"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a point-in-time view of the multiplexer.
type Snapshot struct {
	Handlers []HandlerSnapshot `json:"handlers"`
	Sessions []SessionSnapshot `json:"sessions"`
}

// Pending returns the number of sessions without a handler.
func (s Snapshot) Pending() int {
	n := 0
	for _, ss := range s.Sessions {
		if ss.Pending {
			n++
		}
	}
	return n
}

// Snapshot returns the current handlers and sessions, oldest first.
func (m *Multiplexer) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Handlers: make([]HandlerSnapshot, 0, len(m.order)),
		Sessions: make([]SessionSnapshot, 0, len(m.sessions)),
	}
	for _, id := range m.order {
		h := m.handlers[id]
		snap.Handlers = append(snap.Handlers, HandlerSnapshot{ID: id, Sessions: len(h.sessions), ConnectedAt: h.connected})
	}
	ordered := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	for _, s := range ordered {
		snap.Sessions = append(snap.Sessions, SessionSnapshot{
			ID:        s.id,
			HandlerID: s.handler,
			Pending:   s.handler == "",
			Queued:    len(s.queue),
			Dropped:   s.dropped,
			CreatedAt: s.created,
		})
	}
	return snap
}
