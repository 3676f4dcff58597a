package transport

import (
	"sync"

	"github.com/gaspardpetit/toolrelay/internal/wire"
)

// PendingTable maps in-flight request ids to the connection that issued
// them. Every lookup-then-mutate happens under a single lock acquisition.
type PendingTable struct {
	mu      sync.Mutex
	entries map[wire.ID]string
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[wire.ID]string)}
}

// Put records that connID issued request id. An id already in flight is a
// protocol error and the existing entry is kept.
func (p *PendingTable) Put(id wire.ID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner, ok := p.entries[id]; ok {
		return &wire.ProtocolError{Code: wire.DuplicateRequestID, ID: id, Detail: "in flight for " + owner}
	}
	p.entries[id] = connID
	return nil
}

// Take consumes the entry for id and returns its connection.
func (p *PendingTable) Take(id wire.ID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	connID, ok := p.entries[id]
	if !ok {
		return "", &wire.ProtocolError{Code: wire.UnknownRequestID, ID: id}
	}
	delete(p.entries, id)
	return connID, nil
}

// DropConnection forgets every request issued by connID and returns how
// many were dropped.
func (p *PendingTable) DropConnection(connID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, owner := range p.entries {
		if owner == connID {
			delete(p.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of requests in flight.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
