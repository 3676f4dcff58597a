// Package bridgestate tracks the lifecycle status of a bridge process and
// publishes snapshots of its multiplexer to a store, so the routing table of
// one or many bridges can be inspected.
package bridgestate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/toolrelay/internal/bridge"
	"github.com/gaspardpetit/toolrelay/internal/logx"
)

// Process status values.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
)

var status atomic.Value
var draining atomic.Bool

func init() {
	status.Store(StatusNotReady)
}

// SetStatus sets the process status string.
func SetStatus(s string) {
	status.Store(s)
}

// Status returns the current process status.
func Status() string {
	if v, ok := status.Load().(string); ok {
		return v
	}
	return "unknown"
}

// StartDrain marks the process as draining.
func StartDrain() {
	draining.Store(true)
	SetStatus(StatusDraining)
}

// IsDraining reports whether the process is draining.
func IsDraining() bool {
	return draining.Load()
}

// ErrNotFound is returned when no state was published under an id.
var ErrNotFound = errors.New("bridge state not found")

// State is what one bridge publishes.
type State struct {
	BridgeID  string          `json:"bridge_id"`
	Status    string          `json:"status"`
	Version   string          `json:"version,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Snapshot  bridge.Snapshot `json:"snapshot"`
	Host      *HostStats      `json:"host,omitempty"`
}

// Store keeps the latest state of each bridge. ttl bounds how long a state
// survives without being refreshed; zero keeps it forever.
type Store interface {
	Save(ctx context.Context, s State, ttl time.Duration) error
	Load(ctx context.Context, bridgeID string) (State, error)
	List(ctx context.Context) ([]State, error)
}

type entry struct {
	state   State
	expires time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]entry
	now    func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]entry{}, now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, s State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{state: s}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.states[s.BridgeID] = e
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.states[id]
	if !ok || m.expired(e) {
		return State{}, ErrNotFound
	}
	return e.state, nil
}

func (m *MemoryStore) List(context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for id, e := range m.states {
		if m.expired(e) {
			delete(m.states, id)
			continue
		}
		out = append(out, e.state)
	}
	sortStates(out)
	return out, nil
}

func (m *MemoryStore) expired(e entry) bool {
	return !e.expires.IsZero() && !m.now().Before(e.expires)
}

func sortStates(s []State) {
	sort.Slice(s, func(i, j int) bool { return s[i].BridgeID < s[j].BridgeID })
}

// Publisher periodically saves the state of one bridge.
type Publisher struct {
	Store    Store
	BridgeID string
	Version  string
	Interval time.Duration
	Source   func() bridge.Snapshot
	// Host adds a host sample to every state.
	Host bool
}

// Current builds the state that would be published now.
func (p *Publisher) Current() State {
	st := State{
		BridgeID:  p.BridgeID,
		Status:    Status(),
		Version:   p.Version,
		UpdatedAt: time.Now().UTC(),
		Snapshot:  p.Source(),
	}
	if p.Host {
		st.Host = ReadHost()
	}
	return st
}

// Run publishes immediately and then every Interval until ctx ends. Each
// state lives for three intervals so a dead bridge disappears from List.
func (p *Publisher) Run(ctx context.Context) {
	ttl := 3 * p.Interval
	publish := func() {
		if err := p.Store.Save(ctx, p.Current(), ttl); err != nil && ctx.Err() == nil {
			logx.Log.Warn().Err(err).Str("bridge_id", p.BridgeID).Msg("publish bridge state")
		}
	}
	publish()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publish()
		case <-ctx.Done():
			return
		}
	}
}
