package medium

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS is a multicast domain on a core NATS subject.
type NATS struct {
	conn    *nats.Conn
	subject string
	owned   bool
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, subject string) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("toolrelay"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{conn: nc, subject: subject, owned: true}, nil
}

// NewNATS wraps an existing connection. Close leaves it open.
func NewNATS(nc *nats.Conn, subject string) *NATS {
	return &NATS{conn: nc, subject: subject}
}

// Publish implements Medium.
func (n *NATS) Publish(_ context.Context, data []byte) error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	return n.conn.Publish(n.subject, data)
}

// Subscribe implements Medium.
func (n *NATS) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if n.conn.IsClosed() {
		return nil, ErrClosed
	}
	in := make(chan []byte, DefaultBuffer)
	sub, err := n.conn.Subscribe(n.subject, func(m *nats.Msg) {
		deliver(in, append([]byte(nil), m.Data...), KindNATS)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	// in is never closed: the callback may still fire once after Unsubscribe.
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-in:
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements Medium.
func (n *NATS) Close() error {
	if n.owned {
		n.conn.Close()
	}
	return nil
}
