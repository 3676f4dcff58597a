package medium

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Memory is an in-process multicast domain backed by a watermill go channel
// pub/sub. Publish blocks until every subscriber has taken the message, which
// keeps one publisher's order intact.
type Memory struct {
	topic  string
	pubSub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
}

// NewMemory creates a new in-process domain on topic.
func NewMemory(topic string) *Memory {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger())
	return &Memory{topic: topic, pubSub: ps}
}

// Publish implements Medium.
func (m *Memory) Publish(ctx context.Context, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	return m.pubSub.Publish(m.topic, msg)
}

// Subscribe implements Medium.
func (m *Memory) Subscribe(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	in, err := m.pubSub.Subscribe(ctx, m.topic)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, DefaultBuffer)
	go func() {
		defer close(out)
		for msg := range in {
			payload := append([]byte(nil), msg.Payload...)
			msg.Ack()
			deliver(out, payload, KindMemory)
		}
	}()
	return out, nil
}

// Close implements Medium.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.pubSub.Close()
}
