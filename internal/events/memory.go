package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrBusClosed = errors.New("event bus closed")

// MemoryBus is an in-process Publisher and Subscriber. It is used when the
// broker and the handshake run in the same process, and in tests.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	topic string
	ch    chan []byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return b.PublishRaw(topic, data)
}

// PublishRaw delivers data as is, without JSON encoding.
func (b *MemoryBus) PublishRaw(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		if !Match(s.topic, topic) {
			continue
		}
		select {
		case s.ch <- data:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	s := &memorySub{topic: topic, ch: make(chan []byte, 64)}
	b.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return s.ch, cancel, nil
}

// Close closes every open subscription channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	return nil
}
