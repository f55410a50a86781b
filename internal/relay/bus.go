package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Frame is a relayed message tagged with the instance that first saw it.
type Frame struct {
	Origin string          `json:"origin"`
	Raw    json.RawMessage `json:"raw"`
}

// Bus carries frames between server instances.
type Bus interface {
	Publish(ctx context.Context, f Frame) error
	// Subscribe calls handle for every frame until ctx is done.
	Subscribe(ctx context.Context, handle func(Frame)) error
}

type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func(Frame)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// wait for the subscription before reporting ready
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.logger.Warn("bus frame unmarshal", "error", err)
				continue
			}
			handle(f)
		}
	}
}

// MemoryBus connects hubs within one process.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int]func(Frame)
	next     int
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{handlers: make(map[int]func(Frame))} }

func (b *MemoryBus) Publish(_ context.Context, f Frame) error {
	b.mu.RLock()
	handlers := make([]func(Frame), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(f)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handle func(Frame)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handle
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

// Subscribers reports how many Subscribe calls are active.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
