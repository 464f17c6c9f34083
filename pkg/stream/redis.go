package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventsChannel carries terminal pipeline events from worker replicas to
// gateway replicas over the analytics partition.
const EventsChannel = "ops:events"

// Publisher accepts pipeline events. The Hub implements it for in-process
// fan-out; RedisPublisher carries events across the process boundary.
type Publisher interface {
	Publish(evt Event)
}

// RedisPublisher broadcasts events on a Redis channel. Delivery is best
// effort: the event stream is an operator convenience, the ledger stays the
// source of truth for outcomes.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) (*RedisPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Publish(evt Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, EventsChannel, raw).Err(); err != nil {
		log.Printf("stream: publish event: %v", err)
	}
}

// Relay consumes the event channel into hub until ctx is cancelled.
// Malformed messages are dropped.
func Relay(ctx context.Context, client *redis.Client, hub *Hub) error {
	if client == nil || hub == nil {
		return fmt.Errorf("redis client and hub required")
	}
	sub := client.Subscribe(ctx, EventsChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			hub.Publish(evt)
		}
	}
}
