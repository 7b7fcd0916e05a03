// Package eventbus implements the Event Bus (spec.md §4.F): a thin wrapper
// around the shared store's pub/sub that decodes JSON payloads and fans
// them out to local subscribers through a subscribe/disposer pattern, the
// way other_examples/Eggwite-Tether's in-memory presence store hands
// watchers a cancel func instead of requiring explicit unsubscribe calls.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/presencecore/internal/logging"
)

// Handler receives a decoded message for a single channel or pattern match.
// Handlers run on the bus's own goroutine; slow handlers delay delivery to
// every other subscriber on the same pattern, so callers that need more
// than trivial work should hand off to their own goroutine/queue.
type Handler func(channel string, payload []byte)

// Disposer cancels a subscription. Safe to call more than once.
type Disposer func()

// Bus publishes to and subscribes from a dedicated pub/sub connection,
// kept separate from the connection used for ordinary reads/writes/
// pipelines per spec.md §5.
type Bus struct {
	client *redis.Client
	log    logging.Logger

	mu    sync.Mutex
	pat   *redis.PubSub
	exact *redis.PubSub
	subs  map[string][]*subscription
	next  int
}

type subscription struct {
	id      int
	handler Handler
}

// New builds a Bus over a pub/sub-dedicated *redis.Client.
func New(client *redis.Client, log logging.Logger) *Bus {
	if log == nil {
		log = logging.Noop()
	}
	return &Bus{
		client: client,
		log:    log,
		subs:   make(map[string][]*subscription),
	}
}

// Publish marshals payload to JSON and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// SubscribePattern registers handler against a glob pattern (e.g.
// "prs:{room:*}:events") and returns a Disposer. The first call for a given
// pattern opens a real PSUBSCRIBE; later calls for the same pattern reuse
// it and simply add another local handler.
func (b *Bus) SubscribePattern(ctx context.Context, pattern string, handler Handler) (Disposer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pat == nil {
		b.pat = b.client.PSubscribe(ctx, pattern)
		if _, err := b.pat.Receive(ctx); err != nil {
			b.pat = nil
			return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
		}
		go b.loop(b.pat)
	} else {
		if err := b.pat.PSubscribe(ctx, pattern); err != nil {
			return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
		}
	}

	id := b.next
	b.next++
	sub := &subscription{id: id, handler: handler}
	b.subs[pattern] = append(b.subs[pattern], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(pattern, id)
	}, nil
}

// Subscribe registers handler against an exact channel name and returns a
// Disposer, analogous to SubscribePattern but for single-channel listens
// (a single room's presence events, for instance).
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) (Disposer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exact == nil {
		b.exact = b.client.Subscribe(ctx, channel)
		if _, err := b.exact.Receive(ctx); err != nil {
			b.exact = nil
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		go b.loop(b.exact)
	} else {
		if err := b.exact.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	id := b.next
	b.next++
	sub := &subscription{id: id, handler: handler}
	b.subs[channel] = append(b.subs[channel], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(channel, id)
	}, nil
}

func (b *Bus) removeLocked(key string, id int) {
	subs := b.subs[key]
	for i, s := range subs {
		if s.id == id {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// loop pumps messages off a PubSub's channel and dispatches them to every
// handler registered for the message's pattern (or channel, for exact
// subscriptions) until the PubSub is closed.
func (b *Bus) loop(ps *redis.PubSub) {
	ch := ps.Channel()
	for msg := range ch {
		key := msg.Pattern
		if key == "" {
			key = msg.Channel
		}
		b.mu.Lock()
		subs := append([]*subscription(nil), b.subs[key]...)
		b.mu.Unlock()

		for _, s := range subs {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.log.Error("event handler panicked", fmt.Errorf("%v", r), "channel", msg.Channel)
					}
				}()
				s.handler(msg.Channel, []byte(msg.Payload))
			}()
		}
	}
}

// Close tears down both pub/sub connections.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.pat != nil {
		err = b.pat.Close()
	}
	if b.exact != nil {
		if e := b.exact.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
