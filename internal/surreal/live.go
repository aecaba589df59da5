package surreal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Subscription is a live query on one table. Notifications arrive in the
// store's commit order and are consumed one at a time through Next.
//
// The backlog between the session's read loop and the consumer is unbounded:
// the read loop also routes RPC replies, so delivery must never block it. A
// consumer that issues queries on the same session while its feed backs up
// would otherwise deadlock against its own subscription.
type Subscription struct {
	id uuid.UUID
	c  *Client

	mu    sync.Mutex
	queue []Notification
	wake  chan struct{}
}

// Live registers a live query on table and returns its feed.
func (c *Client) Live(ctx context.Context, table string) (Feed, error) {
	raw, err := c.call(ctx, "live", table)
	if err != nil {
		return nil, fmt.Errorf("live %s: %w", table, err)
	}
	var id uuid.UUID
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("surreal: decode live id: %w", err)
	}

	sub := &Subscription{id: id, c: c, wake: make(chan struct{}, 1)}
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
	return sub, nil
}

// Next blocks until the next notification, context cancellation, or session
// death. Buffered notifications drain before a dead session surfaces its
// connection error; the feed never ends on its own.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			n := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-s.c.done:
			return Notification{}, s.c.failure()
		}
	}
}

// Kill deregisters the live query on the store and locally.
func (s *Subscription) Kill(ctx context.Context) error {
	s.c.mu.Lock()
	delete(s.c.subs, s.id)
	s.c.mu.Unlock()

	if _, err := s.c.call(ctx, "kill", s.id.String()); err != nil {
		return fmt.Errorf("kill %s: %w", s.id, err)
	}
	return nil
}

// deliver queues a notification. Called from the read loop; must not block.
func (s *Subscription) deliver(n Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
